package trace

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticksched/internal/sched"
)

func sampleEvents() []sched.Event {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []sched.Event{
		{Time: now, Tick: 0, Kind: sched.EventDispatch, TaskID: 1, Task: "Rx", Priority: 2},
		{Time: now, Tick: 1, Kind: sched.EventTick},
		{Time: now, Tick: 1, Kind: sched.EventBlock, TaskID: 1, Task: "Rx", Priority: 2},
		{Time: now, Tick: 2000, Kind: sched.EventTimerFire, TaskID: 3, Task: "Tmr Svc", Priority: 6, Detail: "AutoReload due=2000"},
	}
}

func TestCSVRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := NewCSVWriter(&buf)
	for _, ev := range sampleEvents() {
		r.Record(ev)
	}
	require.NoError(t, r.Close())

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4, "header plus three non-tick events")
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"2024-05-01T12:00:00Z", "0", "Dispatch", "1", "Rx", "2", ""}, rows[1])
	assert.Equal(t, "AutoReload due=2000", rows[3][6])
}

func TestCSVRecorderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	r, err := NewCSVRecorder(path)
	require.NoError(t, err)
	r.Record(sampleEvents()[0])
	require.NoError(t, r.Err())
	require.NoError(t, r.Close())

	_, err = NewCSVRecorder(filepath.Join(t.TempDir(), "missing", "trace.csv"))
	assert.Error(t, err)
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogRecorder(zerolog.New(&buf).Level(zerolog.DebugLevel))

	r.Record(sched.Event{Kind: sched.EventTick, Tick: 5})
	assert.Zero(t, buf.Len(), "ticks are not logged")

	r.Record(sampleEvents()[0])
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "[  Dispatch  ]", line["message"])
	assert.Equal(t, "Rx", line["task"])
	assert.EqualValues(t, 2, line["priority"])

	buf.Reset()
	r.Record(sched.Event{Kind: sched.EventHalt, Detail: "halted"})
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
}

func TestCenter(t *testing.T) {
	assert.Equal(t, "  Wake  ", center("Wake", 8))
	assert.Equal(t, " Block  ", center("Block", 8))
	assert.Equal(t, "TimerFire", center("TimerFire", 4))
}

type countRecorder struct{ n int }

func (c *countRecorder) Record(sched.Event) { c.n++ }

func TestMulti(t *testing.T) {
	a, b := &countRecorder{}, &countRecorder{}
	m := Multi(a, b)
	for _, ev := range sampleEvents() {
		m.Record(ev)
	}
	assert.Equal(t, 4, a.n)
	assert.Equal(t, 4, b.n)
}

func TestSQLiteRecorder(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	r, err := NewSQLiteRecorder(ctx, db)
	require.NoError(t, err)
	assert.Regexp(t, `^run_[0-9a-f-]{36}$`, r.RunID())

	for _, ev := range sampleEvents() {
		r.Record(ev)
	}
	require.NoError(t, r.Flush(ctx))

	counts, err := r.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Dispatch": 1, "Block": 1, "TimerFire": 1}, counts)

	other, err := NewSQLiteRecorder(ctx, db)
	require.NoError(t, err)
	other.Record(sampleEvents()[0])
	require.NoError(t, other.Close())

	counts, err = r.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["Dispatch"], "runs are kept apart")
}

func TestSQLiteRecorderInKernel(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	r, err := NewSQLiteRecorder(ctx, db)
	require.NoError(t, err)

	cfg := sched.DefaultConfig()
	cfg.Virtual = true
	cfg.MaxTicks = 100
	k := sched.New(cfg, sched.WithRecorder(r))
	_, err = k.CreateTask("sleeper", 1, 0, func(tc *sched.TaskContext) { tc.Delay(10) })
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, k.Start(runCtx))
	require.NoError(t, r.Close())

	counts, err := r.CountByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["Finish"])
	assert.GreaterOrEqual(t, counts["Dispatch"], 3)
	assert.Zero(t, counts["Tick"])
}

func TestSQLiteRecorderStopsBufferingAfterError(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	r, err := NewSQLiteRecorder(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ev := sampleEvents()[0]
	for range 3 * defaultBatch {
		r.Record(ev)
	}
	assert.Error(t, r.Flush(context.Background()))
	assert.LessOrEqual(t, len(r.pending), defaultBatch)
}
