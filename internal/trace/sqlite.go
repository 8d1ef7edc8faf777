package trace

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"ticksched/internal/sched"
)

const defaultBatch = 128

// OpenSQLite opens (creating if needed) a trace database. ":memory:" gives
// a private in-memory database.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  at DATETIME NOT NULL,
  tick INTEGER NOT NULL,
  kind TEXT NOT NULL,
  task_id INTEGER NOT NULL,
  task TEXT NOT NULL,
  priority INTEGER NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(run_id) REFERENCES runs(id)
);
CREATE INDEX IF NOT EXISTS idx_events_run_tick ON events(run_id, tick);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("ensure trace schema: %w", err)
	}
	return nil
}

// SQLiteRecorder persists kernel events under a per-run identifier.
// Events are buffered and written in one transaction per batch.
type SQLiteRecorder struct {
	db    *sql.DB
	runID string
	batch int

	mu      sync.Mutex
	pending []sched.Event
	err     error
}

// NewSQLiteRecorder registers a new run in db.
func NewSQLiteRecorder(ctx context.Context, db *sql.DB) (*SQLiteRecorder, error) {
	runID := "run_" + uuid.NewString()
	if _, err := db.ExecContext(ctx, `INSERT INTO runs (id, started_at) VALUES (?, ?)`, runID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("register trace run: %w", err)
	}
	return &SQLiteRecorder{db: db, runID: runID, batch: defaultBatch}, nil
}

// RunID identifies this recorder's rows.
func (r *SQLiteRecorder) RunID() string { return r.runID }

func (r *SQLiteRecorder) Record(ev sched.Event) {
	if ev.Kind == sched.EventTick {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// a failed database keeps failing; stop buffering for it
	if r.err != nil {
		return
	}
	r.pending = append(r.pending, ev)
	if len(r.pending) >= r.batch || ev.Kind == sched.EventHalt {
		r.flushLocked(context.Background())
	}
}

// Flush writes buffered events and returns the first error seen so far.
func (r *SQLiteRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked(ctx)
	return r.err
}

func (r *SQLiteRecorder) flushLocked(ctx context.Context) {
	if len(r.pending) == 0 || r.err != nil {
		return
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.err = fmt.Errorf("begin trace batch: %w", err)
		return
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (run_id, at, tick, kind, task_id, task, priority, detail)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		r.err = fmt.Errorf("prepare trace insert: %w", err)
		return
	}
	defer stmt.Close()
	for _, ev := range r.pending {
		if _, err := stmt.ExecContext(ctx, r.runID, ev.Time.UTC(), int64(ev.Tick), ev.Kind.String(),
			int64(ev.TaskID), ev.Task, ev.Priority, ev.Detail); err != nil {
			tx.Rollback()
			r.err = fmt.Errorf("insert trace event: %w", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		r.err = fmt.Errorf("commit trace batch: %w", err)
		return
	}
	r.pending = r.pending[:0]
}

// Close flushes what is left. It does not close the database.
func (r *SQLiteRecorder) Close() error {
	return r.Flush(context.Background())
}

// CountByKind returns how many events of each kind this run recorded.
func (r *SQLiteRecorder) CountByKind(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events WHERE run_id = ? GROUP BY kind`, r.runID)
	if err != nil {
		return nil, fmt.Errorf("count trace events: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}
