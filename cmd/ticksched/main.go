package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ticksched/internal/api"
	"ticksched/internal/job"
	promexp "ticksched/internal/observability/prometheus"
	"ticksched/internal/sched"
	"ticksched/internal/trace"
)

func main() {
	var (
		cfgPath  = flag.String("config", "config.yml", "YAML configuration file")
		ticks    = flag.Uint64("ticks", 0, "stop once idle at this tick (0 = run until interrupted)")
		virtual  = flag.Bool("virtual", false, "simulated time: skip idle ticks instead of sleeping")
		csvPath  = flag.String("csv", "", "write kernel events to this CSV file")
		dbPath   = flag.String("sqlite", "", "write kernel events to this SQLite database")
		httpAddr = flag.String("http", "", "HTTP bind address for status, stimulus and metrics")
		debug    = flag.Bool("debug", false, "log every kernel event")
	)
	flag.Parse()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := sched.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ticks":
			cfg.MaxTicks = *ticks
		case "virtual":
			cfg.Virtual = *virtual
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recorders := []sched.Recorder{trace.NewLogRecorder(log.Logger)}
	if *csvPath != "" {
		cr, err := trace.NewCSVRecorder(*csvPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open csv trace")
		}
		defer func() {
			if err := cr.Close(); err != nil {
				log.Error().Err(err).Msg("close csv trace")
			}
		}()
		recorders = append(recorders, cr)
	}
	if *dbPath != "" {
		db, err := trace.OpenSQLite(*dbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open sqlite trace")
		}
		defer db.Close()
		sr, err := trace.NewSQLiteRecorder(ctx, db)
		if err != nil {
			log.Fatal().Err(err).Msg("register trace run")
		}
		defer func() {
			if err := sr.Close(); err != nil {
				log.Error().Err(err).Msg("flush sqlite trace")
			}
		}()
		log.Info().Str("run_id", sr.RunID()).Msg("tracing to sqlite")
		recorders = append(recorders, sr)
	}

	reg := prom.NewRegistry()
	exporter, err := promexp.NewMetricsExporter("ticksched", reg, promexp.ExporterOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("register metrics")
	}

	k := sched.New(cfg,
		sched.WithLogger(log.Logger),
		sched.WithRecorder(trace.Multi(recorders...)),
		sched.WithMetrics(exporter),
	)

	demo, err := job.Setup(k, job.DefaultDemoConfig(), job.NewConsoleSink(os.Stdout), log.Logger)
	if err != nil {
		// Start reports the same failure; keep going so it is logged there.
		log.Error().Err(err).Msg("demo setup")
	}

	if demo != nil {
		go readStimulus(ctx, demo)
	}

	var srv *http.Server
	if *httpAddr != "" && demo != nil {
		srv = &http.Server{
			Addr:              *httpAddr,
			Handler:           api.NewServer(k, demo, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log.Logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", *httpAddr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("http server")
			}
		}()
	}

	err = k.Start(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		if demo != nil {
			s := demo.Stats()
			log.Info().
				Uint64("tick", uint64(s.Tick)).
				Uint64("sent_from_task", s.SentFromTask).
				Uint64("sent_from_timer", s.SentFromTimer).
				Uint64("dropped", s.Dropped).
				Uint64("received_from_task", s.ReceivedFromTask).
				Uint64("received_from_timer", s.ReceivedFromTimer).
				Msg("demo finished")
		}
	default:
		log.Fatal().Err(err).Msg("scheduler")
	}
}

// readStimulus resets the demo timer for every line read from stdin.
func readStimulus(ctx context.Context, demo *job.Demo) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := demo.Stimulus(); err != nil {
			log.Warn().Err(err).Msg("stimulus dropped")
			continue
		}
		log.Info().Uint64("tick", uint64(demo.Stats().Tick)).Msg("timer reset requested")
	}
}
