package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentflow/internal/api"
	"agentflow/internal/autonomous"
	"agentflow/internal/config"
	"agentflow/internal/engine/remote"
	"agentflow/internal/metrics"
	"agentflow/internal/orchestrator"
	"agentflow/internal/queue"
	"agentflow/internal/ratelimit"
	"agentflow/internal/scheduler"
	"agentflow/internal/sqlitedb"
	"agentflow/internal/store"
	"agentflow/internal/tools"
	"agentflow/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogging(cfg.Log)

	db, err := sqlitedb.Open(cfg.DB.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}
	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure store schema")
	}

	repo := queue.NewSQLite(db, queue.WithVisibilityTimeout(cfg.Worker.VisibilityTimeout))
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err != nil {
		log.Error().Err(err).Msg("recover stale jobs")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}
	st := store.NewSQLite(db)
	m := metrics.New("agentflow", nil)

	catalog := tools.Catalog{
		"shell": tools.Shell(cfg.Tools.ShellAllow),
		"http":  tools.HTTP(&http.Client{Timeout: 30 * time.Second}),
	}
	builtins, err := catalog.Compose(catalog.Names())
	if err != nil {
		log.Fatal().Err(err).Msg("compose built-in tools")
	}
	eng := remote.New(cfg.Engine.URL,
		remote.WithHTTPClient(&http.Client{Timeout: cfg.Engine.Timeout}),
		remote.WithMaxTurns(cfg.Engine.MaxTurns),
	)

	pool := worker.NewPool(repo, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		RatePerSec:   cfg.Worker.RatePerSec,
		PollInterval: cfg.Worker.PollInterval,
	}, m)

	sched := scheduler.NewService(st, repo, eng, scheduler.Config{
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
		RunTimeout:        cfg.Scheduler.RunTimeout,
	}, scheduler.WithMetrics(m), scheduler.WithTools(builtins))
	sched.Register(pool)

	orch := orchestrator.New(st, repo, eng, catalog, orchestrator.Config{
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		StepTimeout:    cfg.Orchestrator.StepTimeout,
		TraceLimit:     cfg.Orchestrator.TraceLimit,
		SummarizeAfter: cfg.Orchestrator.SummarizeAfter,
	}, orchestrator.WithMetrics(m))
	orch.Register(pool)
	if _, err := orch.Resume(context.Background()); err != nil {
		log.Error().Err(err).Msg("resume tasks")
	}

	sessions := autonomous.NewService(st, repo, eng, autonomous.Config{
		DefaultMaxIterations: cfg.Autonomous.DefaultMaxIterations,
		MaxIterationsCap:     cfg.Autonomous.MaxIterationsCap,
		RunBudget:            cfg.Autonomous.RunBudget,
		PhaseTimeout:         cfg.Autonomous.PhaseTimeout,
	}, autonomous.WithMetrics(m), autonomous.WithTools(builtins))
	sessions.Register(pool)

	limiter := ratelimit.NewMemory()
	keys := make([]api.Key, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, api.Key{Key: k.Key, Owner: k.Owner, RateLimit: k.RateLimit})
	}
	if len(keys) == 0 {
		log.Warn().Msg("no api_keys configured; every /api request will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()
	go logEvents(ctx, pool.Events())
	go sched.Start(ctx)
	go limiter.Run(ctx, cfg.RateLimit.CleanupInterval)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Schedules:    sched,
			Tasks:        orch,
			Sessions:     sessions,
			Jobs:         repo,
			Keys:         keys,
			Limiter:      limiter,
			DefaultLimit: cfg.RateLimit.DefaultLimit,
			Window:       cfg.RateLimit.Window,
			Metrics:      m,
			Debug:        cfg.HTTP.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	cancel()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("worker pool did not drain before shutdown timeout")
	}
}

func setupLogging(c config.Log) {
	zerolog.TimeFieldFormat = time.RFC3339
	if c.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// logEvents reports delivery outcomes that need attention.
func logEvents(ctx context.Context, events <-chan worker.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e.Outcome {
			case worker.OutcomeFailed:
				log.Error().Err(e.Err).Str("job_id", e.JobID).Str("kind", e.Kind).Int("attempt", e.Attempt).Msg("job failed")
			case worker.OutcomeRetried:
				log.Warn().Err(e.Err).Str("job_id", e.JobID).Str("kind", e.Kind).Int("attempt", e.Attempt).Msg("job will be retried")
			default:
				log.Debug().Str("job_id", e.JobID).Str("outcome", string(e.Outcome)).Dur("duration", e.Duration).Msg("job done")
			}
		}
	}
}
