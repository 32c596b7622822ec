package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"postflow/internal/config"
	"postflow/internal/events"
	"postflow/internal/queue"
	"postflow/internal/store"
	"postflow/internal/telemetry"
	"postflow/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	q := queue.New(ctx, cfg, logger)
	hub := events.NewHub()

	media, err := worker.NewMediaPipeline(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init media pipeline")
	}

	engine := worker.NewEngine(cfg, q, st, worker.NewSimulatedPublisher(), media, hub, logger)

	// Metrics plus an operator-scoped live event feed.
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.Handle("/ws/jobs", hub.ServeWS(nil, logger))
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	if err := engine.Run(ctx); err != nil && err != context.Canceled {
		logger.Error().Err(err).Msg("worker stopped")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
