package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"postflow/internal/ai"
	"postflow/internal/api"
	"postflow/internal/config"
	"postflow/internal/events"
	"postflow/internal/queue"
	"postflow/internal/ratelimit"
	"postflow/internal/service"
	"postflow/internal/store"
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

	// The limiter shares the queue's Redis connection; in memory-fallback
	// mode there is no Redis, so mutating calls go unthrottled.
	var limiter *ratelimit.TokenBucket
	if rq, ok := q.(*queue.RedisQueue); ok {
		limiter = ratelimit.NewTokenBucket(rq.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	posts := service.NewPosts(st, q, hub, logger)
	jobs := service.NewJobs(st, q, hub, logger)
	aiClient := ai.NewClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AITimeout)

	server := api.New(cfg, posts, jobs, aiClient, hub, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Str("queue_mode", q.Mode()).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}
