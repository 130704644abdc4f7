package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "automation-engine/internal/api"
	"automation-engine/internal/audit"
	"automation-engine/internal/automation"
	"automation-engine/internal/config"
	"automation-engine/internal/queue"
	"automation-engine/internal/ratelimit"
	"automation-engine/internal/store"
	"automation-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := config.NewLogger(cfg, "api")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.WithError(err).Fatal("migrations")
	}

	client := queue.NewClient(cfg)
	defer client.Close()
	q := queue.NewRedisQueue(client, cfg)
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	dispatcher := automation.NewDispatcher(st, automation.NewRunCreator(st, logger), automation.NewEvaluator(st), q, logger)
	control := worker.NewControl(st, q, q, audit.NewLogger(st, logger), logger)

	server := api.New(st, dispatcher, control, limiter, q, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
