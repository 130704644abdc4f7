package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"automation-engine/internal/automation"
	"automation-engine/internal/config"
	"automation-engine/internal/queue"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger, err := config.NewLogger(cfg, "scheduler")
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
	lock := queue.NewLock(client, "lock:scheduler", cfg.SchedulerLockTTL)

	sched := automation.NewScheduler(automation.SchedulerConfig{
		Interval:              cfg.SchedulerInterval,
		DataConditionCooldown: cfg.DataConditionCooldown,
		InvalidCronFallback:   cfg.InvalidCronFallback,
	}, st, automation.NewRunCreator(st, logger), automation.NewEvaluator(st), q, lock, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scheduler stopped")
	}
}
