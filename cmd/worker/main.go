package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"automation-engine/internal/audit"
	"automation-engine/internal/config"
	"automation-engine/internal/queue"
	"automation-engine/internal/store"
	"automation-engine/internal/telemetry"
	workerproc "automation-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := config.NewLogger(cfg, "worker")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	actions := workerproc.NewActionRegistry(workerproc.NewHTTPActionClient(cfg.ActionServiceURL, cfg.ActionTimeout))
	artifacts, err := workerproc.NewArtifactAction(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("init artifact action")
	}
	actions.RegisterHandler(workerproc.ActionStoreArtifact, artifacts.Handle)

	auditLog := audit.NewLogger(st, logger)
	agents := workerproc.NewHTTPAgentRunner(cfg.AgentServiceURL, cfg.ActionTimeout)
	exec := workerproc.NewExecutor(st, actions, agents, auditLog, 2*cfg.VisibilityTimeout, logger)
	control := workerproc.NewControl(st, q, q, auditLog, logger)
	processor := workerproc.NewProcessorWithID(cfg, q, exec, control, st, logger, workerID)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	logger.WithFields(logrus.Fields{
		"worker_id":       workerID,
		"visibility":      cfg.VisibilityTimeout.String(),
		"backoff_initial": cfg.BackoffInitial.String(),
	}).Info("worker starting")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("worker stopped")
	}
}
