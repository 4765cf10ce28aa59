package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-uuid"

	"github.com/forgelabs/dispatchd/internal/worker"
	"github.com/forgelabs/dispatchd/pkg/config"
	"github.com/forgelabs/dispatchd/pkg/logger"
)

func main() {
	cfg, path, err := config.LoadWorkerConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetGlobalMode("worker")
	mainLog := logger.WithField("component", "main")
	mainLog.Info("workerd starting", "config_path", path, "dispatcher", cfg.DispatcherBusAddress)

	agent, err := worker.Dial(cfg.DispatcherBusAddress, worker.Config{
		WorkerID:          workerID(),
		Slots:             cfg.Slots,
		ZoneCapabilities:  cfg.Zones,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, worker.NoopExecutor)
	if err != nil {
		mainLog.Error("failed to connect to dispatcher", "error", err)
		os.Exit(1)
	}
	defer agent.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		mainLog.Error("workerd failed", "error", err)
		os.Exit(1)
	}
}

// workerID derives a stable worker identity from the hostname, falling
// back to a generated UUID when no hostname is available so two
// anonymous workers never collide in the dispatcher's registry.
func workerID() string {
	host, err := os.Hostname()
	if err == nil && host != "" {
		return host
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "worker"
	}
	return id
}
