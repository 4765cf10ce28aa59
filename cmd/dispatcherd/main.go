package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgelabs/dispatchd/internal/dispatch/assign"
	"github.com/forgelabs/dispatchd/internal/dispatch/dispatcher"
	"github.com/forgelabs/dispatchd/internal/dispatch/firehose"
	"github.com/forgelabs/dispatchd/internal/dispatch/rpc"
	"github.com/forgelabs/dispatchd/internal/dispatch/storage"
	"github.com/forgelabs/dispatchd/pkg/config"
	"github.com/forgelabs/dispatchd/pkg/logger"
)

func main() {
	cfg, path, err := config.LoadDispatcherConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if level, err := logger.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.SetGlobalMode("dispatcher")
	mainLog := logger.WithField("component", "main")
	mainLog.Info("dispatchd starting", "config_path", path, "listen", cfg.ListenAddress)

	if err := run(cfg); err != nil {
		mainLog.Error("dispatchd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.DispatcherConfig) error {
	store, err := storage.NewBoltBackend(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	workers, err := dispatcher.NewWorkerRegistry()
	if err != nil {
		return err
	}
	logs := dispatcher.NewLogTree(cfg.JobLogDir, 5*time.Minute)
	hub := firehose.NewHub()
	defer hub.Close()
	queue := assign.NewQueue()

	d := dispatcher.New(store, workers, queue, hub, logs, nil, dispatcher.Config{
		HeartbeatMissedLimit: cfg.MissedHeartbeatLimit,
		JobExpiry:            cfg.JobExpiry,
	})
	netBus := dispatcher.NewNetBus(d, logs)
	d.SetBus(netBus)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.RecoverJobs(ctx); err != nil {
		logger.Warn("job recovery finished with errors", "error", err)
	}

	busLn, err := net.Listen("tcp", cfg.BusAddress)
	if err != nil {
		return err
	}
	defer busLn.Close()
	go func() {
		if err := netBus.Serve(busLn); err != nil {
			logger.Warn("bus listener stopped", "error", err)
		}
	}()

	rpcLn, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}
	defer rpcLn.Close()
	go func() {
		if err := rpc.Serve(rpcLn, d); err != nil {
			logger.Warn("rpc listener stopped", "error", err)
		}
	}()

	firehoseMux := http.NewServeMux()
	firehoseMux.Handle("/firehose", firehose.NewHandler(hub))
	firehoseSrv := &http.Server{Addr: cfg.FirehoseAddress, Handler: firehoseMux}
	go func() {
		if err := firehoseSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("firehose listener stopped", "error", err)
		}
	}()

	go livenessLoop(ctx, d, cfg.ExpiryCheckInterval)

	<-ctx.Done()
	logger.Info("dispatchd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return firehoseSrv.Shutdown(shutdownCtx)
}

func livenessLoop(ctx context.Context, d *dispatcher.Dispatcher, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ScanLiveness(ctx)
			if err := d.PruneExpiredJobs(ctx); err != nil {
				logger.Warn("prune expired jobs failed", "error", err)
			}
		}
	}
}
