// pdfmerged serves the PDF merge API: multipart uploads in, one merged
// document out, with all CPU-bound PDF work running on a bounded worker
// pool behind the request handlers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cobaltleaf/pdfmerge/internal/config"
	"github.com/cobaltleaf/pdfmerge/internal/docmodel"
	"github.com/cobaltleaf/pdfmerge/internal/memguard"
	"github.com/cobaltleaf/pdfmerge/internal/merge"
	"github.com/cobaltleaf/pdfmerge/internal/pool"
	"github.com/cobaltleaf/pdfmerge/internal/server"
	"github.com/cobaltleaf/pdfmerge/internal/validate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()

	validator := validate.New(docmodel.NewLoader(), validate.Config{
		MinPDFSize:         cfg.MinPDFSize,
		HeaderScanWindow:   cfg.HeaderScanWindow,
		TrailerScanWindow:  cfg.TrailerScanWindow,
		LargeFileThreshold: cfg.LargeFileThreshold,
	}, logger)

	workerPool := pool.New(pool.Config{
		MinWorkers:          cfg.MinWorkers,
		PoolSize:            cfg.PoolSize,
		QueueSize:           cfg.QueueSize,
		HealthCheckInterval: cfg.HealthCheckInterval,
		WorkerIdleTimeout:   cfg.WorkerIdleTimeout,
		ScaleCooldown:       cfg.ScaleCooldown,
		ShutdownTimeout:     cfg.PoolShutdownTimeout,
		MemoryCeiling:       cfg.MemoryCeiling,
	}, logger, registry)
	go logPoolEvents(workerPool, logger)

	governor := memguard.New(memguard.Config{
		Ceiling:   cfg.MemoryCeiling,
		Threshold: cfg.MemoryThreshold,
	}, logger)
	governor.Register(validator)
	governor.StartMonitoring(cfg.MonitorInterval)

	engine := merge.New(cfg, workerPool, validator, governor, logger, registry)
	srv := server.New(cfg, engine, workerPool, logger, registry)
	governor.Register(srv.ResultCache())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("pdfmerged listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	governor.StopMonitoring()
	workerPool.Shutdown()
	logger.Info("shutdown complete")
}

func logPoolEvents(p *pool.Pool, logger *slog.Logger) {
	for e := range p.Events() {
		switch e.Type {
		case pool.EventWorkerError:
			logger.Error("pool worker error", "workerId", e.WorkerID, "error", e.Err)
		case pool.EventWorkerExit:
			logger.Debug("pool worker exited", "workerId", e.WorkerID)
		case pool.EventQueueWarning:
			logger.Warn("pool queue nearing capacity", "queueLength", e.QueueLength)
		case pool.EventMetrics:
			logger.Debug("pool metrics",
				"workers", e.Metrics.TotalWorkers,
				"active", e.Metrics.ActiveWorkers,
				"queue", e.Metrics.QueueLength,
				"processed", e.Metrics.TasksProcessed)
		}
	}
}
