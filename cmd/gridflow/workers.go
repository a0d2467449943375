package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/fleet"
)

// startWorkers brings up the configured gridworker containers and returns
// a func that stops them.
func startWorkers(ctx context.Context, cfg *config.Config) (func(), error) {
	if !cfg.Workers.Enabled {
		return func() {}, nil
	}

	m, err := fleet.NewManager(cfg.Workers)
	if err != nil {
		return nil, err
	}
	if err := m.Ping(ctx); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.CleanupStale(ctx); err != nil {
		slog.Warn("stale worker cleanup failed", "error", err)
	}
	if cfg.Workers.Build {
		dir, _ := os.Getwd()
		if err := m.BuildImage(ctx, dir); err != nil {
			m.Close()
			return nil, err
		}
	}

	opts := workerOptions(cfg)
	if err := m.StartAll(ctx, opts); err != nil {
		m.Close()
		return nil, fmt.Errorf("start workers: %w", err)
	}
	slog.Info("workers started", "pools", len(cfg.Workers.Pools), "nats", opts.NATSURL)

	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.StopAll(stopCtx)
		m.Close()
	}, nil
}

func workerOptions(cfg *config.Config) fleet.Options {
	timeout := cfg.Executor.Timeout
	if timeout == 0 {
		timeout = cfg.Tick.ExecutorTimeout
	}
	return fleet.Options{
		NATSURL: fleet.NATSURL(cfg.Workers, cfg.NATS),
		Subject: cfg.Executor.Subject,
		Timeout: timeout,
	}
}
