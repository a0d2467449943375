package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/intake"
	"github.com/mtzanidakis/gridflow/internal/schedule"
	"github.com/mtzanidakis/gridflow/internal/scheduler"
	"github.com/mtzanidakis/gridflow/internal/store"
	"github.com/mtzanidakis/gridflow/internal/telemetry"
	"github.com/mtzanidakis/gridflow/internal/vault"
	"github.com/mtzanidakis/gridflow/internal/web"
)

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting gridflow", "version", version,
		"grid", fmt.Sprintf("%dx%d", cfg.Grid.Width, cfg.Grid.Height))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	client, closeBus, err := connect(cfg.NATS)
	if err != nil {
		return err
	}
	defer closeBus()

	stopWorkers, err := startWorkers(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopWorkers()

	metrics, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	rt, err := buildRuntime(cfg, client)
	if err != nil {
		return err
	}
	if err := rt.resume(db); err != nil {
		return err
	}
	rt.attach(db, metrics)

	var cadence *schedule.Schedule
	if cfg.Tick.Cadence != "" {
		if cadence, err = schedule.Parse(cfg.Tick.Cadence); err != nil {
			return fmt.Errorf("tick cadence: %w", err)
		}
	}
	ticker := scheduler.New(rt.orch, cadence)
	go ticker.Start(ctx)
	if cadence != nil {
		slog.Info("tick cadence started", "cadence", cadence.String())
	} else {
		slog.Info("no tick cadence, ticks run on trigger only")
	}

	listener, err := intake.Listen(client, rt.grid, ticker.Trigger)
	if err != nil {
		return fmt.Errorf("init intake: %w", err)
	}
	defer listener.Close()

	if cfg.Web.Enabled {
		srv := web.NewServer(rt.orch, db, client, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reload(cfg, rt, ticker)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()
	return nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init vault: %w", err)
		}
		db.SetVault(v)
	}
	return db, nil
}

// reload re-reads the config file and applies what can change at runtime.
// It returns the config now in effect; sections that need a restart keep
// their old values so they are reported again on the next reload.
func reload(old *config.Config, rt *runtime, ticker *scheduler.Scheduler) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return old
	}
	diff := config.Diff(old, next)
	for _, section := range diff.NonReloadable {
		slog.Warn("config section changed but needs a restart", "section", section)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return old
	}

	applied := *old
	if diff.ValidationChanged {
		if err := rt.applyValidation(diff.NewValidation); err != nil {
			slog.Error("validation reload failed", "error", err)
		} else {
			applied.Validation = diff.NewValidation
			slog.Info("validation panel reloaded", "raters", len(diff.NewValidation.Raters))
		}
	}
	if diff.CadenceChanged {
		var cadence *schedule.Schedule
		if diff.NewCadence != "" {
			cadence, err = schedule.Parse(diff.NewCadence)
		}
		if err != nil {
			slog.Error("cadence reload failed", "error", err)
		} else {
			ticker.UpdateCadence(cadence)
			applied.Tick.Cadence = diff.NewCadence
			slog.Info("tick cadence reloaded", "cadence", diff.NewCadence)
		}
	}
	if diff.RateChanged {
		rt.applyRate(diff.NewRate, diff.NewBurst)
		applied.Tick.ExecRate, applied.Tick.ExecBurst = diff.NewRate, diff.NewBurst
		slog.Info("executor rate reloaded", "rate", diff.NewRate, "burst", diff.NewBurst)
	}
	return &applied
}
