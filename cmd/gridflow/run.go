package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/intake"
	"github.com/mtzanidakis/gridflow/internal/natsbus"
	"github.com/mtzanidakis/gridflow/internal/telemetry"
	"github.com/mtzanidakis/gridflow/internal/tick"
)

type runOptions struct {
	ticks     int
	untilIdle bool
	idle      int
	seed      string
}

func parseRunArgs(args []string) (runOptions, error) {
	opts := runOptions{ticks: 10, idle: 1}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-n":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing value for -n")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				return opts, fmt.Errorf("-n must be a positive number, got %q", args[i])
			}
			opts.ticks = n
		case "-until-quiescent":
			opts.untilIdle = true
		case "-idle":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing value for -idle")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				return opts, fmt.Errorf("-idle must be a positive number, got %q", args[i])
			}
			opts.idle = n
		case "-seed":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("missing value for -seed")
			}
			i++
			opts.seed = args[i]
		default:
			return opts, fmt.Errorf("unknown flag %s", args[i])
		}
	}
	return opts, nil
}

// runTicks runs the configured grid in-process, without intake or the web
// API, and prints what happened.
func runTicks(args []string) error {
	opts, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: gridflow run [-n <ticks>] [-until-quiescent] [-idle <ticks>] [-seed <submissions.json>]\n")
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var client *natsbus.Client
	if needsBus(cfg) {
		var closeBus func()
		if client, closeBus, err = connect(cfg.NATS); err != nil {
			return err
		}
		defer closeBus()
	}

	metrics, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer metrics.Shutdown(context.Background())

	rt, err := buildRuntime(cfg, client)
	if err != nil {
		return err
	}
	if err := rt.resume(db); err != nil {
		return err
	}
	rt.attach(db, metrics)

	if opts.seed != "" {
		f, err := os.Open(opts.seed)
		if err != nil {
			return fmt.Errorf("open seed file: %w", err)
		}
		n, err := seed(rt, f)
		f.Close()
		if err != nil {
			return err
		}
		slog.Info("seeded grid", "submissions", n)
	}

	var sum tick.Summary
	if opts.untilIdle {
		sum, err = rt.orch.RunUntilQuiescent(ctx, opts.ticks, opts.idle)
	} else {
		sum, err = rt.orch.RunNTicks(ctx, opts.ticks)
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("run ticks: %w", err)
	}
	return printSummary(os.Stdout, sum, rt.grid.ASCII())
}

// seed reads a JSON array of submissions and admits each one.
func seed(rt *runtime, r io.Reader) (int, error) {
	var subs []intake.Submission
	if err := json.NewDecoder(r).Decode(&subs); err != nil {
		return 0, fmt.Errorf("decode seed file: %w", err)
	}
	for i, s := range subs {
		if _, err := intake.Submit(rt.grid, s); err != nil {
			return i, fmt.Errorf("seed %d (%s): %w", i, s.Kind, err)
		}
	}
	return len(subs), nil
}

func printSummary(w io.Writer, sum tick.Summary, ascii string) error {
	out := struct {
		tick.Summary
		RoutingEfficiency float64 `json:"routing_efficiency"`
	}{sum, sum.RoutingEfficiency()}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%s\n", ascii)
	return err
}
