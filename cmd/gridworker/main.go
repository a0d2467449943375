// Command gridworker answers executor and rater requests from a gridflow
// server over NATS.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/gridflow/internal/executor"
	"github.com/mtzanidakis/gridflow/internal/natsbus"
	"github.com/mtzanidakis/gridflow/internal/tick"
	"github.com/mtzanidakis/gridflow/internal/validation"
)

var version = "dev"

type options struct {
	url        string
	subject    string
	archetypes []string
	command    []string
	raters     []string
	timeout    time.Duration
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseOptions(rest []string) (options, error) {
	args := parseArgs(rest)
	opts := options{
		url:        args["url"],
		subject:    args["subject"],
		archetypes: splitList(args["archetypes"]),
		command:    strings.Fields(args["exec"]),
		raters:     splitList(args["raters"]),
		timeout:    2 * time.Minute,
	}
	if opts.url == "" {
		opts.url = os.Getenv("GRIDFLOW_NATS_URL")
	}
	if opts.url == "" {
		opts.url = "nats://localhost:4222"
	}
	if v := args["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return opts, fmt.Errorf("--timeout must be a positive duration, got %q", v)
		}
		opts.timeout = d
	}
	return opts, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  gridworker [--url nats://...] [--subject exec] [--archetypes a,b] [--exec "program args"]`)
	fmt.Fprintln(os.Stderr, `             [--raters id1,id2] [--timeout 2m]`)
	fmt.Fprintln(os.Stderr, "  gridworker version")
	os.Exit(1)
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("gridworker %s\n", version)
			return
		case "-h", "--help", "help":
			usage()
		}
	}

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		slog.Error("invalid arguments", "error", err)
		usage()
	}
	if err := run(opts); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func localExecutor(argv []string) (tick.Executor, error) {
	if len(argv) == 0 {
		return executor.Echo{}, nil
	}
	return executor.NewCommand(argv)
}

func run(opts options) error {
	client, err := natsbus.NewClientFromURL(opts.url)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	exec, err := localExecutor(opts.command)
	if err != nil {
		return err
	}
	w := executor.NewWorker(client, exec, opts.timeout)
	if err := w.Listen(opts.subject, opts.archetypes...); err != nil {
		return err
	}
	defer w.Close()

	for _, id := range opts.raters {
		sub, err := executor.ServeRater(client, natsbus.TopicRater(id), validation.ArtifactRater{})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		slog.Info("rater listening", "id", id)
	}

	slog.Info("gridworker started", "version", version, "url", opts.url)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	return nil
}
