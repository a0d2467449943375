package main

import (
	"testing"
	"time"

	"github.com/mtzanidakis/gridflow/internal/executor"
)

func TestParseOptions(t *testing.T) {
	t.Setenv("GRIDFLOW_NATS_URL", "")

	opts, err := parseOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts.url != "nats://localhost:4222" || opts.timeout != 2*time.Minute || len(opts.archetypes) != 0 {
		t.Errorf("defaults = %+v", opts)
	}

	opts, err = parseOptions([]string{
		"--url", "nats://bus:4222",
		"--archetypes", "execution, critique,",
		"--exec", "python3 agent.py --fast",
		"--raters", "brand",
		"--timeout", "30s",
	})
	if err != nil {
		t.Fatal(err)
	}
	if opts.url != "nats://bus:4222" || opts.timeout != 30*time.Second {
		t.Errorf("opts = %+v", opts)
	}
	if len(opts.archetypes) != 2 || opts.archetypes[1] != "critique" {
		t.Errorf("archetypes = %q", opts.archetypes)
	}
	if len(opts.command) != 3 || opts.command[0] != "python3" {
		t.Errorf("command = %q", opts.command)
	}
	if len(opts.raters) != 1 || opts.raters[0] != "brand" {
		t.Errorf("raters = %q", opts.raters)
	}

	if _, err := parseOptions([]string{"--timeout", "soon"}); err == nil {
		t.Error("expected error for bad timeout")
	}
}

func TestLocalExecutor(t *testing.T) {
	e, err := localExecutor(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(executor.Echo); !ok {
		t.Errorf("expected echo executor, got %T", e)
	}
	e, err = localExecutor([]string{"cat"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*executor.Command); !ok {
		t.Errorf("expected command executor, got %T", e)
	}
}
