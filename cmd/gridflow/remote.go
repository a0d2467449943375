package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/gridflow/internal/intake"
	"github.com/mtzanidakis/gridflow/internal/natsbus"
)

const requestTimeout = 10 * time.Second

func natsURL(args map[string]string) string {
	if u := args["url"]; u != "" {
		return u
	}
	if u := os.Getenv("GRIDFLOW_NATS_URL"); u != "" {
		return u
	}
	return "nats://localhost:4222"
}

// submissionFromArgs builds a submission from --key value flags. Tags are
// given as --tags k=v,k2=v2.
func submissionFromArgs(args map[string]string) (intake.Submission, error) {
	s := intake.Submission{
		Kind:   args["kind"],
		Target: args["target"],
		Cell:   args["cell"],
		Role:   args["role"],
		Domain: args["domain"],
	}
	if s.Kind == "" {
		return s, fmt.Errorf("--kind is required")
	}
	if s.Cell == "" && s.Role == "" && s.Domain == "" && args["broadcast"] != "true" {
		return s, fmt.Errorf("one of --cell, --role, --domain or --broadcast true is required")
	}
	s.Broadcast = args["broadcast"] == "true"

	var err error
	if s.CostOfDelay, err = floatArg(args, "cod", 1); err != nil {
		return s, err
	}
	if s.JobSize, err = floatArg(args, "size", 1); err != nil {
		return s, err
	}
	if v := args["deadline"]; v != "" {
		if s.DeadlineTick, err = strconv.ParseInt(v, 10, 64); err != nil {
			return s, fmt.Errorf("--deadline: %w", err)
		}
	}
	if v := args["payload"]; v != "" {
		if !json.Valid([]byte(v)) {
			return s, fmt.Errorf("--payload is not valid JSON")
		}
		s.Payload = json.RawMessage(v)
	}
	if v := args["tags"]; v != "" {
		s.Tags = make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			k, val, ok := strings.Cut(pair, "=")
			if !ok || k == "" {
				return s, fmt.Errorf("--tags: expected key=value, got %q", pair)
			}
			s.Tags[k] = val
		}
	}
	return s, nil
}

func floatArg(args map[string]string, key string, def float64) (float64, error) {
	v := args[key]
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", key, err)
	}
	return f, nil
}

func runSubmit(rest []string) error {
	args := parseArgs(rest)
	s, err := submissionFromArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, `Usage: gridflow submit --kind <kind> (--cell x,y | --role <role> | --domain <domain> | --broadcast true)`)
		fmt.Fprintln(os.Stderr, `       [--cod <n>] [--size <n>] [--payload '<json>'] [--deadline <tick>] [--tags k=v,...] [--url <nats-url>]`)
		return err
	}

	client, err := natsbus.NewClientFromURL(natsURL(args))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	r, err := intake.SubmitRemote(ctx, client, s)
	if err != nil {
		return err
	}
	fmt.Printf("Submitted %s (%d admitted)\n", r.ID, r.Admitted)
	return nil
}

func runTrigger(rest []string) error {
	args := parseArgs(rest)
	client, err := natsbus.NewClientFromURL(natsURL(args))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	accepted, err := intake.TriggerRemote(ctx, client)
	if err != nil {
		return err
	}
	if accepted {
		fmt.Println("Tick triggered.")
	} else {
		fmt.Println("A tick is already queued.")
	}
	return nil
}
