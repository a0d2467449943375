// Package executor provides the collaborators that do the work behind cell
// actions: an in-process echo executor, a local command executor and a NATS
// request/reply executor answered by gridworker processes.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/natsbus"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/tick"
	"github.com/mtzanidakis/gridflow/internal/work"
)

// Request is what an out-of-process executor receives, on stdin or as a
// NATS message.
type Request struct {
	Action  rules.Action     `json:"action"`
	Item    *work.Item       `json:"item,omitempty"`
	Context tick.ExecContext `json:"context"`
}

// Reply is the NATS answer to a Request. Error is set instead of the
// outcome when the worker's executor failed.
type Reply struct {
	tick.Outcome
	Error string `json:"error,omitempty"`
}

// Echo answers every action with a record of what was asked. It is the
// default executor and makes a grid runnable without any workers.
type Echo struct{}

func (Echo) Execute(_ context.Context, a rules.Action, item *work.Item, ec tick.ExecContext) (tick.Outcome, error) {
	rec := map[string]any{
		"action":    a,
		"cell":      ec.Coord.String(),
		"archetype": ec.Archetype,
		"tick":      ec.Tick,
	}
	if item != nil {
		rec["item"] = item.ID
		rec["kind"] = item.Kind
		if len(item.Payload) > 0 {
			rec["input"] = item.Payload
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return tick.Outcome{}, fmt.Errorf("marshal echo: %w", err)
	}
	return tick.Outcome{Artifact: data}, nil
}

// FromConfig builds the executor selected by cfg.Mode. client is only
// needed for the nats mode.
func FromConfig(cfg config.ExecutorConfig, client *natsbus.Client) (tick.Executor, error) {
	switch cfg.Mode {
	case "", "echo":
		return Echo{}, nil
	case "command":
		return NewCommand(cfg.Command)
	case "nats":
		if client == nil {
			return nil, fmt.Errorf("executor mode nats requires a nats connection")
		}
		return NewRemote(client, cfg.Subject), nil
	}
	return nil, fmt.Errorf("unknown executor mode %q", cfg.Mode)
}
