package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/tick"
	"github.com/mtzanidakis/gridflow/internal/work"
)

// Command runs a local program per action. The Request is written to its
// stdin as JSON. Stdout is read as an Outcome when it is a JSON object with
// outcome fields; any other output becomes the artifact.
type Command struct {
	argv []string
}

func NewCommand(argv []string) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("command executor requires a command")
	}
	return &Command{argv: argv}, nil
}

func (c *Command) Execute(ctx context.Context, a rules.Action, item *work.Item, ec tick.ExecContext) (tick.Outcome, error) {
	in, err := json.Marshal(Request{Action: a, Item: item, Context: ec})
	if err != nil {
		return tick.Outcome{}, fmt.Errorf("marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Env = append(os.Environ(),
		"GRIDFLOW_ACTION="+string(a),
		"GRIDFLOW_CELL="+ec.Coord.String(),
		"GRIDFLOW_ARCHETYPE="+ec.Archetype,
		"GRIDFLOW_ROLE="+ec.Role,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return tick.Outcome{}, fmt.Errorf("run %s: %w: %s", c.argv[0], err, msg)
		}
		return tick.Outcome{}, fmt.Errorf("run %s: %w", c.argv[0], err)
	}
	return parseOutput(stdout.Bytes())
}

var outcomeKeys = []string{"artifact", "pending", "outputs", "review"}

func parseOutput(out []byte) (tick.Outcome, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return tick.Outcome{}, nil
	}
	if !json.Valid(out) {
		data, err := json.Marshal(string(out))
		if err != nil {
			return tick.Outcome{}, err
		}
		return tick.Outcome{Artifact: data}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(out, &fields); err == nil {
		for _, k := range outcomeKeys {
			if _, ok := fields[k]; ok {
				var o tick.Outcome
				if err := json.Unmarshal(out, &o); err != nil {
					return tick.Outcome{}, fmt.Errorf("decode outcome: %w", err)
				}
				return o, nil
			}
		}
	}
	return tick.Outcome{Artifact: json.RawMessage(out)}, nil
}
