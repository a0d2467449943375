package tick

import (
	"context"
	"encoding/json"

	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/validation"
	"github.com/mtzanidakis/gridflow/internal/work"
)

// Executor performs the work behind an action. item is nil for perturbation
// actions. Implementations may return Pending to be polled again next tick.
type Executor interface {
	Execute(ctx context.Context, action rules.Action, item *work.Item, ec ExecContext) (Outcome, error)
}

type ExecutorFunc func(ctx context.Context, action rules.Action, item *work.Item, ec ExecContext) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, action rules.Action, item *work.Item, ec ExecContext) (Outcome, error) {
	return f(ctx, action, item, ec)
}

// Neighbor is the published view of an adjacent cell as handed to executors.
type Neighbor struct {
	Coord      grid.Coord  `json:"coord"`
	Role       string      `json:"role"`
	Domain     string      `json:"domain,omitempty"`
	State      rules.State `json:"state"`
	OutputKind string      `json:"output_kind,omitempty"`
	OutputTick int64       `json:"output_tick,omitempty"`
}

// ExecContext is the local view a cell hands its executor.
type ExecContext struct {
	Tick       int64        `json:"tick"`
	Coord      grid.Coord   `json:"coord"`
	Archetype  string       `json:"archetype"`
	Role       string       `json:"role"`
	Domain     string       `json:"domain,omitempty"`
	Strictness float64      `json:"strictness"`
	Signal     rules.Signal `json:"signal"`
	Neighbors  []Neighbor   `json:"neighbors,omitempty"`
	// Poll is set when re-asking about a call that returned Pending.
	Poll bool `json:"poll,omitempty"`
}

// Output is one piece of work emitted by an action. Zero economics inherit
// from the consumed item. Without To or BroadcastRole the output goes to
// every neighbour that accepts its kind.
type Output struct {
	Kind          string            `json:"kind"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CostOfDelay   float64           `json:"cost_of_delay,omitempty"`
	JobSize       float64           `json:"job_size,omitempty"`
	DeadlineTick  int64             `json:"deadline_tick,omitempty"`
	To            []grid.Coord      `json:"to,omitempty"`
	BroadcastRole string            `json:"broadcast_role,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

type Outcome struct {
	Artifact json.RawMessage `json:"artifact,omitempty"`
	Pending  bool            `json:"pending,omitempty"`
	Outputs  []Output        `json:"outputs,omitempty"`
	// Review sends the artifact to the validation panel before the consumed
	// item is closed.
	Review bool `json:"review,omitempty"`
}

// Reviewer judges an artifact. *validation.Panel implements it.
type Reviewer interface {
	Review(ctx context.Context, artifact json.RawMessage) validation.Result
}
