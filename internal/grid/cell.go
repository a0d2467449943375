package grid

import (
	"slices"
	"sync"

	"github.com/mtzanidakis/gridflow/internal/rules"
)

// CellSpec is the static configuration of one cell.
type CellSpec struct {
	Coord       Coord
	Archetype   string
	Role        string
	Domain      string
	Strictness  float64
	WIPLimit    int
	MinCoverage int
	Table       *rules.Table
	// Accepts overrides the role's default routing filter when non-empty.
	Accepts []string
}

// View is what neighbours see of a cell: the state committed at the end of
// the previous tick and its latest output.
type View struct {
	State      rules.State  `json:"state"`
	Signal     rules.Signal `json:"signal,omitempty"`
	Action     rules.Action `json:"action,omitempty"`
	OutputKind string       `json:"output_kind,omitempty"`
	OutputTick int64        `json:"output_tick,omitempty"`
	HasOutput  bool         `json:"has_output"`
}

// Pending tracks an executor call that has not produced a final outcome.
type Pending struct {
	ItemID string       `json:"item_id,omitempty"`
	Action rules.Action `json:"action"`
	Since  int64        `json:"since"`
	Polls  int          `json:"polls"`
}

// Local is the cell-private bookkeeping carried between ticks.
type Local struct {
	IdleTicks        int
	ActiveTicks      int
	UnprocessedTicks int
	StuckTicks       int
	ItemsProcessed   int
	ExecCalls        int
	Finished         bool
	Pending          *Pending
}

// Update is the buffered result of one tick for one cell, applied in
// PROPAGATE.
type Update struct {
	Tick    int64
	Next    rules.State
	Signal  rules.Signal
	Action  rules.Action
	Matched bool
	// Output is the kind emitted this tick, if any.
	Output    string
	Finished  bool
	Pending   *Pending
	Executed  bool
	Processed bool
	// Idle marks a tick that ended IDLE with an empty inbox.
	Idle        bool
	Unprocessed bool
	Stuck       bool
}

type Cell struct {
	spec      CellSpec
	neighbors []Coord

	mu    sync.RWMutex
	view  View
	local Local
}

func newCell(spec CellSpec, neighbors []Coord) *Cell {
	return &Cell{
		spec:      spec,
		neighbors: neighbors,
		view:      View{State: rules.Idle},
	}
}

func (c *Cell) Coord() Coord        { return c.spec.Coord }
func (c *Cell) QueueID() string     { return c.spec.Coord.QueueID() }
func (c *Cell) Archetype() string   { return c.spec.Archetype }
func (c *Cell) Role() string        { return c.spec.Role }
func (c *Cell) Domain() string      { return c.spec.Domain }
func (c *Cell) Strictness() float64 { return c.spec.Strictness }
func (c *Cell) WIPLimit() int       { return c.spec.WIPLimit }
func (c *Cell) MinCoverage() int    { return c.spec.MinCoverage }
func (c *Cell) Table() *rules.Table { return c.spec.Table }
func (c *Cell) Neighbors() []Coord  { return slices.Clone(c.neighbors) }
func (c *Cell) Spec() CellSpec      { return c.spec }
func (c *Cell) State() rules.State  { return c.View().State }

func (c *Cell) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

func (c *Cell) Local() Local {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l := c.local
	if l.Pending != nil {
		p := *l.Pending
		l.Pending = &p
	}
	return l
}

// Commit publishes u as the cell's new state. It reports whether anything a
// neighbour can observe changed.
func (c *Cell) Commit(u Update) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.view
	c.view.State = u.Next
	c.view.Signal = u.Signal
	c.view.Action = ""
	if u.Matched {
		c.view.Action = u.Action
	}
	if u.Output != "" {
		c.view.OutputKind = u.Output
		c.view.OutputTick = u.Tick
		c.view.HasOutput = true
	}

	c.local.Finished = u.Finished
	c.local.Pending = u.Pending
	if u.Matched && u.Action != rules.Wait && u.Action != rules.Skip {
		c.local.ActiveTicks++
	}
	switch {
	case u.Signal == rules.Stale:
		c.local.IdleTicks = 0
	case u.Idle:
		c.local.IdleTicks++
	default:
		c.local.IdleTicks = 0
	}
	if u.Unprocessed {
		c.local.UnprocessedTicks++
	} else {
		c.local.UnprocessedTicks = 0
	}
	if u.Stuck {
		c.local.StuckTicks++
	}
	if u.Executed {
		c.local.ExecCalls++
	}
	if u.Processed {
		c.local.ItemsProcessed++
	}

	return prev.State != c.view.State || u.Output != ""
}

// Accepts reports whether output of the given kind from source should be
// routed into this cell's inbox.
func (c *Cell) Accepts(kind string, source *Cell) bool {
	accepts := c.spec.Accepts
	if len(accepts) == 0 {
		accepts = DefaultAccepts(c.spec.Role, c.spec.Archetype)
	}
	if slices.Contains(accepts, kind) {
		return true
	}
	if source != nil && source.spec.Domain != "" && source.spec.Domain == c.spec.Domain {
		return slices.Contains(sameDomainKinds, kind)
	}
	return false
}

var sameDomainKinds = []string{"concept", "layout", "research", "enrichment"}

var roleAccepts = map[string][]string{
	"master":    {"critique", "artifact", "code", "rework", "challenge"},
	"critique":  {"artifact", "layout", "concept", "code", "work_spec", "output"},
	"sub":       {"work_spec", "research", "brief_chunk", "challenge"},
	"research":  {"brief_chunk", "work_spec", "challenge"},
	"execution": {"concept", "layout", "work_spec", "critique", "rework", "enrichment", "research", "challenge"},
}

// DefaultAccepts returns the kinds a role takes from its neighbours.
// Consultant sub-agents also review artifacts.
func DefaultAccepts(role, archetype string) []string {
	out := slices.Clone(roleAccepts[role])
	if role == "sub" && archetype == "consultant" {
		out = append(out, "artifact", "code")
	}
	return out
}
