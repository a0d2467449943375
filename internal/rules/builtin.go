package rules

import (
	"fmt"
	"sort"
)

// StrictCritiqueThreshold is the strictness at which sub-agents start
// reviewing idle neighbours instead of pulling work from them.
const StrictCritiqueThreshold = 0.85

type builder struct {
	name, description string
	entries           []Entry
}

func newBuilder(name, description string) *builder {
	return &builder{name: name, description: description}
}

func (b *builder) add(s State, sig Signal, a Action, next State, note ...string) *builder {
	e := Entry{State: s, Signal: sig, Action: a, Next: next}
	if len(note) > 0 {
		e.Note = note[0]
	}
	b.entries = append(b.entries, e)
	return b
}

// withRecovery adds the entries every built-in table shares: resuming from ERROR
// and taking rework into an idle cell. Pairs already defined are left alone.
func (b *builder) withRecovery(consume Action, busy State) *builder {
	defined := make(map[key]bool, len(b.entries))
	for _, e := range b.entries {
		defined[key{e.State, e.Signal}] = true
	}
	common := []Entry{
		{State: Error, Signal: NewItem, Action: consume, Next: busy, Note: "resume after failure"},
		{State: Error, Signal: IterationDone, Action: consume, Next: busy, Note: "resume on rework"},
		{State: Error, Signal: QueueEmpty, Action: Wait, Next: Idle, Note: "clear error"},
		{State: Idle, Signal: IterationDone, Action: consume, Next: busy, Note: "rework"},
		{State: Idle, Signal: DeadlineNear, Action: consume, Next: busy, Note: "urgent item"},
	}
	for _, e := range common {
		if !defined[key{e.State, e.Signal}] {
			b.entries = append(b.entries, e)
		}
	}
	return b
}

func (b *builder) build() *Table {
	t, err := NewTable(b.name, b.description, b.entries)
	if err != nil {
		panic(fmt.Sprintf("built-in rule table %s: %v", b.name, err))
	}
	return t
}

func Research() *Table {
	return newBuilder("research", "Gather references and context").
		add(Idle, NewItem, Process, Working).
		add(Working, BatchComplete, Emit, Idle).
		add(Working, QueueFull, Emit, Waiting).
		add(Waiting, NeighborIdle, Emit, Idle).
		add(Idle, QueueEmpty, Wait, Idle).
		add(Working, DeadlineNear, Emit, Idle, "ship what you have").
		add(Idle, Stale, GapAnalysis, Working, "find gaps while neighbours are active").
		withRecovery(Process, Working).
		build()
}

func Concept() *Table {
	return newBuilder("concept", "Turn research into structured concepts").
		add(Idle, NewItem, Process, Working).
		add(Working, BatchComplete, Emit, Idle).
		add(Working, CritiqueNeeded, Critique, Critiquing).
		add(Critiquing, IterationDone, Emit, Idle).
		add(Critiquing, BatchComplete, Emit, Idle).
		add(Idle, QueueEmpty, Pull, Idle, "pull from research neighbours").
		add(Idle, Stale, GapAnalysis, Working, "find conceptual gaps").
		withRecovery(Process, Working).
		build()
}

func Layout() *Table {
	return newBuilder("layout", "Place content blocks and manage rhythm").
		add(Idle, NewItem, Process, Working).
		add(Working, BatchComplete, Emit, Idle).
		add(Working, CritiqueNeeded, Critique, Critiquing).
		add(Critiquing, IterationDone, Process, Working, "revise layout").
		add(Critiquing, BatchComplete, Emit, Idle).
		add(Idle, QueueEmpty, Wait, Idle).
		add(Working, NeighborIdle, SplitBatch, Working, "share work with an idle neighbour").
		add(Idle, Stale, GapAnalysis, Working, "look for layout gaps").
		withRecovery(Process, Working).
		build()
}

func CritiqueTable() *Table {
	return newBuilder("critique", "Evaluate quality and coherence").
		add(Idle, NewItem, Critique, Critiquing).
		add(Idle, CritiqueNeeded, Critique, Critiquing).
		add(Critiquing, BatchComplete, Emit, Idle).
		add(Critiquing, DeadlineNear, Emit, Idle, "good enough").
		add(Idle, QueueEmpty, Wait, Idle).
		add(Idle, Stale, Challenge, Critiquing, "challenge neighbours when idle too long").
		withRecovery(Critique, Critiquing).
		build()
}

func Master() *Table {
	return newBuilder("master", "Decompose briefs, validate, veto").
		add(Idle, NewItem, Process, Working, "decompose brief into work").
		add(Working, BatchComplete, Emit, Idle).
		add(Working, CritiqueNeeded, Critique, Critiquing, "validate incoming artifact").
		add(Critiquing, IterationDone, Emit, Idle).
		add(Critiquing, BatchComplete, Emit, Idle).
		add(Idle, QueueEmpty, Wait, Idle).
		add(Idle, NeighborIdle, Wait, Idle).
		add(Working, DeadlineNear, Emit, Idle, "ship best available").
		add(Idle, Stale, GapAnalysis, Working, "re-examine brief for missed angles").
		withRecovery(Process, Working).
		build()
}

// SubAgent returns the table for a narrow-aspect specialist. Strict agents
// review idle neighbours proactively; lenient ones pull work instead.
func SubAgent(strictness float64) *Table {
	b := newBuilder("sub_agent", fmt.Sprintf("Domain sub-agent (strictness=%.2f)", strictness)).
		add(Idle, NewItem, Process, Working).
		add(Working, BatchComplete, Emit, Idle).
		add(Working, CritiqueNeeded, Critique, Critiquing)
	if strictness >= StrictCritiqueThreshold {
		b.add(Idle, NeighborIdle, Critique, Critiquing, "review neighbour output")
	} else {
		b.add(Idle, NeighborIdle, Pull, Idle, "pull work from neighbour")
	}
	return b.
		add(Critiquing, IterationDone, Emit, Idle).
		add(Critiquing, BatchComplete, Emit, Idle).
		add(Idle, QueueEmpty, Wait, Idle).
		add(Working, NeighborIdle, SplitBatch, Working, "share work with idle neighbour").
		add(Working, DeadlineNear, Emit, Idle).
		add(Blocked, NewItem, Process, Working, "unblock on new input").
		add(Idle, Stale, GapAnalysis, Working, "look for gaps in domain coverage").
		withRecovery(Process, Working).
		build()
}

func Execution() *Table {
	return newBuilder("execution", "Build and test artifacts").
		add(Idle, NewItem, Process, Working).
		add(Working, BatchComplete, Emit, Idle).
		add(Working, CritiqueNeeded, Escalate, Waiting, "send to critique neighbour").
		add(Waiting, IterationDone, Process, Working, "revise from feedback").
		add(Idle, QueueEmpty, Pull, Idle).
		add(Idle, InsufficientCoverage, Wait, Idle, "wait for domain coverage").
		add(Working, NeighborIdle, SplitBatch, Working).
		add(Working, DeadlineNear, Emit, Idle).
		add(Idle, Stale, Pull, Idle, "pull work from busy neighbours").
		withRecovery(Process, Working).
		build()
}

var builtins = map[string]func(strictness float64) *Table{
	"research":  func(float64) *Table { return Research() },
	"concept":   func(float64) *Table { return Concept() },
	"layout":    func(float64) *Table { return Layout() },
	"critique":  func(float64) *Table { return CritiqueTable() },
	"master":    func(float64) *Table { return Master() },
	"execution": func(float64) *Table { return Execution() },
	"sub_agent": SubAgent,
}

// Builtin returns a named built-in table.
func Builtin(name string, strictness float64) (*Table, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return fn(strictness), nil
}

func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ForRole picks the built-in table for a cell role. Unknown roles are
// treated as domain sub-agents.
func ForRole(role string, strictness float64) *Table {
	switch role {
	case "master", "critique", "research", "execution", "concept", "layout":
		t, _ := Builtin(role, strictness)
		return t
	}
	return SubAgent(strictness)
}
