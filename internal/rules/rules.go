package rules

import (
	"errors"
	"fmt"
)

type State string

const (
	Idle       State = "IDLE"
	Working    State = "WORKING"
	Waiting    State = "WAITING"
	Critiquing State = "CRITIQUING"
	Blocked    State = "BLOCKED"
	// Error is entered when an executor fails. Tables may define recovery
	// entries for it; without them the cell stays in Error.
	Error State = "ERROR"
)

var states = []State{Idle, Working, Waiting, Critiquing, Blocked, Error}

// States returns every agent state in declaration order.
func States() []State {
	return append([]State(nil), states...)
}

type Signal string

const (
	NewItem              Signal = "NEW_ITEM"
	QueueFull            Signal = "QUEUE_FULL"
	QueueEmpty           Signal = "QUEUE_EMPTY"
	CritiqueNeeded       Signal = "CRITIQUE_NEEDED"
	IterationDone        Signal = "ITERATION_DONE"
	BatchComplete        Signal = "BATCH_COMPLETE"
	NeighborIdle         Signal = "NEIGHBOR_IDLE"
	DeadlineNear         Signal = "DEADLINE_NEAR"
	InsufficientCoverage Signal = "INSUFFICIENT_COVERAGE"
	Stale                Signal = "STALE"
)

var signals = []Signal{NewItem, QueueFull, QueueEmpty, CritiqueNeeded, IterationDone,
	BatchComplete, NeighborIdle, DeadlineNear, InsufficientCoverage, Stale}

type Action string

const (
	Process     Action = "PROCESS"
	Emit        Action = "EMIT"
	Critique    Action = "CRITIQUE"
	Wait        Action = "WAIT"
	Pull        Action = "PULL"
	SplitBatch  Action = "SPLIT_BATCH"
	Escalate    Action = "ESCALATE"
	Skip        Action = "SKIP"
	Patch       Action = "PATCH"
	Challenge   Action = "CHALLENGE"
	GapAnalysis Action = "GAP_ANALYSIS"
)

var actions = []Action{Process, Emit, Critique, Wait, Pull, SplitBatch, Escalate, Skip,
	Patch, Challenge, GapAnalysis}

// Consumes reports whether the action takes the top inbox item.
func (a Action) Consumes() bool {
	return a == Process || a == Critique || a == Emit || a == Patch
}

// Perturbs reports whether the action calls the executor without an item.
func (a Action) Perturbs() bool {
	return a == Challenge || a == GapAnalysis
}

// Moves reports whether the action relocates work between neighbouring queues.
func (a Action) Moves() bool {
	return a == SplitBatch || a == Pull || a == Escalate
}

var (
	ErrUnknownState  = errors.New("unknown state")
	ErrUnknownSignal = errors.New("unknown signal")
	ErrUnknownAction = errors.New("unknown action")
	ErrDuplicateRule = errors.New("duplicate rule")
	ErrUnknownTable  = errors.New("unknown rule table")
)

func ParseState(s string) (State, error) {
	for _, v := range states {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
}

func ParseSignal(s string) (Signal, error) {
	for _, v := range signals {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSignal, s)
}

func ParseAction(s string) (Action, error) {
	for _, v := range actions {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}
