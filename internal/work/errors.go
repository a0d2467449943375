package work

import "errors"

var (
	// ErrCapacityExceeded is returned by admission when a queue is at its WIP limit.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrRuleMiss marks a (state, signal) pair with no rule entry. It is never
	// returned by a lookup; it only tags diagnostics for stuck cells.
	ErrRuleMiss = errors.New("rule miss")

	// ErrExecutorFailure wraps errors and timeouts raised by an executor.
	ErrExecutorFailure = errors.New("executor failure")

	// ErrInvalidWorkItem is returned for items with non-positive economics.
	ErrInvalidWorkItem = errors.New("invalid work item")

	// ErrAggregationIncomplete marks a verdict computed from too few raters.
	ErrAggregationIncomplete = errors.New("aggregation incomplete")

	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotFound          = errors.New("work item not found")
	ErrDuplicate         = errors.New("duplicate work item")
)
