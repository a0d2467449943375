package work

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusIterating  Status = "iterating"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusIterating
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusIterating, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether an item may move from one status to another.
// Status only moves forward; rework happens on a new item.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		return to == StatusDone || to == StatusFailed || to == StatusIterating
	}
	return false
}

// Item is a unit of work flowing through the grid.
type Item struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	Target         string            `json:"target,omitempty"`
	CostOfDelay    float64           `json:"cost_of_delay"`
	JobSize        float64           `json:"job_size"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	Status         Status            `json:"status"`
	IterationCount int               `json:"iteration_count"`
	ParentID       string            `json:"parent_id,omitempty"`
	Queue          string            `json:"queue,omitempty"`
	Source         string            `json:"source,omitempty"`
	DeadlineTick   int64             `json:"deadline_tick,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	Lineage        []string          `json:"lineage,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// New builds a pending item with a fresh id. It fails with ErrInvalidWorkItem
// when the economics are not strictly positive.
func New(kind, target string, costOfDelay, jobSize float64, payload json.RawMessage) (*Item, error) {
	now := time.Now().UTC()
	it := &Item{
		ID:          uuid.New().String(),
		Kind:        kind,
		Target:      target,
		CostOfDelay: costOfDelay,
		JobSize:     jobSize,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := it.Validate(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidWorkItem)
	}
	if !positive(it.CostOfDelay) {
		return fmt.Errorf("%w: cost_of_delay must be > 0, got %v", ErrInvalidWorkItem, it.CostOfDelay)
	}
	if !positive(it.JobSize) {
		return fmt.Errorf("%w: job_size must be > 0, got %v", ErrInvalidWorkItem, it.JobSize)
	}
	if it.IterationCount < 0 {
		return fmt.Errorf("%w: negative iteration_count", ErrInvalidWorkItem)
	}
	if it.Status != "" && !it.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidWorkItem, it.Status)
	}
	return nil
}

// WSJF returns cost_of_delay / job_size. There is no fallback for a
// non-positive job size.
func (it *Item) WSJF() (float64, error) {
	if !positive(it.JobSize) || !positive(it.CostOfDelay) {
		return 0, fmt.Errorf("%w: wsjf undefined for cost_of_delay=%v job_size=%v",
			ErrInvalidWorkItem, it.CostOfDelay, it.JobSize)
	}
	return it.CostOfDelay / it.JobSize, nil
}

// Transition moves the item to a new status, recording a lineage note.
func (it *Item) Transition(to Status, note string) error {
	if !CanTransition(it.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, it.Status, to)
	}
	it.Status = to
	it.UpdatedAt = time.Now().UTC()
	if to == StatusFailed {
		it.FailureReason = note
	}
	if note != "" {
		it.Lineage = append(it.Lineage, fmt.Sprintf("%s: %s", to, note))
	}
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (it *Item) Clone() Item {
	c := *it
	c.Payload = slices.Clone(it.Payload)
	c.Lineage = slices.Clone(it.Lineage)
	c.Tags = maps.Clone(it.Tags)
	return c
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
