package work

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestNewRejectsInvalidEconomics(t *testing.T) {
	tests := []struct {
		name string
		cod  float64
		size float64
	}{
		{"zero size", 5, 0},
		{"negative size", 5, -1},
		{"zero cost", 0, 2},
		{"negative cost", -3, 2},
		{"nan size", 1, math.NaN()},
		{"inf cost", math.Inf(1), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("brief", "0,0", tt.cod, tt.size, nil)
			if !errors.Is(err, ErrInvalidWorkItem) {
				t.Fatalf("expected ErrInvalidWorkItem, got %v", err)
			}
		})
	}
}

func TestWSJF(t *testing.T) {
	it, err := New("brief", "", 5, 2, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := it.WSJF()
	if err != nil {
		t.Fatalf("wsjf: %v", err)
	}
	if got != 2.5 {
		t.Errorf("expected 2.5, got %v", got)
	}

	it.JobSize = 0
	if _, err := it.WSJF(); !errors.Is(err, ErrInvalidWorkItem) {
		t.Errorf("expected ErrInvalidWorkItem for zero job size, got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusDone, false},
		{StatusInProgress, StatusDone, true},
		{StatusInProgress, StatusIterating, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, false},
		{StatusDone, StatusPending, false},
		{StatusIterating, StatusPending, false},
		{StatusFailed, StatusInProgress, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.ok, got)
		}
	}
}

func TestTransitionRecordsFailureReason(t *testing.T) {
	it, _ := New("brief", "", 1, 1, nil)
	if err := it.Transition(StatusInProgress, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := it.Transition(StatusFailed, "executor timeout"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if it.FailureReason != "executor timeout" {
		t.Errorf("expected failure reason, got %q", it.FailureReason)
	}
	if err := it.Transition(StatusPending, ""); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestItemJSONRoundTrip(t *testing.T) {
	it, _ := New("layout", "1,2", 6, 1.4, json.RawMessage(`{"page":3}`))
	it.IterationCount = 2
	it.ParentID = "parent-1"

	data, err := json.Marshal(it)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Item
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.ID != it.ID || back.CostOfDelay != it.CostOfDelay || back.JobSize != it.JobSize ||
		back.IterationCount != it.IterationCount || back.ParentID != it.ParentID {
		t.Errorf("round trip mismatch: %+v vs %+v", back, *it)
	}
}

func TestCloneIsDeep(t *testing.T) {
	it, _ := New("brief", "", 1, 1, json.RawMessage(`{}`))
	it.Tags = map[string]string{"from_domain": "design"}
	it.Lineage = []string{"created"}

	c := it.Clone()
	c.Tags["from_domain"] = "editorial"
	c.Lineage[0] = "changed"

	if it.Tags["from_domain"] != "design" || it.Lineage[0] != "created" {
		t.Error("clone shares maps or slices with the original")
	}
}
