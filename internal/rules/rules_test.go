package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLookupHitAndMiss(t *testing.T) {
	tbl, err := NewTable("t", "", []Entry{
		{State: Idle, Signal: NewItem, Action: Process, Next: Working},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}

	e, ok := tbl.Lookup(Idle, NewItem)
	if !ok || e.Action != Process || e.Next != Working {
		t.Errorf("unexpected lookup result: %+v, %v", e, ok)
	}

	// A missing pair is a no-op, not an error.
	e, ok = tbl.Lookup(Working, Stale)
	if ok {
		t.Errorf("expected miss, got %+v", e)
	}
	if e.Action != "" || e.Next != "" {
		t.Errorf("miss must produce no action, got %+v", e)
	}
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable("dup", "", []Entry{
		{State: Idle, Signal: NewItem, Action: Process, Next: Working},
		{State: Idle, Signal: NewItem, Action: Wait, Next: Idle},
	})
	if !errors.Is(err, ErrDuplicateRule) {
		t.Fatalf("expected ErrDuplicateRule, got %v", err)
	}
}

func TestNewTableRejectsUnknownNames(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  error
	}{
		{"state", Entry{State: "SLEEPING", Signal: NewItem, Action: Process, Next: Working}, ErrUnknownState},
		{"signal", Entry{State: Idle, Signal: "PING", Action: Process, Next: Working}, ErrUnknownSignal},
		{"action", Entry{State: Idle, Signal: NewItem, Action: "DANCE", Next: Working}, ErrUnknownAction},
		{"next", Entry{State: Idle, Signal: NewItem, Action: Process, Next: "DONE"}, ErrUnknownState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable("bad", "", []Entry{tt.entry})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBuiltinTablesAreDeterministic(t *testing.T) {
	for _, name := range BuiltinNames() {
		t.Run(name, func(t *testing.T) {
			tbl, err := Builtin(name, 0.8)
			if err != nil {
				t.Fatalf("builtin: %v", err)
			}
			if tbl.Len() == 0 {
				t.Fatal("empty table")
			}
			if !tbl.Handles(Error, NewItem) {
				t.Error("expected recovery from ERROR on new work")
			}
			if !tbl.Handles(Idle, Stale) {
				t.Error("expected a STALE reaction for idle cells")
			}
		})
	}

	if _, err := Builtin("nope", 0); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
}

func TestSubAgentStrictness(t *testing.T) {
	strict := SubAgent(0.9)
	e, ok := strict.Lookup(Idle, NeighborIdle)
	if !ok || e.Action != Critique {
		t.Errorf("strict sub-agent should critique idle neighbours, got %+v", e)
	}

	lenient := SubAgent(0.5)
	e, ok = lenient.Lookup(Idle, NeighborIdle)
	if !ok || e.Action != Pull {
		t.Errorf("lenient sub-agent should pull, got %+v", e)
	}
}

func TestForRole(t *testing.T) {
	tests := map[string]string{
		"master":    "master",
		"critique":  "critique",
		"execution": "execution",
		"sub":       "sub_agent",
		"":          "sub_agent",
	}
	for role, want := range tests {
		if got := ForRole(role, 0.8).Name(); got != want {
			t.Errorf("role %q: expected %s, got %s", role, want, got)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	data := []byte(`name: custom
description: lower-case names are accepted
rules:
  - {state: idle, signal: new_item, action: process, next: working}
  - {state: working, signal: batch_complete, action: emit, next: idle, note: done}
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tbl, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tbl.Name() != "custom" || tbl.Len() != 2 {
		t.Errorf("unexpected table: %s with %d rules", tbl.Name(), tbl.Len())
	}
	e, ok := tbl.Lookup(Working, BatchComplete)
	if !ok || e.Note != "done" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	orig := CritiqueTable()
	data, err := Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.Len() != orig.Len() {
		t.Errorf("expected %d rules, got %d", orig.Len(), back.Len())
	}
}

func TestActionClasses(t *testing.T) {
	if !Process.Consumes() || !Emit.Consumes() || Wait.Consumes() {
		t.Error("unexpected consume classification")
	}
	if !GapAnalysis.Perturbs() || Process.Perturbs() {
		t.Error("unexpected perturb classification")
	}
	if !Pull.Moves() || !Escalate.Moves() || Emit.Moves() {
		t.Error("unexpected move classification")
	}
}
