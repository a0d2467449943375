package rules

import (
	"fmt"
	"slices"
)

// Entry maps (State, Signal) to (Action, Next).
type Entry struct {
	State  State  `yaml:"state" json:"state"`
	Signal Signal `yaml:"signal" json:"signal"`
	Action Action `yaml:"action" json:"action"`
	Next   State  `yaml:"next" json:"next"`
	Note   string `yaml:"note,omitempty" json:"note,omitempty"`
}

type key struct {
	state  State
	signal Signal
}

// Table is an immutable, named rule set for one agent archetype.
type Table struct {
	name        string
	description string
	entries     []Entry
	index       map[key]int
}

// NewTable validates entries and builds a table. Each (state, signal) pair
// may appear at most once.
func NewTable(name, description string, entries []Entry) (*Table, error) {
	t := &Table{
		name:        name,
		description: description,
		entries:     make([]Entry, 0, len(entries)),
		index:       make(map[key]int, len(entries)),
	}
	for i, e := range entries {
		if _, err := ParseState(string(e.State)); err != nil {
			return nil, fmt.Errorf("table %s rule %d: %w", name, i, err)
		}
		if _, err := ParseSignal(string(e.Signal)); err != nil {
			return nil, fmt.Errorf("table %s rule %d: %w", name, i, err)
		}
		if _, err := ParseAction(string(e.Action)); err != nil {
			return nil, fmt.Errorf("table %s rule %d: %w", name, i, err)
		}
		if _, err := ParseState(string(e.Next)); err != nil {
			return nil, fmt.Errorf("table %s rule %d next: %w", name, i, err)
		}
		k := key{e.State, e.Signal}
		if _, dup := t.index[k]; dup {
			return nil, fmt.Errorf("table %s: %w for %s+%s", name, ErrDuplicateRule, e.State, e.Signal)
		}
		t.index[k] = len(t.entries)
		t.entries = append(t.entries, e)
	}
	return t, nil
}

func (t *Table) Name() string        { return t.name }
func (t *Table) Description() string { return t.description }
func (t *Table) Len() int            { return len(t.entries) }

// Lookup returns the entry for (state, signal). A missing pair is a no-op:
// ok is false and the caller keeps its state.
func (t *Table) Lookup(state State, signal Signal) (Entry, bool) {
	i, ok := t.index[key{state, signal}]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Handles reports whether the table reacts to signal in state.
func (t *Table) Handles(state State, signal Signal) bool {
	_, ok := t.index[key{state, signal}]
	return ok
}

// Entries returns a copy of the rules in declaration order.
func (t *Table) Entries() []Entry {
	return slices.Clone(t.entries)
}
