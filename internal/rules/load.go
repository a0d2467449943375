package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a rule table.
type File struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Rules       []Entry `yaml:"rules"`
}

// Parse builds a table from YAML. State, signal and action names are
// case-insensitive.
func Parse(data []byte) (*Table, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule table: %w", err)
	}
	if f.Name == "" {
		return nil, fmt.Errorf("parse rule table: missing name")
	}
	return FromEntries(f.Name, f.Description, f.Rules)
}

// FromEntries normalizes entry names and builds a table.
func FromEntries(name, description string, entries []Entry) (*Table, error) {
	norm := make([]Entry, len(entries))
	for i, e := range entries {
		norm[i] = Entry{
			State:  State(strings.ToUpper(string(e.State))),
			Signal: Signal(strings.ToUpper(string(e.Signal))),
			Action: Action(strings.ToUpper(string(e.Action))),
			Next:   State(strings.ToUpper(string(e.Next))),
			Note:   e.Note,
		}
	}
	return NewTable(name, description, norm)
}

func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Marshal renders a table in the format Parse accepts.
func Marshal(t *Table) ([]byte, error) {
	return yaml.Marshal(File{Name: t.name, Description: t.description, Rules: t.Entries()})
}
