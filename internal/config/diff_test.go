package config

import (
	"slices"
	"testing"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := defaults()
	d := Diff(&cfg, &cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_ValidationChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Validation.ApprovalThreshold = 0.9
	new.Validation.Raters = []RaterConfig{{ID: "r", Aspect: "quality"}}

	d := Diff(&old, &new)
	if !d.ValidationChanged {
		t.Fatal("expected validation change")
	}
	if d.NewValidation.ApprovalThreshold != 0.9 || len(d.NewValidation.Raters) != 1 {
		t.Errorf("new validation = %+v", d.NewValidation)
	}
	if !d.HasChanges() {
		t.Error("expected HasChanges")
	}
}

func TestDiff_CadenceAndRate(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Tick.Cadence = "*/5 * * * *"
	new.Tick.ExecRate = 4
	new.Tick.ExecBurst = 2

	d := Diff(&old, &new)
	if !d.CadenceChanged || d.NewCadence != "*/5 * * * *" {
		t.Errorf("cadence diff = %v %q", d.CadenceChanged, d.NewCadence)
	}
	if !d.RateChanged || d.NewRate != 4 || d.NewBurst != 2 {
		t.Errorf("rate diff = %v %v %d", d.RateChanged, d.NewRate, d.NewBurst)
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Grid.Width = 8
	new.Web.Port = 9999
	new.Vault.Passphrase = "changed"
	new.Archetypes = map[string]ArchetypeConfig{"x": {Role: "sub"}}
	new.Workers.Pools = []WorkerPool{{Name: "p", Raters: []string{"r"}}}

	d := Diff(&old, &new)
	if d.HasChanges() {
		t.Error("non-reloadable changes should not count as reloadable")
	}
	for _, want := range []string{"grid", "web.port", "vault.passphrase", "archetypes", "workers"} {
		if !slices.Contains(d.NonReloadable, want) {
			t.Errorf("expected %s in non-reloadable list, got %v", want, d.NonReloadable)
		}
	}
}
