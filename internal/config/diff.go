package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	ValidationChanged bool
	NewValidation     ValidationConfig

	CadenceChanged bool
	NewCadence     string

	RateChanged bool
	NewRate     float64
	NewBurst    int

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.ValidationChanged || d.CadenceChanged || d.RateChanged
}

// Diff compares two configs and returns what changed. The grid, its
// archetypes and the infrastructure sections are fixed for the life of a
// process.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if !reflect.DeepEqual(old.Validation, new.Validation) {
		d.ValidationChanged = true
		d.NewValidation = new.Validation
	}

	if old.Tick.Cadence != new.Tick.Cadence {
		d.CadenceChanged = true
		d.NewCadence = new.Tick.Cadence
	}

	if old.Tick.ExecRate != new.Tick.ExecRate || old.Tick.ExecBurst != new.Tick.ExecBurst {
		d.RateChanged = true
		d.NewRate = new.Tick.ExecRate
		d.NewBurst = new.Tick.ExecBurst
	}

	if !reflect.DeepEqual(old.Grid, new.Grid) {
		d.NonReloadable = append(d.NonReloadable, "grid")
	}
	if !reflect.DeepEqual(old.Archetypes, new.Archetypes) {
		d.NonReloadable = append(d.NonReloadable, "archetypes")
	}
	if old.Flow != new.Flow {
		d.NonReloadable = append(d.NonReloadable, "flow")
	}
	if !reflect.DeepEqual(old.Executor, new.Executor) {
		d.NonReloadable = append(d.NonReloadable, "executor")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if !reflect.DeepEqual(old.Workers, new.Workers) {
		d.NonReloadable = append(d.NonReloadable, "workers")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}

	return d
}
