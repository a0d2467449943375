package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/rules"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Grid.Width != 4 || cfg.Grid.Height != 4 {
		t.Errorf("expected 4x4 grid, got %dx%d", cfg.Grid.Width, cfg.Grid.Height)
	}
	if cfg.Flow.CostOfDelayFactor != 1.2 || cfg.Flow.JobSizeFactor != 0.7 {
		t.Errorf("expected factors 1.2/0.7, got %v/%v", cfg.Flow.CostOfDelayFactor, cfg.Flow.JobSizeFactor)
	}
	if cfg.Flow.MaxIterations != 3 {
		t.Errorf("expected max_iterations 3, got %d", cfg.Flow.MaxIterations)
	}
	if cfg.Validation.ApprovalThreshold != 0.75 || cfg.Validation.VetoThreshold != 0.5 {
		t.Errorf("unexpected thresholds %+v", cfg.Validation.Policy)
	}
	if cfg.Tick.ExecutorTimeout != 2*time.Minute {
		t.Errorf("expected executor_timeout 2m, got %v", cfg.Tick.ExecutorTimeout)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.NATS.Host != "127.0.0.1" {
		t.Errorf("expected nats host 127.0.0.1, got %s", cfg.NATS.Host)
	}
	if cfg.Workers.Enabled || cfg.Workers.Image != "gridflow-worker:latest" || cfg.Workers.Dockerfile != "Dockerfile.worker" {
		t.Errorf("unexpected workers defaults %+v", cfg.Workers)
	}
	if cfg.Store.Path != "data/gridflow.db" {
		t.Errorf("expected store path data/gridflow.db, got %s", cfg.Store.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("GRIDFLOW_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("GRIDFLOW_WEB_PASSWORD", "secret")
	t.Setenv("GRIDFLOW_WEB_PORT", "9090")
	t.Setenv("GRIDFLOW_STORE_PATH", "/tmp/x.db")
	t.Setenv("GRIDFLOW_VAULT_PASSPHRASE", "hunter2")
	t.Setenv("GRIDFLOW_OTLP_ENDPOINT", "localhost:4318")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Store.Path != "/tmp/x.db" {
		t.Errorf("expected store path override, got %s", cfg.Store.Path)
	}
	if cfg.Vault.Passphrase != "hunter2" {
		t.Errorf("expected vault passphrase override")
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "localhost:4318" {
		t.Errorf("expected telemetry enabled via endpoint, got %+v", cfg.Telemetry)
	}
}

const sampleYAML = `
grid:
  width: 3
  height: 2
  neighborhood: moore
  edges: toroidal
  default_archetype: worker
  cells:
    - {x: 0, y: 0, archetype: master}
    - {x: 1, y: 0, archetype: critique, strictness: 0.9}
    - {x: 2, y: 1, archetype: builder, wip_limit: 1}
archetypes:
  worker:
    role: sub
    domain: ${TEST_DOMAIN}
    table: sub_agent
    strictness: 0.6
  builder:
    role: execution
    min_coverage: 2
    rules:
      - {state: idle, signal: new_item, action: process, next: working}
      - {state: working, signal: batch_complete, action: emit, next: idle}
flow:
  cod_factor: 1.5
  size_factor: 0.5
  default_wip: 2
validation:
  approval_threshold: 0.8
  min_raters: 2
  raters:
    - {id: a, aspect: quality, weight: 1, strictness: 0.8, veto: true}
tick:
  cadence: "@every 5s"
  quiescence_ticks: 4
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gridflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("TEST_DOMAIN", "finance")
	cfg, err := LoadFile(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Flow.CostOfDelayFactor != 1.5 || cfg.Flow.JobSizeFactor != 0.5 {
		t.Errorf("flow factors not loaded: %+v", cfg.Flow)
	}
	if cfg.Flow.MaxIterations != 3 {
		t.Errorf("unset max_iterations should keep default, got %d", cfg.Flow.MaxIterations)
	}
	if cfg.Validation.ApprovalThreshold != 0.8 || cfg.Validation.VetoThreshold != 0.5 {
		t.Errorf("validation policy = %+v", cfg.Validation.Policy)
	}
	if len(cfg.Validation.Raters) != 1 || !cfg.Validation.Raters[0].Veto {
		t.Errorf("raters = %+v", cfg.Validation.Raters)
	}
	if cfg.Tick.Cadence != "@every 5s" || cfg.Tick.QuiescenceTicks != 4 {
		t.Errorf("tick = %+v", cfg.Tick)
	}

	spec, err := cfg.GridSpec()
	if err != nil {
		t.Fatalf("grid spec: %v", err)
	}
	if spec.Neighborhood != grid.Moore || spec.Edges != grid.Toroidal {
		t.Errorf("spec = %+v", spec)
	}

	cells, err := cfg.CellSpecs()
	if err != nil {
		t.Fatalf("cell specs: %v", err)
	}
	if len(cells) != 6 {
		t.Fatalf("expected 6 cells, got %d", len(cells))
	}

	byCoord := map[grid.Coord]grid.CellSpec{}
	for _, c := range cells {
		byCoord[c.Coord] = c
	}
	if c := byCoord[grid.Coord{X: 0, Y: 0}]; c.Role != "master" || c.Table.Name() != "master" {
		t.Errorf("master cell = %+v", c)
	}
	if c := byCoord[grid.Coord{X: 1, Y: 0}]; c.Strictness != 0.9 || c.WIPLimit != 2 {
		t.Errorf("critique cell strictness/wip = %v/%d", c.Strictness, c.WIPLimit)
	}
	b := byCoord[grid.Coord{X: 2, Y: 1}]
	if b.Role != "execution" || b.WIPLimit != 1 || b.MinCoverage != 2 {
		t.Errorf("builder cell = %+v", b)
	}
	if e, ok := b.Table.Lookup(rules.Idle, rules.NewItem); !ok || e.Action != rules.Process {
		t.Errorf("inline rules not normalized: %+v %v", e, ok)
	}
	w := byCoord[grid.Coord{X: 1, Y: 1}]
	if w.Archetype != "worker" || w.Role != "sub" || w.Domain != "finance" || w.Strictness != 0.6 {
		t.Errorf("default cell = %+v", w)
	}
}

func TestRulesFileRelativeToConfig(t *testing.T) {
	dir := t.TempDir()
	table := `
name: custom
rules:
  - {state: IDLE, signal: NEW_ITEM, action: PROCESS, next: WORKING}
`
	if err := os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(table), 0o644); err != nil {
		t.Fatal(err)
	}
	body := `
grid: {width: 1, height: 1, default_archetype: custom}
archetypes:
  custom: {rules_file: custom.yaml}
`
	path := filepath.Join(dir, "gridflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cells, err := cfg.CellSpecs()
	if err != nil {
		t.Fatalf("cell specs: %v", err)
	}
	if cells[0].Table.Name() != "custom" || cells[0].Table.Len() != 1 {
		t.Errorf("table = %s (%d rules)", cells[0].Table.Name(), cells[0].Table.Len())
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad neighborhood", "grid: {neighborhood: hex}", "neighborhood"},
		{"zero width", "grid: {width: 0}", "dimensions"},
		{"flat economics", "flow: {cod_factor: 1, size_factor: 1}", "cod_factor/size_factor"},
		{"bad approval", "validation: {approval_threshold: 1.5}", "approval_threshold"},
		{"command without argv", "executor: {mode: command}", "needs a command"},
		{"unknown executor", "executor: {mode: carrier-pigeon}", "unknown mode"},
		{"nats rater without subject", "validation: {raters: [{id: r, aspect: a, mode: nats}]}", "subject"},
		{"workers without pools", "workers: {enabled: true}", "at least one pool"},
		{"idle worker pool", "workers: {enabled: true, pools: [{name: p}]}", "serves no archetypes"},
		{"bad worker mount", "workers: {enabled: true, pools: [{name: p, archetypes: [a], mounts: [nocolon]}]}", "bad mount"},
		{"duplicate worker pool", "workers: {enabled: true, pools: [{name: p, raters: [r]}, {name: p, raters: [r]}]}", "listed twice"},
		{"too many worker pools", "workers: {enabled: true, max_running: 1, pools: [{name: a, raters: [r]}, {name: b, raters: [r]}]}", "exceed max_running"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestWorkersFromYAML(t *testing.T) {
	t.Setenv("GRIDFLOW_WORKER_IMAGE", "registry.local/worker:2")
	cfg, err := LoadFile(writeConfig(t, `
executor:
  mode: nats
workers:
  enabled: true
  env:
    LOG_LEVEL: debug
  pools:
    - name: creative
      archetypes: [concept, critique]
      exec: python3 agent.py
      mounts: ["/srv/assets:/assets:ro"]
    - name: raters
      raters: [brand]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w := cfg.Workers
	if w.Image != "registry.local/worker:2" {
		t.Errorf("image = %q, want env override", w.Image)
	}
	if w.Network != "gridflow-net" || w.MaxRunning != 8 {
		t.Errorf("defaults lost: %+v", w)
	}
	if len(w.Pools) != 2 || w.Pools[0].Exec != "python3 agent.py" || w.Pools[1].Raters[0] != "brand" {
		t.Errorf("pools = %+v", w.Pools)
	}
	if w.Env["LOG_LEVEL"] != "debug" {
		t.Errorf("env = %v", w.Env)
	}
}

func TestCellSpecsRejectsOutOfBounds(t *testing.T) {
	cfg := defaults()
	cfg.Grid.Cells = []CellConfig{{X: 9, Y: 9, Archetype: "master"}}
	if _, err := cfg.CellSpecs(); err == nil {
		t.Error("expected error for cell outside the grid")
	}
	cfg.Grid.Cells = []CellConfig{{X: 0, Y: 0}, {X: 0, Y: 0}}
	if _, err := cfg.CellSpecs(); err == nil {
		t.Error("expected error for duplicate cell")
	}
}

func TestThresholds(t *testing.T) {
	cfg := defaults()
	cfg.Tick.StaleThreshold = 7
	if th := cfg.Thresholds(); th.StaleTicks != 7 || th.CritiqueWorking != 3 {
		t.Errorf("thresholds = %+v", th)
	}
}

func TestExampleConfig(t *testing.T) {
	t.Setenv("GRIDFLOW_WEB_PASSWORD", "")
	t.Setenv("GRIDFLOW_VAULT_PASSPHRASE", "")

	cfg, err := LoadFile(filepath.Join("..", "..", "config", "gridflow.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	specs, err := cfg.CellSpecs()
	if err != nil {
		t.Fatalf("cell specs: %v", err)
	}
	if len(specs) != 9 {
		t.Fatalf("expected 9 cells, got %d", len(specs))
	}
	for _, cs := range specs {
		if cs.Coord == (grid.Coord{X: 1, Y: 1}) && (cs.Role != "master" || cs.WIPLimit != 5) {
			t.Errorf("center cell = %+v", cs)
		}
		if cs.Coord == (grid.Coord{X: 1, Y: 0}) && cs.Role != "sub" {
			t.Errorf("default cell role = %q", cs.Role)
		}
	}
}
