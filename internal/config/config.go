package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mtzanidakis/gridflow/internal/flow"
	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/signal"
	"github.com/mtzanidakis/gridflow/internal/validation"
)

type Config struct {
	Grid       GridConfig                 `yaml:"grid"`
	Archetypes map[string]ArchetypeConfig `yaml:"archetypes"`
	Flow       FlowConfig                 `yaml:"flow"`
	Validation ValidationConfig           `yaml:"validation"`
	Tick       TickConfig                 `yaml:"tick"`
	Executor   ExecutorConfig             `yaml:"executor"`
	NATS       NATSConfig                 `yaml:"nats"`
	Store      StoreConfig                `yaml:"store"`
	Web        WebConfig                  `yaml:"web"`
	Vault      VaultConfig                `yaml:"vault"`
	Telemetry  TelemetryConfig            `yaml:"telemetry"`
	Workers    WorkersConfig              `yaml:"workers"`

	// dir resolves relative rules files.
	dir string
}

type GridConfig struct {
	Width            int          `yaml:"width"`
	Height           int          `yaml:"height"`
	Neighborhood     string       `yaml:"neighborhood"`
	Edges            string       `yaml:"edges"`
	DefaultArchetype string       `yaml:"default_archetype"`
	Cells            []CellConfig `yaml:"cells"`
}

// CellConfig places an archetype at a coordinate. Zero fields inherit from
// the archetype.
type CellConfig struct {
	X           int      `yaml:"x"`
	Y           int      `yaml:"y"`
	Archetype   string   `yaml:"archetype"`
	Role        string   `yaml:"role"`
	Domain      string   `yaml:"domain"`
	Strictness  float64  `yaml:"strictness"`
	WIPLimit    int      `yaml:"wip_limit"`
	MinCoverage int      `yaml:"min_coverage"`
	Accepts     []string `yaml:"accepts"`
}

// ArchetypeConfig names a rule table: a built-in (Table), a YAML file
// (RulesFile) or inline Rules. With none set the role's built-in is used.
type ArchetypeConfig struct {
	Role        string        `yaml:"role"`
	Domain      string        `yaml:"domain"`
	Table       string        `yaml:"table"`
	RulesFile   string        `yaml:"rules_file"`
	Rules       []rules.Entry `yaml:"rules"`
	Strictness  float64       `yaml:"strictness"`
	WIPLimit    int           `yaml:"wip_limit"`
	MinCoverage int           `yaml:"min_coverage"`
	Accepts     []string      `yaml:"accepts"`
}

type FlowConfig struct {
	flow.Economics `yaml:",inline"`
	MaxIterations  int `yaml:"max_iterations"`
	DefaultWIP     int `yaml:"default_wip"`
}

type ValidationConfig struct {
	validation.Policy `yaml:",inline"`
	Timeout           time.Duration `yaml:"timeout"`
	Raters            []RaterConfig `yaml:"raters"`
}

// RaterConfig seats one panel member. Mode "artifact" reads the score from
// the artifact itself; "nats" asks a remote rater on Subject.
type RaterConfig struct {
	ID         string  `yaml:"id"`
	Aspect     string  `yaml:"aspect"`
	Weight     float64 `yaml:"weight"`
	Strictness float64 `yaml:"strictness"`
	Veto       bool    `yaml:"veto"`
	Mode       string  `yaml:"mode"`
	Subject    string  `yaml:"subject"`
}

type TickConfig struct {
	ExecutorTimeout time.Duration `yaml:"executor_timeout"`
	QuiescenceTicks int           `yaml:"quiescence_ticks"`
	StaleThreshold  int           `yaml:"stale_threshold"`
	StuckThreshold  int           `yaml:"stuck_threshold"`
	MaxPendingTicks int           `yaml:"max_pending_ticks"`
	// Cadence is a cron expression or a Go duration ("2s", "@every 1m").
	// Empty leaves ticking to manual triggers.
	Cadence   string  `yaml:"cadence"`
	ExecRate  float64 `yaml:"exec_rate"`
	ExecBurst int     `yaml:"exec_burst"`
}

type ExecutorConfig struct {
	// Mode is echo, command or nats.
	Mode    string        `yaml:"mode"`
	Command []string      `yaml:"command"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}

type NATSConfig struct {
	// Host is the listen address of the embedded server. Worker
	// containers need it reachable from the docker network.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// URL connects to an external server instead of embedding one.
	URL string `yaml:"url"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// WorkersConfig controls the gridworker containers started by serve.
type WorkersConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	Network string `yaml:"network"`
	// NATSURL is the bus address as seen from inside a container.
	NATSURL    string            `yaml:"nats_url"`
	MaxRunning int               `yaml:"max_running"`
	Build      bool              `yaml:"build"`
	Dockerfile string            `yaml:"dockerfile"`
	Env        map[string]string `yaml:"env"`
	// Secrets are host environment variables forwarded by name.
	Secrets []string     `yaml:"secrets"`
	Pools   []WorkerPool `yaml:"pools"`
}

// WorkerPool is one container answering for a set of archetypes and raters.
type WorkerPool struct {
	Name       string   `yaml:"name"`
	Image      string   `yaml:"image"`
	Archetypes []string `yaml:"archetypes"`
	Raters     []string `yaml:"raters"`
	Exec       string   `yaml:"exec"`
	// Mounts are host:container[:ro] binds.
	Mounts []string `yaml:"mounts"`
}

type TelemetryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoint    string        `yaml:"endpoint"`
	Interval    time.Duration `yaml:"interval"`
	ServiceName string        `yaml:"service_name"`
}

func defaults() Config {
	return Config{
		Grid: GridConfig{
			Width:            4,
			Height:           4,
			Neighborhood:     string(grid.VonNeumann),
			Edges:            string(grid.Bounded),
			DefaultArchetype: "sub_agent",
		},
		Archetypes: map[string]ArchetypeConfig{},
		Flow: FlowConfig{
			Economics:     flow.DefaultEconomics(),
			MaxIterations: 3,
			DefaultWIP:    3,
		},
		Validation: ValidationConfig{
			Policy:  validation.DefaultPolicy(),
			Timeout: 30 * time.Second,
		},
		Tick: TickConfig{
			ExecutorTimeout: 2 * time.Minute,
			QuiescenceTicks: 3,
			StaleThreshold:  4,
			StuckThreshold:  2,
			MaxPendingTicks: 10,
			ExecBurst:       1,
		},
		Executor: ExecutorConfig{
			Mode:    "echo",
			Subject: "exec",
		},
		NATS: NATSConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
		Store: StoreConfig{
			Path: "data/gridflow.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			Interval:    15 * time.Second,
			ServiceName: "gridflow",
		},
		Workers: WorkersConfig{
			Image:      "gridflow-worker:latest",
			Network:    "gridflow-net",
			MaxRunning: 8,
			Dockerfile: "Dockerfile.worker",
		},
	}
}

func Load() (*Config, error) {
	path := os.Getenv("GRIDFLOW_CONFIG")
	if path == "" {
		path = "config/gridflow.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads path, falling back to defaults when it does not exist.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	cfg.dir = filepath.Dir(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GRIDFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GRIDFLOW_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("GRIDFLOW_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("GRIDFLOW_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("GRIDFLOW_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("GRIDFLOW_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("GRIDFLOW_WORKER_IMAGE"); v != "" {
		cfg.Workers.Image = v
	}
	if v := os.Getenv("GRIDFLOW_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := c.GridSpec(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Flow.Economics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("flow: %w", err))
	}
	if c.Flow.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("flow: max_iterations must be > 0, got %d", c.Flow.MaxIterations))
	}
	if c.Flow.DefaultWIP <= 0 {
		errs = append(errs, fmt.Errorf("flow: default_wip must be > 0, got %d", c.Flow.DefaultWIP))
	}
	if err := c.Validation.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("validation: %w", err))
	}
	for i, r := range c.Validation.Raters {
		if r.ID == "" || r.Aspect == "" {
			errs = append(errs, fmt.Errorf("validation: rater %d needs id and aspect", i))
		}
		switch r.Mode {
		case "", "artifact":
		case "nats":
			if r.Subject == "" {
				errs = append(errs, fmt.Errorf("validation: rater %s: nats mode needs a subject", r.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("validation: rater %s: unknown mode %q", r.ID, r.Mode))
		}
	}
	if c.Tick.QuiescenceTicks < 0 {
		errs = append(errs, fmt.Errorf("tick: quiescence_ticks must be >= 0"))
	}
	if c.Tick.ExecRate < 0 {
		errs = append(errs, fmt.Errorf("tick: exec_rate must be >= 0"))
	}
	switch c.Executor.Mode {
	case "echo", "nats":
	case "command":
		if len(c.Executor.Command) == 0 {
			errs = append(errs, errors.New("executor: command mode needs a command"))
		}
	default:
		errs = append(errs, fmt.Errorf("executor: unknown mode %q", c.Executor.Mode))
	}
	if c.Workers.Enabled {
		errs = append(errs, c.Workers.validate()...)
	}
	return errors.Join(errs...)
}

func (w *WorkersConfig) validate() []error {
	var errs []error
	if w.Image == "" {
		errs = append(errs, errors.New("workers: image is required"))
	}
	if len(w.Pools) == 0 {
		errs = append(errs, errors.New("workers: at least one pool is required"))
	}
	if w.MaxRunning > 0 && len(w.Pools) > w.MaxRunning {
		errs = append(errs, fmt.Errorf("workers: %d pools exceed max_running %d", len(w.Pools), w.MaxRunning))
	}
	seen := make(map[string]bool)
	for i, p := range w.Pools {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("workers: pool %d needs a name", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("workers: pool %s listed twice", p.Name))
		}
		seen[p.Name] = true
		if len(p.Archetypes) == 0 && len(p.Raters) == 0 {
			errs = append(errs, fmt.Errorf("workers: pool %s serves no archetypes or raters", p.Name))
		}
		for _, m := range p.Mounts {
			if parts := strings.Split(m, ":"); len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
				errs = append(errs, fmt.Errorf("workers: pool %s: bad mount %q", p.Name, m))
			}
		}
	}
	return errs
}

func (c *Config) GridSpec() (grid.Spec, error) {
	s := grid.Spec{
		Width:        c.Grid.Width,
		Height:       c.Grid.Height,
		Neighborhood: grid.Neighborhood(c.Grid.Neighborhood),
		Edges:        grid.Edges(c.Grid.Edges),
	}
	if err := s.Validate(); err != nil {
		return grid.Spec{}, fmt.Errorf("grid: %w", err)
	}
	return s, nil
}

// Economics returns the flow economics.
func (c *Config) Economics() flow.Economics { return c.Flow.Economics }

func (c *Config) Thresholds() signal.Thresholds {
	th := signal.DefaultThresholds()
	if c.Tick.StaleThreshold > 0 {
		th.StaleTicks = c.Tick.StaleThreshold
	}
	return th
}

// Table resolves the rule table for an archetype.
func (c *Config) Table(name string, strictness float64) (*rules.Table, error) {
	a, ok := c.Archetypes[name]
	if !ok {
		if t, err := rules.Builtin(name, strictness); err == nil {
			return t, nil
		}
		return rules.ForRole(name, strictness), nil
	}
	switch {
	case len(a.Rules) > 0:
		t, err := rules.FromEntries(name, "", a.Rules)
		if err != nil {
			return nil, fmt.Errorf("archetype %s: %w", name, err)
		}
		return t, nil
	case a.RulesFile != "":
		path := a.RulesFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.dir, path)
		}
		return rules.LoadFile(path)
	case a.Table != "":
		t, err := rules.Builtin(a.Table, strictness)
		if err != nil {
			return nil, fmt.Errorf("archetype %s: %w", name, err)
		}
		return t, nil
	}
	return rules.ForRole(a.Role, strictness), nil
}

// CellSpecs expands the grid section into one spec per coordinate. Cells
// not listed get the default archetype.
func (c *Config) CellSpecs() ([]grid.CellSpec, error) {
	spec, err := c.GridSpec()
	if err != nil {
		return nil, err
	}
	placed := make(map[grid.Coord]CellConfig, len(c.Grid.Cells))
	for _, cc := range c.Grid.Cells {
		co := grid.Coord{X: cc.X, Y: cc.Y}
		if !spec.Contains(co) {
			return nil, fmt.Errorf("grid: cell %s outside %dx%d", co, spec.Width, spec.Height)
		}
		if _, dup := placed[co]; dup {
			return nil, fmt.Errorf("grid: cell %s listed twice", co)
		}
		placed[co] = cc
	}

	var out []grid.CellSpec
	for y := range spec.Height {
		for x := range spec.Width {
			co := grid.Coord{X: x, Y: y}
			cc, ok := placed[co]
			if !ok || cc.Archetype == "" {
				cc.Archetype = c.Grid.DefaultArchetype
			}
			cs, err := c.cellSpec(co, cc)
			if err != nil {
				return nil, err
			}
			out = append(out, cs)
		}
	}
	return out, nil
}

func (c *Config) cellSpec(co grid.Coord, cc CellConfig) (grid.CellSpec, error) {
	a := c.Archetypes[cc.Archetype]
	cs := grid.CellSpec{
		Coord:       co,
		Archetype:   cc.Archetype,
		Role:        first(cc.Role, a.Role, roleOf(cc.Archetype)),
		Domain:      first(cc.Domain, a.Domain),
		Strictness:  cc.Strictness,
		WIPLimit:    cc.WIPLimit,
		MinCoverage: cc.MinCoverage,
		Accepts:     cc.Accepts,
	}
	if cs.Strictness == 0 {
		cs.Strictness = a.Strictness
	}
	if cs.Strictness == 0 {
		cs.Strictness = 0.5
	}
	if cs.Strictness < 0 || cs.Strictness > 1 {
		return grid.CellSpec{}, fmt.Errorf("cell %s: strictness must be in [0, 1], got %v", co, cs.Strictness)
	}
	if cs.WIPLimit == 0 {
		cs.WIPLimit = a.WIPLimit
	}
	if cs.WIPLimit == 0 {
		cs.WIPLimit = c.Flow.DefaultWIP
	}
	if cs.MinCoverage == 0 {
		cs.MinCoverage = a.MinCoverage
	}
	if len(cs.Accepts) == 0 {
		cs.Accepts = a.Accepts
	}
	t, err := c.Table(cc.Archetype, cs.Strictness)
	if err != nil {
		return grid.CellSpec{}, fmt.Errorf("cell %s: %w", co, err)
	}
	cs.Table = t
	return cs, nil
}

// roleOf maps built-in table names to cell roles.
func roleOf(archetype string) string {
	switch archetype {
	case "master", "critique", "research", "execution", "concept", "layout":
		return archetype
	}
	return "sub"
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
