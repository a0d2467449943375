// Package grid holds the lattice of agent cells: topology, per-cell
// double-buffered state, routing filters and the observable snapshot.
package grid

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/mtzanidakis/gridflow/internal/flow"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/work"
)

type Grid struct {
	spec    Spec
	sched   *flow.Scheduler
	cells   []*Cell // row-major
	byCoord map[Coord]*Cell
	tick    atomic.Int64
}

// New builds a fully populated grid. cells must cover every coordinate
// exactly once; each cell gets a flow queue named after its coordinate.
func New(spec Spec, cells []CellSpec, sched *flow.Scheduler) (*Grid, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, errors.New("grid requires a scheduler")
	}
	if len(cells) != spec.Width*spec.Height {
		return nil, fmt.Errorf("grid %dx%d needs %d cells, got %d",
			spec.Width, spec.Height, spec.Width*spec.Height, len(cells))
	}

	g := &Grid{
		spec:    spec,
		sched:   sched,
		byCoord: make(map[Coord]*Cell, len(cells)),
	}
	for _, cs := range cells {
		if !spec.Contains(cs.Coord) {
			return nil, fmt.Errorf("cell %s outside %dx%d grid", cs.Coord, spec.Width, spec.Height)
		}
		if _, dup := g.byCoord[cs.Coord]; dup {
			return nil, fmt.Errorf("cell %s defined twice", cs.Coord)
		}
		if cs.Table == nil {
			return nil, fmt.Errorf("cell %s has no rule table", cs.Coord)
		}
		if cs.Role == "" {
			cs.Role = "sub"
		}
		if err := sched.AddQueue(cs.Coord.QueueID(), cs.WIPLimit); err != nil {
			return nil, fmt.Errorf("cell %s: %w", cs.Coord, err)
		}
		c := newCell(cs, spec.neighbors(cs.Coord))
		g.byCoord[cs.Coord] = c
		g.cells = append(g.cells, c)
	}

	sort.Slice(g.cells, func(i, j int) bool {
		a, b := g.cells[i].Coord(), g.cells[j].Coord()
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return g, nil
}

func (g *Grid) Spec() Spec                 { return g.spec }
func (g *Grid) Scheduler() *flow.Scheduler { return g.sched }
func (g *Grid) Len() int                   { return len(g.cells) }

// Cells returns all cells in row-major order.
func (g *Grid) Cells() []*Cell {
	return append([]*Cell(nil), g.cells...)
}

func (g *Grid) Cell(c Coord) (*Cell, bool) {
	cell, ok := g.byCoord[c]
	return cell, ok
}

func (g *Grid) Neighbors(c Coord) []*Cell {
	cell, ok := g.byCoord[c]
	if !ok {
		return nil
	}
	out := make([]*Cell, 0, len(cell.neighbors))
	for _, n := range cell.neighbors {
		out = append(out, g.byCoord[n])
	}
	return out
}

func (g *Grid) ByRole(role string) []*Cell {
	var out []*Cell
	for _, c := range g.cells {
		if c.Role() == role {
			out = append(out, c)
		}
	}
	return out
}

func (g *Grid) Tick() int64 { return g.tick.Load() }

// Advance increments the tick counter and returns the new tick number.
func (g *Grid) Advance() int64 { return g.tick.Add(1) }

// SetTick positions the counter, used when resuming a persisted run.
func (g *Grid) SetTick(n int64) { g.tick.Store(n) }

// Inject admits an item directly into the cell at c.
func (g *Grid) Inject(c Coord, it *work.Item) error {
	cell, ok := g.byCoord[c]
	if !ok {
		return fmt.Errorf("inject: no cell at %s", c)
	}
	if it.Source == "" {
		it.Source = "inject"
	}
	return g.sched.Admit(cell.QueueID(), it)
}

// InjectBroadcast admits a copy of it into every cell matching role and
// domain (empty matches all). Copies get derived ids. Cells at capacity are
// skipped and reported in the returned error.
func (g *Grid) InjectBroadcast(it *work.Item, role, domain string) (int, error) {
	if err := it.Validate(); err != nil {
		return 0, err
	}
	var errs []error
	admitted := 0
	for _, c := range g.cells {
		if role != "" && c.Role() != role {
			continue
		}
		if domain != "" && c.Domain() != domain {
			continue
		}
		cp := it.Clone()
		cp.ID = fmt.Sprintf("%s-%d-%d", it.ID, c.Coord().X, c.Coord().Y)
		cp.Status = work.StatusPending
		if cp.Tags == nil {
			cp.Tags = make(map[string]string)
		}
		cp.Tags["broadcast"] = "true"
		if cp.Source == "" {
			cp.Source = "broadcast"
		}
		if err := g.sched.Admit(c.QueueID(), &cp); err != nil {
			errs = append(errs, fmt.Errorf("cell %s: %w", c.Coord(), err))
			continue
		}
		admitted++
	}
	return admitted, errors.Join(errs...)
}

// Quiescent reports whether every cell is idle and no work is outstanding.
func (g *Grid) Quiescent() bool {
	if g.sched.Outstanding() > 0 {
		return false
	}
	for _, c := range g.cells {
		if c.State() != rules.Idle {
			return false
		}
	}
	return true
}

type CellMetrics struct {
	Coord            Coord        `json:"coord"`
	Archetype        string       `json:"archetype"`
	Role             string       `json:"role"`
	Domain           string       `json:"domain,omitempty"`
	State            rules.State  `json:"state"`
	Signal           rules.Signal `json:"signal,omitempty"`
	Action           rules.Action `json:"action,omitempty"`
	InboxSize        int          `json:"inbox_size"`
	WIP              int          `json:"wip"`
	WIPLimit         int          `json:"wip_limit"`
	ActiveTicks      int          `json:"ticks_active"`
	ItemsProcessed   int          `json:"items_processed"`
	ExecCalls        int          `json:"exec_calls"`
	LastOutputKind   string       `json:"last_output_kind,omitempty"`
	LastOutputTick   int64        `json:"last_output_tick,omitempty"`
	StuckTicks       int          `json:"stuck_ticks"`
	UnprocessedTicks int          `json:"ticks_with_unprocessed"`
	IdleTicks        int          `json:"ticks_idle_consecutive"`
	Pending          *Pending     `json:"pending,omitempty"`
}

type Snapshot struct {
	Tick              int64          `json:"tick"`
	Width             int            `json:"width"`
	Height            int            `json:"height"`
	Neighborhood      Neighborhood   `json:"neighborhood"`
	Edges             Edges          `json:"edges"`
	TotalCells        int            `json:"total_cells"`
	Quiescent         bool           `json:"quiescent"`
	Outstanding       int            `json:"outstanding"`
	Cells             []CellMetrics  `json:"cells"`
	StateDistribution map[string]int `json:"state_distribution"`
}

func (g *Grid) Metrics(c *Cell) CellMetrics {
	v := c.View()
	l := c.Local()
	st, _ := g.sched.Stats(c.QueueID())
	return CellMetrics{
		Coord:            c.Coord(),
		Archetype:        c.Archetype(),
		Role:             c.Role(),
		Domain:           c.Domain(),
		State:            v.State,
		Signal:           v.Signal,
		Action:           v.Action,
		InboxSize:        st.Queued,
		WIP:              st.WIP,
		WIPLimit:         st.WIPLimit,
		ActiveTicks:      l.ActiveTicks,
		ItemsProcessed:   l.ItemsProcessed,
		ExecCalls:        l.ExecCalls,
		LastOutputKind:   v.OutputKind,
		LastOutputTick:   v.OutputTick,
		StuckTicks:       l.StuckTicks,
		UnprocessedTicks: l.UnprocessedTicks,
		IdleTicks:        l.IdleTicks,
		Pending:          l.Pending,
	}
}

func (g *Grid) Snapshot() Snapshot {
	s := Snapshot{
		Tick:              g.Tick(),
		Width:             g.spec.Width,
		Height:            g.spec.Height,
		Neighborhood:      g.spec.Neighborhood,
		Edges:             g.spec.Edges,
		TotalCells:        len(g.cells),
		Quiescent:         g.Quiescent(),
		Outstanding:       g.sched.Outstanding(),
		StateDistribution: make(map[string]int),
	}
	for _, st := range rules.States() {
		s.StateDistribution[string(st)] = 0
	}
	for _, c := range g.cells {
		m := g.Metrics(c)
		s.Cells = append(s.Cells, m)
		s.StateDistribution[string(m.State)]++
	}
	return s
}

var stateChars = map[rules.State]byte{
	rules.Idle:       '.',
	rules.Working:    'W',
	rules.Waiting:    '~',
	rules.Critiquing: 'C',
	rules.Blocked:    'X',
	rules.Error:      'E',
}

// ASCII renders one character per cell. Busy cells with queued work are
// lowercased; idle cells with queued work show the queue length.
func (g *Grid) ASCII() string {
	var sb strings.Builder
	for y := range g.spec.Height {
		if y > 0 {
			sb.WriteByte('\n')
		}
		for x := range g.spec.Width {
			c := g.byCoord[Coord{X: x, Y: y}]
			ch, ok := stateChars[c.State()]
			if !ok {
				ch = '?'
			}
			st, _ := g.sched.Stats(c.QueueID())
			if st.Queued > 0 {
				if ch == '.' {
					ch = strconv.Itoa(min(st.Queued, 9))[0]
				} else if ch >= 'A' && ch <= 'Z' {
					ch += 'a' - 'A'
				}
			}
			sb.WriteByte(ch)
		}
	}
	return sb.String()
}
