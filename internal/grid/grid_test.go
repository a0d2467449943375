package grid

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/mtzanidakis/gridflow/internal/flow"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/work"
)

func newTestGrid(t *testing.T, spec Spec, wip int, roles map[Coord]string) *Grid {
	t.Helper()
	sched, err := flow.New(work.NewArena(), flow.DefaultEconomics())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	var cells []CellSpec
	for y := range spec.Height {
		for x := range spec.Width {
			c := Coord{X: x, Y: y}
			role := roles[c]
			cells = append(cells, CellSpec{
				Coord:     c,
				Archetype: "test",
				Role:      role,
				WIPLimit:  wip,
				Table:     rules.ForRole(role, 0.8),
			})
		}
	}
	g, err := New(spec, cells, sched)
	if err != nil {
		t.Fatalf("new grid: %v", err)
	}
	return g
}

func TestNeighbors(t *testing.T) {
	tests := []struct {
		name  string
		spec  Spec
		coord Coord
		want  []Coord
	}{
		{
			name:  "von neumann corner bounded",
			spec:  Spec{Width: 3, Height: 3, Neighborhood: VonNeumann, Edges: Bounded},
			coord: Coord{0, 0},
			want:  []Coord{{0, 1}, {1, 0}},
		},
		{
			name:  "von neumann centre",
			spec:  Spec{Width: 3, Height: 3, Neighborhood: VonNeumann, Edges: Bounded},
			coord: Coord{1, 1},
			want:  []Coord{{1, 0}, {1, 2}, {0, 1}, {2, 1}},
		},
		{
			name:  "moore corner bounded",
			spec:  Spec{Width: 3, Height: 3, Neighborhood: Moore, Edges: Bounded},
			coord: Coord{2, 2},
			want:  []Coord{{1, 1}, {2, 1}, {1, 2}},
		},
		{
			name:  "von neumann corner toroidal",
			spec:  Spec{Width: 3, Height: 3, Neighborhood: VonNeumann, Edges: Toroidal},
			coord: Coord{0, 0},
			want:  []Coord{{0, 2}, {0, 1}, {2, 0}, {1, 0}},
		},
		{
			name:  "toroidal 2x1 deduplicates",
			spec:  Spec{Width: 2, Height: 1, Neighborhood: Moore, Edges: Toroidal},
			coord: Coord{0, 0},
			want:  []Coord{{1, 0}},
		},
		{
			name:  "toroidal 1x1 has no neighbours",
			spec:  Spec{Width: 1, Height: 1, Neighborhood: Moore, Edges: Toroidal},
			coord: Coord{0, 0},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.spec.neighbors(tt.coord)
			if !slices.Equal(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestNewValidates(t *testing.T) {
	sched, _ := flow.New(work.NewArena(), flow.DefaultEconomics())
	spec := Spec{Width: 2, Height: 1, Neighborhood: VonNeumann, Edges: Bounded}
	table := rules.Research()

	if _, err := New(spec, []CellSpec{{Coord: Coord{0, 0}, WIPLimit: 1, Table: table}}, sched); err == nil {
		t.Error("expected error for missing cells")
	}
	dup := []CellSpec{
		{Coord: Coord{0, 0}, WIPLimit: 1, Table: table},
		{Coord: Coord{0, 0}, WIPLimit: 1, Table: table},
	}
	if _, err := New(spec, dup, sched); err == nil {
		t.Error("expected error for duplicate cell")
	}
	oob := []CellSpec{
		{Coord: Coord{0, 0}, WIPLimit: 1, Table: table},
		{Coord: Coord{5, 0}, WIPLimit: 1, Table: table},
	}
	if _, err := New(spec, oob, sched); err == nil {
		t.Error("expected error for out-of-bounds cell")
	}
	if _, err := New(Spec{Width: 2, Height: 1, Neighborhood: "hex", Edges: Bounded}, nil, sched); err == nil {
		t.Error("expected error for unknown neighborhood")
	}
}

func TestCellsRowMajor(t *testing.T) {
	g := newTestGrid(t, Spec{Width: 3, Height: 2, Neighborhood: VonNeumann, Edges: Bounded}, 2, nil)
	var got []string
	for _, c := range g.Cells() {
		got = append(got, c.Coord().String())
	}
	want := []string{"0,0", "1,0", "2,0", "0,1", "1,1", "2,1"}
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if c, _ := g.Cell(Coord{2, 1}); c.Role() != "sub" {
		t.Errorf("expected default role sub, got %s", c.Role())
	}
}

func TestParseCoord(t *testing.T) {
	c, err := ParseCoord(" 3, 4 ")
	if err != nil || c != (Coord{3, 4}) {
		t.Errorf("expected 3,4, got %v (%v)", c, err)
	}
	for _, bad := range []string{"", "3", "a,b", "1;2"} {
		if _, err := ParseCoord(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestInjectRespectsWIP(t *testing.T) {
	g := newTestGrid(t, Spec{Width: 2, Height: 2, Neighborhood: VonNeumann, Edges: Bounded}, 1, nil)

	first, _ := work.New("brief", "", 1, 1, nil)
	if err := g.Inject(Coord{0, 0}, first); err != nil {
		t.Fatalf("inject: %v", err)
	}
	second, _ := work.New("brief", "", 1, 1, nil)
	if err := g.Inject(Coord{0, 0}, second); !errors.Is(err, work.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
	if err := g.Inject(Coord{9, 9}, second); err == nil {
		t.Error("expected error for unknown cell")
	}
}

func TestInjectBroadcast(t *testing.T) {
	roles := map[Coord]string{{0, 0}: "execution", {1, 1}: "execution", {1, 0}: "critique"}
	g := newTestGrid(t, Spec{Width: 2, Height: 2, Neighborhood: VonNeumann, Edges: Bounded}, 1, roles)

	it, _ := work.New("work_spec", "", 2, 1, nil)
	n, err := g.InjectBroadcast(it, "execution", "")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 admitted, got %d (%v)", n, err)
	}

	// Both execution cells are now full.
	n, err = g.InjectBroadcast(it, "execution", "")
	if n != 0 || !errors.Is(err, work.ErrCapacityExceeded) {
		t.Errorf("expected capacity errors, got %d (%v)", n, err)
	}

	c, _ := g.Cell(Coord{1, 1})
	inbox := g.Scheduler().Inbox(c.QueueID())
	if len(inbox) != 1 || inbox[0].Tags["broadcast"] != "true" || inbox[0].ID == it.ID {
		t.Errorf("unexpected broadcast copy: %+v", inbox)
	}
}

func TestCommit(t *testing.T) {
	g := newTestGrid(t, Spec{Width: 1, Height: 1, Neighborhood: VonNeumann, Edges: Bounded}, 1, nil)
	c := g.Cells()[0]

	changed := c.Commit(Update{Tick: 1, Next: rules.Idle, Signal: rules.QueueEmpty, Idle: true})
	if changed {
		t.Error("idle to idle without output is not a change")
	}
	c.Commit(Update{Tick: 2, Next: rules.Idle, Signal: rules.QueueEmpty, Idle: true})
	if l := c.Local(); l.IdleTicks != 2 {
		t.Errorf("expected 2 idle ticks, got %d", l.IdleTicks)
	}

	changed = c.Commit(Update{Tick: 3, Next: rules.Working, Signal: rules.NewItem,
		Action: rules.Process, Matched: true, Output: "concept", Executed: true, Processed: true})
	if !changed {
		t.Error("expected change")
	}
	v := c.View()
	if v.State != rules.Working || v.OutputKind != "concept" || v.OutputTick != 3 || !v.HasOutput {
		t.Errorf("unexpected view: %+v", v)
	}
	l := c.Local()
	if l.IdleTicks != 0 || l.ActiveTicks != 1 || l.ExecCalls != 1 || l.ItemsProcessed != 1 {
		t.Errorf("unexpected local: %+v", l)
	}

	// Output persists across ticks without new output.
	c.Commit(Update{Tick: 4, Next: rules.Working, Signal: rules.QueueEmpty, Unprocessed: true, Stuck: true})
	if v := c.View(); v.OutputKind != "concept" {
		t.Errorf("output lost: %+v", v)
	}
	if l := c.Local(); l.UnprocessedTicks != 1 || l.StuckTicks != 1 {
		t.Errorf("unexpected stuck counters: %+v", l)
	}

	c.Commit(Update{Tick: 5, Next: rules.Idle, Signal: rules.Stale, Idle: true})
	if l := c.Local(); l.IdleTicks != 0 || l.UnprocessedTicks != 0 {
		t.Errorf("stale must reset the idle counter: %+v", l)
	}
}

func TestAccepts(t *testing.T) {
	g := newTestGrid(t, Spec{Width: 1, Height: 1, Neighborhood: VonNeumann, Edges: Bounded}, 1, nil)
	src := g.Cells()[0]

	mk := func(role, archetype, domain string, accepts ...string) *Cell {
		return newCell(CellSpec{Role: role, Archetype: archetype, Domain: domain, Accepts: accepts}, nil)
	}

	tests := []struct {
		name string
		dst  *Cell
		kind string
		want bool
	}{
		{"critique reviews layout", mk("critique", "", ""), "layout", true},
		{"critique ignores research", mk("critique", "", ""), "research", false},
		{"master takes rework", mk("master", "", ""), "rework", true},
		{"sub ignores artifacts", mk("sub", "typography", ""), "artifact", false},
		{"consultant reviews artifacts", mk("sub", "consultant", ""), "artifact", true},
		{"override replaces defaults", mk("critique", "", "", "brief"), "layout", false},
		{"override accepts listed kind", mk("critique", "", "", "brief"), "brief", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dst.Accepts(tt.kind, src); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	design := newCell(CellSpec{Role: "sub", Domain: "design"}, nil)
	peer := newCell(CellSpec{Role: "research", Domain: "design"}, nil)
	if !peer.Accepts("concept", design) {
		t.Error("same-domain cells share concepts")
	}
	other := newCell(CellSpec{Role: "research", Domain: "editorial"}, nil)
	if other.Accepts("concept", design) {
		t.Error("cross-domain research cell should not take concepts")
	}
}

func TestASCIIAndSnapshot(t *testing.T) {
	g := newTestGrid(t, Spec{Width: 3, Height: 2, Neighborhood: Moore, Edges: Bounded}, 5, nil)

	for range 3 {
		it, _ := work.New("brief", "", 1, 1, nil)
		if err := g.Inject(Coord{0, 0}, it); err != nil {
			t.Fatalf("inject: %v", err)
		}
	}
	it, _ := work.New("brief", "", 1, 1, nil)
	_ = g.Inject(Coord{1, 0}, it)

	c, _ := g.Cell(Coord{1, 0})
	c.Commit(Update{Next: rules.Working})
	e, _ := g.Cell(Coord{2, 1})
	e.Commit(Update{Next: rules.Error})

	want := "3w.\n..E"
	if got := g.ASCII(); got != want {
		t.Errorf("expected\n%s\ngot\n%s", want, got)
	}

	snap := g.Snapshot()
	if snap.TotalCells != 6 || len(snap.Cells) != 6 {
		t.Errorf("unexpected cell count: %+v", snap)
	}
	if snap.StateDistribution["IDLE"] != 4 || snap.StateDistribution["WORKING"] != 1 || snap.StateDistribution["ERROR"] != 1 {
		t.Errorf("unexpected distribution: %v", snap.StateDistribution)
	}
	if snap.Quiescent {
		t.Error("grid with queued work is not quiescent")
	}
	if snap.Cells[0].InboxSize != 3 || snap.Cells[0].WIPLimit != 5 {
		t.Errorf("unexpected metrics: %+v", snap.Cells[0])
	}
	if !strings.Contains(g.ASCII(), "E") {
		t.Error("error cells should render as E")
	}
}
