package grid

import (
	"fmt"
	"strconv"
	"strings"
)

type Neighborhood string

const (
	VonNeumann Neighborhood = "von_neumann"
	Moore      Neighborhood = "moore"
)

type Edges string

const (
	Bounded  Edges = "bounded"
	Toroidal Edges = "toroidal"
)

// Coord is a lattice position. X grows to the right, Y grows downward.
type Coord struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

func (c Coord) String() string { return fmt.Sprintf("%d,%d", c.X, c.Y) }

// QueueID names the flow queue backing the cell at c.
func (c Coord) QueueID() string { return "cell:" + c.String() }

func ParseCoord(s string) (Coord, error) {
	xs, ys, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return Coord{}, fmt.Errorf("invalid coordinate %q: want x,y", s)
	}
	x, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return Coord{}, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	y, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return Coord{}, fmt.Errorf("invalid coordinate %q: %w", s, err)
	}
	return Coord{X: x, Y: y}, nil
}

type Spec struct {
	Width        int          `json:"width"`
	Height       int          `json:"height"`
	Neighborhood Neighborhood `json:"neighborhood"`
	Edges        Edges        `json:"edges"`
}

func (s Spec) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("grid dimensions must be positive, got %dx%d", s.Width, s.Height)
	}
	switch s.Neighborhood {
	case VonNeumann, Moore:
	default:
		return fmt.Errorf("unknown neighborhood %q", s.Neighborhood)
	}
	switch s.Edges {
	case Bounded, Toroidal:
	default:
		return fmt.Errorf("unknown edge mode %q", s.Edges)
	}
	return nil
}

func (s Spec) Contains(c Coord) bool {
	return c.X >= 0 && c.X < s.Width && c.Y >= 0 && c.Y < s.Height
}

var (
	vonNeumannOffsets = []Coord{{0, -1}, {0, 1}, {-1, 0}, {1, 0}}
	mooreOffsets      = []Coord{
		{-1, -1}, {0, -1}, {1, -1},
		{-1, 0}, {1, 0},
		{-1, 1}, {0, 1}, {1, 1},
	}
)

// neighbors lists the adjacent coordinates of c. On a torus small enough for
// offsets to alias, each neighbour appears once and c never neighbours itself.
func (s Spec) neighbors(c Coord) []Coord {
	offsets := vonNeumannOffsets
	if s.Neighborhood == Moore {
		offsets = mooreOffsets
	}

	var out []Coord
	seen := make(map[Coord]bool, len(offsets))
	for _, o := range offsets {
		n := Coord{X: c.X + o.X, Y: c.Y + o.Y}
		if s.Edges == Toroidal {
			n.X = ((n.X % s.Width) + s.Width) % s.Width
			n.Y = ((n.Y % s.Height) + s.Height) % s.Height
		} else if !s.Contains(n) {
			continue
		}
		if n == c || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
