package tick

import (
	"time"

	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/validation"
)

// CellAction records what one cell did during a tick.
type CellAction struct {
	Coord    grid.Coord   `json:"coord"`
	Signal   rules.Signal `json:"signal,omitempty"`
	Action   rules.Action `json:"action,omitempty"`
	From     rules.State  `json:"from"`
	To       rules.State  `json:"to"`
	Matched  bool         `json:"matched"`
	Consumed string       `json:"consumed,omitempty"`
	Emitted  []string     `json:"emitted,omitempty"`
	Pending  bool         `json:"pending,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type Result struct {
	Tick      int64         `json:"tick"`
	Started   time.Time     `json:"started"`
	Elapsed   time.Duration `json:"elapsed"`
	Actions   int           `json:"actions"`
	ExecCalls int           `json:"exec_calls"`
	Emitted   int           `json:"emitted"`
	Delivered int           `json:"delivered"`
	Rejected  int           `json:"rejected"`
	Invalid   int           `json:"invalid"`
	Moved     int           `json:"moved"`
	Stuck     int           `json:"stuck"`
	Failed    int           `json:"failed"`
	Completed int           `json:"completed"`
	Rework    int           `json:"rework"`
	Pending   int           `json:"pending"`
	Changed   bool          `json:"changed"`
	Quiescent bool          `json:"quiescent"`
	// Perturbed is the cell forced to STALE this tick, if any.
	Perturbed *grid.Coord                `json:"perturbed,omitempty"`
	Verdicts  map[validation.Verdict]int `json:"verdicts,omitempty"`
	Signals   map[rules.Signal]int       `json:"signals"`
	Cells     []CellAction               `json:"cells,omitempty"`
}

// RoutingEfficiency is the share of routed outputs that were admitted.
func (r Result) RoutingEfficiency() float64 {
	return efficiency(r.Delivered, r.Rejected)
}

func efficiency(delivered, rejected int) float64 {
	if delivered+rejected == 0 {
		return 0
	}
	return float64(delivered) / float64(delivered+rejected)
}

// Summary accumulates results over a run.
type Summary struct {
	Ticks         int                        `json:"ticks"`
	FirstTick     int64                      `json:"first_tick"`
	LastTick      int64                      `json:"last_tick"`
	ExecCalls     int                        `json:"exec_calls"`
	Emitted       int                        `json:"emitted"`
	Delivered     int                        `json:"delivered"`
	Rejected      int                        `json:"rejected"`
	Invalid       int                        `json:"invalid"`
	Moved         int                        `json:"moved"`
	Stuck         int                        `json:"stuck"`
	Failed        int                        `json:"failed"`
	Completed     int                        `json:"completed"`
	Rework        int                        `json:"rework"`
	Perturbations int                        `json:"perturbations"`
	Verdicts      map[validation.Verdict]int `json:"verdicts,omitempty"`
	Quiescent     bool                       `json:"quiescent"`
	Elapsed       time.Duration              `json:"elapsed"`
}

func (s *Summary) add(r Result) {
	if s.Ticks == 0 {
		s.FirstTick = r.Tick
	}
	s.Ticks++
	s.LastTick = r.Tick
	s.ExecCalls += r.ExecCalls
	s.Emitted += r.Emitted
	s.Delivered += r.Delivered
	s.Rejected += r.Rejected
	s.Invalid += r.Invalid
	s.Moved += r.Moved
	s.Stuck += r.Stuck
	s.Failed += r.Failed
	s.Completed += r.Completed
	s.Rework += r.Rework
	if r.Perturbed != nil {
		s.Perturbations++
	}
	for v, n := range r.Verdicts {
		if s.Verdicts == nil {
			s.Verdicts = make(map[validation.Verdict]int)
		}
		s.Verdicts[v] += n
	}
	s.Quiescent = r.Quiescent
	s.Elapsed += r.Elapsed
}

func (s Summary) RoutingEfficiency() float64 {
	return efficiency(s.Delivered, s.Rejected)
}
