// Package signal turns a read-only snapshot of a cell and its neighbours into
// exactly one signal per tick. Detection is a pure function of the snapshot:
// the same snapshot always yields the same signal.
package signal

import "github.com/mtzanidakis/gridflow/internal/rules"

// Roles with dedicated totalistic rules.
const (
	RoleCritique  = "critique"
	RoleExecution = "execution"
	RoleMaster    = "master"
)

// Neighbor is the previous-tick published view of an adjacent cell.
type Neighbor struct {
	State      rules.State
	Role       string
	Domain     string
	OutputKind string
	HasOutput  bool
}

// Inbox summarizes the cell's own queue at READ time.
type Inbox struct {
	Len          int
	AtCapacity   bool
	TopKind      string
	TopIteration int
	DeadlineNear bool
	// Domains lists the from_domain tags of queued items.
	Domains []string
}

type Snapshot struct {
	Role        string
	State       rules.State
	Inbox       Inbox
	Neighbors   []Neighbor
	IdleTicks   int
	ActiveTicks int
	// Finished is set while the cell holds a completed result it has not
	// emitted yet.
	Finished  bool
	HasOutput bool
	// MinCoverage gates execution cells until this many distinct domains are
	// visible. Zero disables the gate.
	MinCoverage int
	// Perturbed is set by the orchestrator when the grid has been quiescent.
	Perturbed bool
}

type Thresholds struct {
	StaleTicks          int
	CritiqueWorking     int
	ExecutionCritiquing int
	ActiveNeighbors     int
	HelpWorking         int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StaleTicks:          4,
		CritiqueWorking:     3,
		ExecutionCritiquing: 2,
		ActiveNeighbors:     2,
		HelpWorking:         3,
	}
}

// Counts is the totalistic summary of a neighbourhood.
type Counts struct {
	Working, Critiquing, Idle, Waiting, ActiveOutput int
}

func Count(neighbors []Neighbor) Counts {
	var c Counts
	for _, n := range neighbors {
		switch n.State {
		case rules.Working:
			c.Working++
		case rules.Critiquing:
			c.Critiquing++
		case rules.Idle:
			c.Idle++
		case rules.Waiting:
			c.Waiting++
		}
		if n.HasOutput && n.OutputKind != "" {
			c.ActiveOutput++
		}
	}
	return c
}

type Detector struct {
	th Thresholds
}

func New(th Thresholds) *Detector {
	def := DefaultThresholds()
	if th.StaleTicks <= 0 {
		th.StaleTicks = def.StaleTicks
	}
	if th.CritiqueWorking <= 0 {
		th.CritiqueWorking = def.CritiqueWorking
	}
	if th.ExecutionCritiquing <= 0 {
		th.ExecutionCritiquing = def.ExecutionCritiquing
	}
	if th.ActiveNeighbors <= 0 {
		th.ActiveNeighbors = def.ActiveNeighbors
	}
	if th.HelpWorking <= 0 {
		th.HelpWorking = def.HelpWorking
	}
	return &Detector{th: th}
}

func (d *Detector) Thresholds() Thresholds { return d.th }

var reviewable = map[string]bool{"layout": true, "concept": true, "code": true, "artifact": true}
var feedback = map[string]bool{"critique": true, "enrichment": true, "rework": true}

func busy(s rules.State) bool {
	return s == rules.Working || s == rules.Critiquing
}

// Detect classifies the snapshot into a single signal.
func (d *Detector) Detect(s Snapshot) rules.Signal {
	if s.Perturbed {
		return rules.Stale
	}

	c := Count(s.Neighbors)

	if s.Inbox.Len > 0 {
		if s.Role == RoleExecution && s.MinCoverage > 0 && coverage(s) < s.MinCoverage {
			return rules.InsufficientCoverage
		}
		if s.Role == RoleCritique && c.Working >= d.th.CritiqueWorking {
			return rules.CritiqueNeeded
		}
		if s.Role == RoleExecution && c.Critiquing >= d.th.ExecutionCritiquing {
			return rules.InsufficientCoverage
		}
		if c.Idle >= 1 && s.Inbox.Len > 1 {
			return rules.NeighborIdle
		}
		if s.Inbox.DeadlineNear {
			return rules.DeadlineNear
		}
		if s.Role == RoleCritique && reviewable[s.Inbox.TopKind] {
			return rules.CritiqueNeeded
		}
		if s.Role == RoleExecution && s.HasOutput && feedback[s.Inbox.TopKind] {
			return rules.IterationDone
		}
		if s.Inbox.TopIteration > 0 {
			return rules.IterationDone
		}
		if busy(s.State) && s.Finished {
			return rules.BatchComplete
		}
		return rules.NewItem
	}

	if busy(s.State) && s.Finished {
		return rules.BatchComplete
	}
	if s.State == rules.Idle && s.IdleTicks >= d.th.StaleTicks &&
		(c.Working >= d.th.ActiveNeighbors || c.ActiveOutput >= d.th.ActiveNeighbors) {
		return rules.Stale
	}
	if s.State == rules.Idle && s.ActiveTicks > 0 && c.Working >= d.th.HelpWorking {
		return rules.NeighborIdle
	}
	if s.Inbox.AtCapacity {
		return rules.QueueFull
	}
	return rules.QueueEmpty
}

// coverage counts distinct domains visible to the cell through neighbour
// output and the origin tags of queued items.
func coverage(s Snapshot) int {
	seen := make(map[string]bool)
	for _, n := range s.Neighbors {
		if n.HasOutput && n.OutputKind != "" && n.Domain != "" {
			seen[n.Domain] = true
		}
	}
	for _, d := range s.Inbox.Domains {
		if d != "" {
			seen[d] = true
		}
	}
	return len(seen)
}
