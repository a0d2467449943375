package tick

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/mtzanidakis/gridflow/internal/flow"
	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/work"
)

// Kinds that travel beyond the neighbourhood.
var (
	planningKinds  = []string{"work_spec", "enrichment", "research", "concept"}
	planningRoles  = []string{"master", "research", "sub"}
	deliveredKinds = []string{"artifact", "code"}
)

// propagate applies c's queue move, if any, and routes its outputs.
// It runs sequentially in row-major order so admission races resolve the
// same way every tick.
func (o *Orchestrator) propagate(c *grid.Cell, tick int64, r reading, cr *cellResult, res *Result) {
	if cr.move != "" {
		if o.applyMove(c, tick, r, cr.move) {
			res.Moved++
		}
	}
	for _, em := range cr.outputs {
		o.route(c, tick, em, cr, res)
	}
}

func (o *Orchestrator) applyMove(c *grid.Cell, tick int64, r reading, a rules.Action) bool {
	switch a {
	case rules.SplitBatch:
		st, _ := o.sched.Stats(c.QueueID())
		if st.Queued <= 1 {
			return false
		}
		id, ok := o.sched.Lowest(c.QueueID())
		if !ok {
			return false
		}
		for _, nb := range r.neighbors {
			if nb.State != rules.Idle {
				continue
			}
			if o.tryMove(c.Coord(), nb.Coord, id, tick, "split") {
				return true
			}
		}
	case rules.Pull:
		var from grid.Coord
		best := 1
		for _, nb := range r.neighbors {
			st, ok := o.sched.Stats(nb.Coord.QueueID())
			if ok && st.Queued > best {
				best, from = st.Queued, nb.Coord
			}
		}
		if best <= 1 {
			return false
		}
		id, ok := o.sched.Lowest(from.QueueID())
		if !ok {
			return false
		}
		return o.tryMove(from, c.Coord(), id, tick, "pull")
	case rules.Escalate:
		id, ok := o.sched.Top(c.QueueID())
		if !ok {
			return false
		}
		for _, nb := range r.neighbors {
			if nb.Role != "critique" && nb.Role != "master" {
				continue
			}
			if o.tryMove(c.Coord(), nb.Coord, id, tick, "escalate") {
				return true
			}
		}
	}
	return false
}

func (o *Orchestrator) tryMove(from, to grid.Coord, id string, tick int64, verb string) bool {
	note := fmt.Sprintf("t%d %s %s->%s", tick, verb, from, to)
	err := o.sched.Move(from.QueueID(), to.QueueID(), id, note)
	if err == nil {
		slog.Debug("item moved", "item", id, "from", from.String(), "to", to.String(), "reason", verb)
		return true
	}
	if !errors.Is(err, work.ErrCapacityExceeded) {
		slog.Warn("move failed", "item", id, "from", from.String(), "to", to.String(), "error", err)
	}
	return false
}

// route turns one output into new items and admits them to every target.
func (o *Orchestrator) route(c *grid.Cell, tick int64, em emission, cr *cellResult, res *Result) {
	out := em.out
	if out.CostOfDelay == 0 && out.JobSize == 0 {
		out.CostOfDelay, out.JobSize = 1, 1
		if em.parent != nil {
			out.CostOfDelay, out.JobSize = em.parent.CostOfDelay, em.parent.JobSize
		}
	}
	// A negative or half-specified economy never enters a queue.
	if out.CostOfDelay <= 0 || out.JobSize <= 0 {
		res.Invalid++
		slog.Warn("dropping invalid output", "cell", c.Coord().String(), "kind", out.Kind,
			"cost_of_delay", out.CostOfDelay, "job_size", out.JobSize, "error", work.ErrInvalidWorkItem)
		return
	}
	res.Emitted++

	targets := o.targets(c, out)
	if len(targets) == 0 {
		slog.Debug("output has no recipients", "cell", c.Coord().String(), "kind", out.Kind)
		return
	}

	for _, dst := range targets {
		it, err := work.New(out.Kind, "", out.CostOfDelay, out.JobSize, out.Payload)
		if err != nil {
			res.Invalid++
			continue
		}
		it.Source = c.Coord().String()
		it.DeadlineTick = out.DeadlineTick
		it.Tags = maps.Clone(out.Tags)
		if it.Tags == nil {
			it.Tags = make(map[string]string)
		}
		it.Tags["from_agent"] = c.Archetype()
		it.Tags["from_role"] = c.Role()
		if c.Domain() != "" {
			it.Tags["from_domain"] = c.Domain()
		}
		if out.BroadcastRole != "" && dst.Role() == out.BroadcastRole {
			it.Tags["broadcast"] = "true"
		}
		if em.parent != nil {
			it.ParentID = em.parent.ID
			it.Target = em.parent.Target
			it.Lineage = append(slices.Clone(em.parent.Lineage), em.parent.ID)
		}
		it.Lineage = append(it.Lineage, fmt.Sprintf("t%d %s@%s->%s", tick, out.Kind, c.Coord(), dst.Coord()))

		if err := o.sched.Admit(dst.QueueID(), it); err != nil {
			res.Rejected++
			if !errors.Is(err, work.ErrCapacityExceeded) && !errors.Is(err, flow.ErrUnknownQueue) {
				slog.Warn("admit routed output", "to", dst.Coord().String(), "kind", out.Kind, "error", err)
			}
			continue
		}
		res.Delivered++
		cr.emitted = append(cr.emitted, it.ID)
	}
}

// targets resolves the recipients of out. Explicit coordinates win;
// otherwise neighbours that accept the kind receive it. Broadcast roles and
// long-range planning links are added on top, each cell at most once.
func (o *Orchestrator) targets(c *grid.Cell, out Output) []*grid.Cell {
	seen := make(map[grid.Coord]bool)
	var cells []*grid.Cell
	add := func(t *grid.Cell) {
		if t == nil || seen[t.Coord()] {
			return
		}
		seen[t.Coord()] = true
		cells = append(cells, t)
	}

	if len(out.To) > 0 {
		for _, co := range out.To {
			t, ok := o.grid.Cell(co)
			if !ok {
				slog.Warn("output addressed to missing cell", "cell", c.Coord().String(), "to", co.String())
				continue
			}
			add(t)
		}
		return cells
	}

	seen[c.Coord()] = true
	for _, nb := range o.grid.Neighbors(c.Coord()) {
		if nb.Accepts(out.Kind, c) {
			add(nb)
		}
	}
	if out.BroadcastRole != "" {
		for _, t := range o.grid.ByRole(out.BroadcastRole) {
			add(t)
		}
	}
	switch {
	case slices.Contains(planningKinds, out.Kind) && slices.Contains(planningRoles, c.Role()):
		for _, t := range o.grid.ByRole("execution") {
			add(t)
		}
	case slices.Contains(deliveredKinds, out.Kind) && c.Role() == "execution":
		for _, t := range o.grid.ByRole("sub") {
			if t.Archetype() == "consultant" {
				add(t)
			}
		}
	}
	return cells
}
