package tick

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/signal"
	"github.com/mtzanidakis/gridflow/internal/validation"
	"github.com/mtzanidakis/gridflow/internal/work"
)

// reading is a cell's READ-phase snapshot. Everything later phases know
// about neighbours comes from here.
type reading struct {
	view      grid.View
	local     grid.Local
	snap      signal.Snapshot
	inbox     int
	neighbors []Neighbor
}

type plan struct {
	signal      rules.Signal
	entry       rules.Entry
	matched     bool
	poll        bool
	unprocessed bool
}

type emission struct {
	out    Output
	parent *work.Item
}

type verdictRecord struct {
	item   work.Item
	result validation.Result
}

type cellResult struct {
	update   grid.Update
	consumed string
	executed bool
	finished bool
	move     rules.Action
	outputs  []emission
	emitted  []string
	verdicts []verdictRecord

	completed, rework, failed int
	err                       error
}

func busy(s rules.State) bool {
	return s == rules.Working || s == rules.Critiquing
}

func (o *Orchestrator) read(c *grid.Cell, tick int64, perturbed bool) reading {
	r := reading{view: c.View(), local: c.Local()}

	items := o.sched.Inbox(c.QueueID())
	st, _ := o.sched.Stats(c.QueueID())
	r.inbox = len(items)

	in := signal.Inbox{Len: len(items), AtCapacity: st.WIP >= st.WIPLimit}
	if len(items) > 0 {
		in.TopKind = items[0].Kind
		in.TopIteration = items[0].IterationCount
	}
	for _, it := range items {
		if it.DeadlineTick > 0 && it.DeadlineTick-tick <= 1 {
			in.DeadlineNear = true
		}
		if d := it.Tags["from_domain"]; d != "" {
			in.Domains = append(in.Domains, d)
		}
	}

	var ns []signal.Neighbor
	for _, nb := range o.grid.Neighbors(c.Coord()) {
		v := nb.View()
		ns = append(ns, signal.Neighbor{
			State:      v.State,
			Role:       nb.Role(),
			Domain:     nb.Domain(),
			OutputKind: v.OutputKind,
			HasOutput:  v.HasOutput,
		})
		r.neighbors = append(r.neighbors, Neighbor{
			Coord:      nb.Coord(),
			Role:       nb.Role(),
			Domain:     nb.Domain(),
			State:      v.State,
			OutputKind: v.OutputKind,
			OutputTick: v.OutputTick,
		})
	}

	r.snap = signal.Snapshot{
		Role:        c.Role(),
		State:       r.view.State,
		Inbox:       in,
		Neighbors:   ns,
		IdleTicks:   r.local.IdleTicks,
		ActiveTicks: r.local.ActiveTicks,
		Finished:    r.local.Finished,
		HasOutput:   r.view.HasOutput,
		MinCoverage: c.MinCoverage(),
		Perturbed:   perturbed,
	}
	return r
}

func (o *Orchestrator) compute(c *grid.Cell, r reading) plan {
	if r.local.Pending != nil {
		return plan{poll: true}
	}
	sig := o.detector.Detect(r.snap)
	e, ok := c.Table().Lookup(r.view.State, sig)
	waitingForCoverage := c.Role() == signal.RoleExecution && sig == rules.InsufficientCoverage
	return plan{
		signal:      sig,
		entry:       e,
		matched:     ok,
		unprocessed: r.inbox > 0 && !ok && !waitingForCoverage,
	}
}

func (o *Orchestrator) execute(ctx context.Context, c *grid.Cell, tick int64, r reading, p plan) cellResult {
	var cr cellResult
	u := grid.Update{
		Tick:        tick,
		Next:        r.view.State,
		Signal:      p.signal,
		Action:      p.entry.Action,
		Matched:     p.matched,
		Unprocessed: p.unprocessed,
		Stuck:       p.unprocessed && r.local.UnprocessedTicks+1 >= o.cfg.StuckThreshold,
	}

	switch {
	case p.poll:
		o.poll(ctx, c, tick, r, &cr, &u)
	case !p.matched:
		// Rule miss: no action, state unchanged.
	default:
		u.Next = p.entry.Next
		a := p.entry.Action
		switch {
		case a.Consumes():
			o.consume(ctx, c, tick, r, a, &cr, &u)
		case a.Perturbs():
			if o.wait(ctx) {
				o.call(ctx, c, tick, r, a, nil, &cr, &u)
			} else {
				u.Next = r.view.State
			}
		case a.Moves():
			cr.move = a
		}
	}

	emitted := p.matched && p.entry.Action == rules.Emit
	u.Finished = (cr.finished || r.local.Finished) && busy(u.Next) && !emitted
	u.Idle = u.Next == rules.Idle && r.inbox == 0
	cr.update = u
	return cr
}

func (o *Orchestrator) wait(ctx context.Context) bool {
	if o.limiter == nil {
		return true
	}
	return o.limiter.Wait(ctx) == nil
}

func (o *Orchestrator) consume(ctx context.Context, c *grid.Cell, tick int64, r reading, a rules.Action, cr *cellResult, u *grid.Update) {
	if r.inbox == 0 {
		// EMIT with nothing queued only publishes the finished result.
		return
	}
	if !o.wait(ctx) {
		u.Next = r.view.State
		return
	}
	it, ok, err := o.sched.Dequeue(c.QueueID())
	if err != nil {
		slog.Error("dequeue failed", "cell", c.Coord().String(), "error", err)
		return
	}
	if !ok {
		return
	}
	cr.consumed = it.ID
	o.call(ctx, c, tick, r, a, &it, cr, u)
}

func (o *Orchestrator) poll(ctx context.Context, c *grid.Cell, tick int64, r reading, cr *cellResult, u *grid.Update) {
	pend := r.local.Pending
	u.Signal = ""
	u.Action = pend.Action
	u.Matched = true
	u.Unprocessed = false
	u.Stuck = false

	var item *work.Item
	if pend.ItemID != "" {
		it, ok := o.sched.Arena().Get(pend.ItemID)
		if !ok || it.Status != work.StatusInProgress {
			slog.Warn("pending item no longer in progress", "cell", c.Coord().String(), "item", pend.ItemID)
			return
		}
		item = &it
		cr.consumed = it.ID
	}
	if !o.wait(ctx) {
		u.Pending = pend
		return
	}
	o.call(ctx, c, tick, r, pend.Action, item, cr, u)
}

func (o *Orchestrator) execContext(c *grid.Cell, tick int64, r reading, sig rules.Signal) ExecContext {
	return ExecContext{
		Tick:       tick,
		Coord:      c.Coord(),
		Archetype:  c.Archetype(),
		Role:       c.Role(),
		Domain:     c.Domain(),
		Strictness: c.Strictness(),
		Signal:     sig,
		Neighbors:  r.neighbors,
		Poll:       r.local.Pending != nil,
	}
}

// call runs the executor and settles the outcome.
func (o *Orchestrator) call(ctx context.Context, c *grid.Cell, tick int64, r reading, a rules.Action, item *work.Item, cr *cellResult, u *grid.Update) {
	cr.executed = true
	u.Executed = true

	out, err := o.invoke(ctx, a, item, o.execContext(c, tick, r, u.Signal))

	pending := func() *grid.Pending {
		p := &grid.Pending{Action: a, Since: tick}
		if item != nil {
			p.ItemID = item.ID
		}
		if prev := r.local.Pending; prev != nil {
			p.Since = prev.Since
			p.Polls = prev.Polls + 1
		}
		return p
	}

	switch {
	case ctx.Err() != nil:
		// Cancelled mid-call: discard whatever came back and ask again.
		u.Pending = pending()
	case err != nil:
		o.fail(c, tick, a, item, err, cr, u)
	case out.Pending:
		p := pending()
		if p.Polls >= o.cfg.MaxPendingTicks {
			o.fail(c, tick, a, item, fmt.Errorf("%w: still pending after %d polls", work.ErrExecutorFailure, p.Polls), cr, u)
			return
		}
		u.Pending = p
	default:
		o.settle(ctx, c, a, item, out, cr, u)
	}
}

// invoke calls the executor under the per-call deadline. A late answer from
// an executor that ignores its context is dropped.
func (o *Orchestrator) invoke(ctx context.Context, a rules.Action, item *work.Item, ec ExecContext) (Outcome, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecutorTimeout)
	defer cancel()

	type reply struct {
		out Outcome
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		var arg *work.Item
		if item != nil {
			cp := item.Clone()
			arg = &cp
		}
		out, err := o.exec.Execute(callCtx, a, arg, ec)
		ch <- reply{out, err}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", work.ErrExecutorFailure, rep.err)
		}
		return rep.out, nil
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: timed out after %s", work.ErrExecutorFailure, o.cfg.ExecutorTimeout)
	}
}

func (o *Orchestrator) fail(c *grid.Cell, tick int64, a rules.Action, item *work.Item, err error, cr *cellResult, u *grid.Update) {
	u.Next = rules.Error
	u.Pending = nil
	cr.err = err
	cr.failed++

	id := ""
	if item != nil {
		id = item.ID
		if _, cerr := o.sched.Complete(item.ID, work.StatusFailed, err.Error()); cerr != nil {
			slog.Error("mark item failed", "item", item.ID, "error", cerr)
		}
	}
	slog.Warn("cell action failed", "tick", tick, "cell", c.Coord().String(), "action", a, "item", id, "error", err)
}

// settle closes the consumed item and queues the outputs for PROPAGATE.
// Artifacts flagged for review only move on when the panel approves.
func (o *Orchestrator) settle(ctx context.Context, c *grid.Cell, a rules.Action, item *work.Item, out Outcome, cr *cellResult, u *grid.Update) {
	cr.finished = true
	u.Processed = item != nil

	outputs := out.Outputs
	if len(outputs) == 0 && len(out.Artifact) > 0 {
		outputs = []Output{{Payload: out.Artifact}}
	}

	if item != nil && out.Review && o.reviewer != nil {
		artifact := out.Artifact
		if len(artifact) == 0 && len(outputs) > 0 {
			artifact = outputs[0].Payload
		}
		res := o.reviewer.Review(ctx, artifact)
		cr.verdicts = append(cr.verdicts, verdictRecord{item: *item, result: res})
		if res.Verdict != validation.Approve {
			o.rework(c, item, res, cr)
			return
		}
	}

	for _, op := range outputs {
		if op.Kind == "" {
			op.Kind = outputKind(c, a, item)
		}
		cr.outputs = append(cr.outputs, emission{out: op, parent: item})
	}
	if len(cr.outputs) > 0 {
		u.Output = cr.outputs[0].out.Kind
	}

	if item == nil {
		return
	}
	if _, err := o.sched.Complete(item.ID, work.StatusDone, ""); err != nil {
		slog.Error("mark item done", "item", item.ID, "error", err)
		return
	}
	cr.completed++
}

func (o *Orchestrator) rework(c *grid.Cell, item *work.Item, res validation.Result, cr *cellResult) {
	reason := res.Reason()
	if item.IterationCount >= o.cfg.MaxIterations {
		msg := fmt.Sprintf("iteration cap %d reached: %s", o.cfg.MaxIterations, reason)
		if _, err := o.sched.Complete(item.ID, work.StatusFailed, msg); err != nil {
			slog.Error("mark item failed", "item", item.ID, "error", err)
		}
		cr.failed++
		slog.Warn("item exhausted iterations", "cell", c.Coord().String(), "item", item.ID, "verdict", res.Verdict)
		return
	}

	next, err := o.sched.Iterate(item.ID, reason)
	if err != nil {
		slog.Error("schedule rework", "item", item.ID, "error", err)
		if _, cerr := o.sched.Complete(item.ID, work.StatusFailed, err.Error()); cerr != nil {
			slog.Error("mark item failed", "item", item.ID, "error", cerr)
		}
		cr.failed++
		return
	}
	cr.rework++
	slog.Info("rework scheduled", "cell", c.Coord().String(), "item", item.ID, "rework", next.ID,
		"iteration", next.IterationCount, "verdict", res.Verdict)
}

// outputKind names what an action produced when the executor did not say.
func outputKind(c *grid.Cell, a rules.Action, consumed *work.Item) string {
	switch {
	case a == rules.Critique:
		return "critique"
	case a == rules.Challenge:
		return "challenge"
	case a == rules.GapAnalysis:
		if c.Role() == "research" {
			return "enrichment"
		}
		return "work_spec"
	case a == rules.Patch:
		return "artifact"
	case c.Role() == "master" && a == rules.Process:
		return "work_spec"
	case c.Role() == "execution":
		return "artifact"
	case c.Role() == "research":
		return "research"
	case c.Archetype() == "consultant" && consumed != nil && (consumed.Kind == "artifact" || consumed.Kind == "code"):
		return "enrichment"
	case consumed != nil:
		return consumed.Kind
	}
	return "output"
}

func (o *Orchestrator) tally(c *grid.Cell, r reading, p plan, cr *cellResult, res *Result) {
	u := cr.update
	if !p.poll {
		res.Signals[p.signal]++
	}
	if u.Matched && u.Action != rules.Wait && u.Action != rules.Skip {
		res.Actions++
	}
	if cr.executed {
		res.ExecCalls++
	}
	if u.Pending != nil {
		res.Pending++
	}
	res.Completed += cr.completed
	res.Rework += cr.rework
	res.Failed += cr.failed
	for _, v := range cr.verdicts {
		if res.Verdicts == nil {
			res.Verdicts = make(map[validation.Verdict]int)
		}
		res.Verdicts[v.result.Verdict]++
	}
	if u.Stuck {
		res.Stuck++
		slog.Warn("cell stuck", "tick", u.Tick, "cell", c.Coord().String(), "state", r.view.State,
			"signal", p.signal, "inbox", r.inbox, "error", work.ErrRuleMiss)
	}

	ca := CellAction{
		Coord:    c.Coord(),
		Signal:   u.Signal,
		From:     r.view.State,
		To:       u.Next,
		Matched:  u.Matched,
		Consumed: cr.consumed,
		Emitted:  cr.emitted,
		Pending:  u.Pending != nil,
	}
	if u.Matched {
		ca.Action = u.Action
	}
	if cr.err != nil {
		ca.Error = cr.err.Error()
	}
	res.Cells = append(res.Cells, ca)
}
