// Package tick drives the grid through barrier-synchronised ticks. Every tick
// runs four phases over all cells: READ snapshots local state, COMPUTE picks
// an action from the rule table, EXECUTE runs it, and PROPAGATE commits the
// buffered states and delivers emitted work.
package tick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mtzanidakis/gridflow/internal/flow"
	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/signal"
	"github.com/mtzanidakis/gridflow/internal/validation"
	"github.com/mtzanidakis/gridflow/internal/work"
)

type Config struct {
	ExecutorTimeout time.Duration
	// QuiescenceTicks is how many motionless ticks trigger a perturbation.
	// Zero disables perturbation.
	QuiescenceTicks int
	StuckThreshold  int
	MaxIterations   int
	MaxPendingTicks int
	Thresholds      signal.Thresholds
}

func DefaultConfig() Config {
	return Config{
		ExecutorTimeout: 2 * time.Minute,
		QuiescenceTicks: 3,
		StuckThreshold:  2,
		MaxIterations:   3,
		MaxPendingTicks: 10,
		Thresholds:      signal.DefaultThresholds(),
	}
}

type Orchestrator struct {
	grid     *grid.Grid
	sched    *flow.Scheduler
	exec     Executor
	detector *signal.Detector
	cfg      Config

	reviewer  Reviewer
	limiter   *rate.Limiter
	onTick    []func(context.Context, Result)
	onVerdict []func(work.Item, validation.Result)

	mu            sync.Mutex // one tick at a time
	quiet         int
	perturbations int
}

func New(g *grid.Grid, exec Executor, cfg Config) (*Orchestrator, error) {
	if g == nil || exec == nil {
		return nil, errors.New("orchestrator requires a grid and an executor")
	}
	def := DefaultConfig()
	if cfg.ExecutorTimeout <= 0 {
		cfg.ExecutorTimeout = def.ExecutorTimeout
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxPendingTicks <= 0 {
		cfg.MaxPendingTicks = def.MaxPendingTicks
	}
	if cfg.QuiescenceTicks < 0 {
		return nil, fmt.Errorf("quiescence_ticks must be >= 0, got %d", cfg.QuiescenceTicks)
	}
	return &Orchestrator{
		grid:     g,
		sched:    g.Scheduler(),
		exec:     exec,
		detector: signal.New(cfg.Thresholds),
		cfg:      cfg,
	}, nil
}

func (o *Orchestrator) Grid() *grid.Grid { return o.grid }
func (o *Orchestrator) Config() Config   { return o.cfg }

// SetReviewer installs the panel consulted for outcomes flagged for review.
// A nil reviewer disables review. It waits for a running tick to finish.
func (o *Orchestrator) SetReviewer(r Reviewer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reviewer = r
}

// SetLimiter throttles executor dispatch across all cells.
func (o *Orchestrator) SetLimiter(l *rate.Limiter) { o.limiter = l }

// OnTick registers a hook called after every completed tick.
func (o *Orchestrator) OnTick(fn func(context.Context, Result)) {
	o.onTick = append(o.onTick, fn)
}

// OnVerdict registers a hook called for every validation verdict.
func (o *Orchestrator) OnVerdict(fn func(work.Item, validation.Result)) {
	o.onVerdict = append(o.onVerdict, fn)
}

// fanOut runs fn for every index on its own goroutine and returns once all
// of them are done. It is the phase barrier.
func fanOut(n int, fn func(i int)) {
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(i)
		}()
	}
	wg.Wait()
}

// RunTick advances the grid by one tick. Cancellation is honoured before
// EXECUTE; once cells start executing the tick runs to completion and calls
// interrupted by cancellation are retried on the next tick.
func (o *Orchestrator) RunTick(ctx context.Context) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	n := o.grid.Tick() + 1
	res := Result{Tick: n, Started: time.Now(), Signals: make(map[rules.Signal]int)}
	cells := o.grid.Cells()
	versionBefore := o.sched.Version()

	// READ
	perturbed := -1
	if o.cfg.QuiescenceTicks > 0 && o.quiet >= o.cfg.QuiescenceTicks {
		perturbed = o.pickPerturbation(cells)
	}
	snaps := make([]reading, len(cells))
	fanOut(len(cells), func(i int) {
		snaps[i] = o.read(cells[i], n, i == perturbed)
	})
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// COMPUTE
	plans := make([]plan, len(cells))
	fanOut(len(cells), func(i int) {
		plans[i] = o.compute(cells[i], snaps[i])
	})
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if perturbed >= 0 {
		c := cells[perturbed].Coord()
		res.Perturbed = &c
		o.perturbations++
		o.quiet = 0
		slog.Info("grid quiescent, perturbing cell", "tick", n, "cell", c.String())
	}

	// EXECUTE
	outs := make([]cellResult, len(cells))
	fanOut(len(cells), func(i int) {
		outs[i] = o.execute(ctx, cells[i], n, snaps[i], plans[i])
	})

	// PROPAGATE
	changed := make([]bool, len(cells))
	fanOut(len(cells), func(i int) {
		changed[i] = cells[i].Commit(outs[i].update)
	})
	for i, c := range cells {
		o.propagate(c, n, snaps[i], &outs[i], &res)
	}
	o.grid.Advance()

	for i, c := range cells {
		o.tally(c, snaps[i], plans[i], &outs[i], &res)
		if changed[i] {
			res.Changed = true
		}
	}
	if res.Emitted > 0 || res.Delivered > 0 || o.sched.Version() != versionBefore {
		res.Changed = true
	}
	if res.Changed {
		o.quiet = 0
	} else {
		o.quiet++
	}
	res.Quiescent = o.grid.Quiescent()
	res.Elapsed = time.Since(res.Started)

	for i := range outs {
		for _, v := range outs[i].verdicts {
			for _, fn := range o.onVerdict {
				fn(v.item, v.result)
			}
		}
	}
	for _, fn := range o.onTick {
		fn(ctx, res)
	}

	slog.Debug("tick completed", "tick", n, "actions", res.Actions, "exec_calls", res.ExecCalls,
		"emitted", res.Emitted, "delivered", res.Delivered, "rejected", res.Rejected,
		"failed", res.Failed, "elapsed", res.Elapsed)
	return res, nil
}

// pickPerturbation chooses one cell, rotating through the candidates across
// perturbations. Cells waiting on an executor are never picked. Cells with a
// rule for STALE in their current state are preferred, then idle cells with
// an empty inbox, then any other cell; STALE on a cell without a matching
// rule is a no-op but still counts as the perturbation.
func (o *Orchestrator) pickPerturbation(cells []*grid.Cell) int {
	var handles, idle, rest []int
	for i, c := range cells {
		if c.Local().Pending != nil {
			continue
		}
		switch {
		case c.Table().Handles(c.State(), rules.Stale):
			handles = append(handles, i)
		case c.State() == rules.Idle && len(o.sched.Inbox(c.QueueID())) == 0:
			idle = append(idle, i)
		default:
			rest = append(rest, i)
		}
	}
	for _, set := range [][]int{handles, idle, rest} {
		if len(set) > 0 {
			return set[o.perturbations%len(set)]
		}
	}
	return -1
}

// RunNTicks runs n ticks, stopping early on cancellation.
func (o *Orchestrator) RunNTicks(ctx context.Context, n int) (Summary, error) {
	var sum Summary
	for range n {
		res, err := o.RunTick(ctx)
		if err != nil {
			return sum, err
		}
		sum.add(res)
	}
	return sum, nil
}

// RunUntilQuiescent runs until the grid has been idle with no outstanding
// work for idleTicks consecutive ticks, or maxTicks ticks have run.
func (o *Orchestrator) RunUntilQuiescent(ctx context.Context, maxTicks, idleTicks int) (Summary, error) {
	if idleTicks <= 0 {
		idleTicks = 1
	}
	var sum Summary
	streak := 0
	for range maxTicks {
		res, err := o.RunTick(ctx)
		if err != nil {
			return sum, err
		}
		sum.add(res)
		if res.Quiescent {
			streak++
			if streak >= idleTicks {
				break
			}
		} else {
			streak = 0
		}
	}
	return sum, nil
}
