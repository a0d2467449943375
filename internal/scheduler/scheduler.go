// Package scheduler drives the orchestrator on a cadence and on demand.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/gridflow/internal/schedule"
	"github.com/mtzanidakis/gridflow/internal/tick"
)

// Runner advances the grid by one tick. *tick.Orchestrator implements it.
type Runner interface {
	RunTick(ctx context.Context) (tick.Result, error)
}

type Scheduler struct {
	runner Runner

	mu      sync.Mutex
	cadence *schedule.Schedule

	reloadCh  chan struct{}
	triggerCh chan struct{}
}

// New returns a scheduler ticking on cadence. A nil cadence leaves ticking
// to Trigger.
func New(r Runner, cadence *schedule.Schedule) *Scheduler {
	return &Scheduler{
		runner:    r,
		cadence:   cadence,
		reloadCh:  make(chan struct{}, 1),
		triggerCh: make(chan struct{}, 1),
	}
}

// UpdateCadence replaces the cadence and signals the run loop to re-arm
// its timer.
func (s *Scheduler) UpdateCadence(cadence *schedule.Schedule) {
	s.mu.Lock()
	s.cadence = cadence
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// Trigger requests a tick outside the cadence. It reports false when a
// request is already waiting.
func (s *Scheduler) Trigger() bool {
	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) Cadence() *schedule.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cadence
}

func (s *Scheduler) Start(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	armed := s.arm(timer)
	slog.Info("scheduler started", "cadence", describe(s.Cadence()), "armed", armed)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			timer.Stop()
			armed = s.arm(timer)
			slog.Info("scheduler cadence reloaded", "cadence", describe(s.Cadence()), "armed", armed)
		case <-s.triggerCh:
			if !s.run(ctx) {
				return
			}
		case <-timer.C:
			if !s.run(ctx) {
				return
			}
			armed = s.arm(timer)
		}
	}
}

// arm resets the timer to the next cadence point.
func (s *Scheduler) arm(timer *time.Timer) bool {
	c := s.Cadence()
	if c == nil {
		return false
	}
	now := time.Now()
	next, err := c.Next(now)
	if err != nil {
		slog.Error("failed to compute next tick", "cadence", c.String(), "error", err)
		return false
	}
	timer.Reset(next.Sub(now))
	return true
}

func (s *Scheduler) run(ctx context.Context) bool {
	res, err := s.runner.RunTick(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		slog.Error("tick failed", "error", err)
		return true
	}
	slog.Debug("scheduled tick", "tick", res.Tick, "actions", res.Actions, "quiescent", res.Quiescent)
	return true
}

func describe(c *schedule.Schedule) string {
	if c == nil {
		return "manual"
	}
	return c.String()
}
