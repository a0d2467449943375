package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/executor"
	"github.com/mtzanidakis/gridflow/internal/flow"
	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/natsbus"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/store"
	"github.com/mtzanidakis/gridflow/internal/telemetry"
	"github.com/mtzanidakis/gridflow/internal/tick"
	"github.com/mtzanidakis/gridflow/internal/validation"
	"github.com/mtzanidakis/gridflow/internal/web"
	"github.com/mtzanidakis/gridflow/internal/work"
)

// runtime is a grid wired to its orchestrator.
type runtime struct {
	cfg     *config.Config
	grid    *grid.Grid
	orch    *tick.Orchestrator
	limiter *rate.Limiter
	client  *natsbus.Client
}

func buildRuntime(cfg *config.Config, client *natsbus.Client) (*runtime, error) {
	sched, err := flow.New(work.NewArena(), cfg.Economics())
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	spec, err := cfg.GridSpec()
	if err != nil {
		return nil, err
	}
	cells, err := cfg.CellSpecs()
	if err != nil {
		return nil, err
	}
	g, err := grid.New(spec, cells, sched)
	if err != nil {
		return nil, fmt.Errorf("init grid: %w", err)
	}

	exec, err := executor.FromConfig(cfg.Executor, client)
	if err != nil {
		return nil, fmt.Errorf("init executor: %w", err)
	}
	orch, err := tick.New(g, exec, tickConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	rt := &runtime{cfg: cfg, grid: g, orch: orch, client: client}
	rt.limiter = rate.NewLimiter(execLimit(cfg.Tick.ExecRate), max(cfg.Tick.ExecBurst, 1))
	orch.SetLimiter(rt.limiter)

	if err := rt.applyValidation(cfg.Validation); err != nil {
		return nil, err
	}
	return rt, nil
}

func tickConfig(cfg *config.Config) tick.Config {
	timeout := cfg.Tick.ExecutorTimeout
	if cfg.Executor.Timeout > 0 {
		timeout = cfg.Executor.Timeout
	}
	return tick.Config{
		ExecutorTimeout: timeout,
		QuiescenceTicks: cfg.Tick.QuiescenceTicks,
		StuckThreshold:  cfg.Tick.StuckThreshold,
		MaxIterations:   cfg.Flow.MaxIterations,
		MaxPendingTicks: cfg.Tick.MaxPendingTicks,
		Thresholds:      cfg.Thresholds(),
	}
}

// execLimit maps a configured rate to a limiter limit; zero means unthrottled.
func execLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func (rt *runtime) applyRate(perSecond float64, burst int) {
	rt.limiter.SetLimit(execLimit(perSecond))
	rt.limiter.SetBurst(max(burst, 1))
}

// applyValidation seats a new panel. With no raters configured review is
// switched off.
func (rt *runtime) applyValidation(vc config.ValidationConfig) error {
	panel, err := executor.BuildPanel(vc, rt.client)
	if err != nil {
		return fmt.Errorf("init validation panel: %w", err)
	}
	if panel == nil {
		rt.orch.SetReviewer(nil)
		return nil
	}
	rt.orch.SetReviewer(panel)
	return nil
}

// resume restores the tick counter and re-admits work that was still
// pending when the last run stopped. Work that cannot be re-admitted is
// marked failed. Call it before attach so re-admission
// is not logged as new work.
func (rt *runtime) resume(db *store.Store) error {
	last, err := db.LastTick()
	if err != nil {
		return err
	}
	rt.grid.SetTick(last)

	pending, interrupted, err := db.LoadResumable()
	if err != nil {
		return fmt.Errorf("load resumable work: %w", err)
	}
	sched := rt.grid.Scheduler()
	readmitted, dropped := 0, 0
	for i := range pending {
		it := pending[i]
		if err := sched.Admit(it.Queue, &it); err != nil {
			slog.Warn("could not re-admit item", "id", it.ID, "queue", it.Queue, "error", err)
			if err := db.FailItem(&pending[i], "not re-admitted: "+err.Error()); err != nil {
				return err
			}
			dropped++
			continue
		}
		readmitted++
	}
	if last > 0 || len(pending) > 0 || interrupted > 0 {
		slog.Info("resumed from store", "tick", last, "readmitted", readmitted,
			"dropped", dropped, "interrupted", interrupted)
	}
	return nil
}

// attach persists every item change, tick, and verdict, records metrics,
// and publishes events on the bus when one is connected.
func (rt *runtime) attach(db *store.Store, m *telemetry.Metrics) {
	rt.grid.Scheduler().Arena().Observe(func(c work.Change) {
		it := c.Item
		if err := db.SaveItem(&it); err != nil {
			slog.Error("persist item failed", "id", it.ID, "error", err)
			return
		}
		if c.From == it.Status {
			return
		}
		ev := &store.ItemEvent{
			ItemID: it.ID,
			From:   c.From,
			To:     it.Status,
			Queue:  it.Queue,
			Tick:   rt.grid.Tick(),
			Note:   it.FailureReason,
		}
		if err := db.AppendEvent(ev); err != nil {
			slog.Error("append item event failed", "id", it.ID, "error", err)
		}
		rt.publish(natsbus.TopicEventsItem(string(it.Status)), "item_"+string(it.Status), ev)
	})

	rt.orch.OnTick(func(ctx context.Context, r tick.Result) {
		rec, err := tickRecord(r)
		if err != nil {
			slog.Error("encode tick detail failed", "tick", r.Tick, "error", err)
		}
		if err := db.RecordTick(rec); err != nil {
			slog.Error("record tick failed", "tick", r.Tick, "error", err)
		}
		m.RecordTick(ctx, r)
		rt.publish(natsbus.TopicEventsTick, "tick_completed", rec)
	})

	rt.orch.OnVerdict(func(it work.Item, res validation.Result) {
		v, err := verdictRecord(it.ID, res)
		if err != nil {
			slog.Error("encode verdict scores failed", "id", it.ID, "error", err)
		}
		if err := db.RecordVerdict(v); err != nil {
			slog.Error("record verdict failed", "id", it.ID, "error", err)
		}
		m.RecordVerdict(context.Background(), res)
		rt.publish(natsbus.TopicEventsVerdict, "verdict", v)
	})
}

func (rt *runtime) publish(topic, typ string, payload any) {
	if rt.client == nil {
		return
	}
	if err := rt.client.PublishJSON(topic, web.NewEvent(typ, payload)); err != nil {
		slog.Warn("publish event failed", "topic", topic, "error", err)
	}
}

// tickDetail is the part of a tick result kept as JSON next to the counters.
type tickDetail struct {
	Invalid   int                        `json:"invalid,omitempty"`
	Moved     int                        `json:"moved,omitempty"`
	Pending   int                        `json:"pending,omitempty"`
	Changed   bool                       `json:"changed"`
	Perturbed *grid.Coord                `json:"perturbed,omitempty"`
	Verdicts  map[validation.Verdict]int `json:"verdicts,omitempty"`
	Signals   map[rules.Signal]int       `json:"signals,omitempty"`
	Cells     []tick.CellAction          `json:"cells,omitempty"`
}

// tickRecord always returns a record; a detail encoding error leaves the
// detail empty.
func tickRecord(r tick.Result) (*store.TickRecord, error) {
	rec := &store.TickRecord{
		Tick:      r.Tick,
		StartedAt: r.Started,
		Elapsed:   r.Elapsed,
		Actions:   r.Actions,
		ExecCalls: r.ExecCalls,
		Emitted:   r.Emitted,
		Delivered: r.Delivered,
		Rejected:  r.Rejected,
		Failed:    r.Failed,
		Completed: r.Completed,
		Rework:    r.Rework,
		Stuck:     r.Stuck,
		Quiescent: r.Quiescent,
	}
	detail, err := json.Marshal(tickDetail{
		Invalid:   r.Invalid,
		Moved:     r.Moved,
		Pending:   r.Pending,
		Changed:   r.Changed,
		Perturbed: r.Perturbed,
		Verdicts:  r.Verdicts,
		Signals:   r.Signals,
		Cells:     r.Cells,
	})
	if err != nil {
		return rec, err
	}
	rec.Detail = detail
	return rec, nil
}

func verdictRecord(itemID string, res validation.Result) (*store.Verdict, error) {
	v := &store.Verdict{
		ItemID:     itemID,
		Verdict:    string(res.Verdict),
		Mean:       res.Mean,
		VetoedBy:   strings.Join(res.VetoedBy, ","),
		Incomplete: res.Incomplete,
	}
	scores, err := json.Marshal(res.Scores)
	if err != nil {
		return v, err
	}
	v.Scores = scores
	return v, nil
}

// needsBus reports whether the configuration talks to remote executors or
// raters.
func needsBus(cfg *config.Config) bool {
	if cfg.Executor.Mode == "nats" {
		return true
	}
	for _, r := range cfg.Validation.Raters {
		if r.Mode == "nats" {
			return true
		}
	}
	return false
}

// connect embeds a NATS server, or dials cfg.URL when one is set. The
// returned close func releases both.
func connect(cfg config.NATSConfig) (*natsbus.Client, func(), error) {
	if cfg.URL != "" {
		client, err := natsbus.NewClientFromURL(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
		}
		return client, client.Close, nil
	}
	bus, err := natsbus.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init nats: %w", err)
	}
	client, err := natsbus.NewClient(bus)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	slog.Info("nats started", "port", bus.Port())
	return client, func() {
		client.Close()
		bus.Close()
	}, nil
}
