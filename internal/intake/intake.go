// Package intake admits work submitted from outside the grid, over NATS or
// the web API.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/gridflow/internal/grid"
	"github.com/mtzanidakis/gridflow/internal/natsbus"
	"github.com/mtzanidakis/gridflow/internal/work"
)

// Submission is a request to admit one work item. Cell targets a single
// cell; otherwise the item is broadcast to every cell matching Role and
// Domain.
type Submission struct {
	Kind         string            `json:"kind"`
	Target       string            `json:"target,omitempty"`
	CostOfDelay  float64           `json:"cost_of_delay"`
	JobSize      float64           `json:"job_size"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	DeadlineTick int64             `json:"deadline_tick,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Cell         string            `json:"cell,omitempty"`
	Role         string            `json:"role,omitempty"`
	Domain       string            `json:"domain,omitempty"`
	Broadcast    bool              `json:"broadcast,omitempty"`
}

type Receipt struct {
	ID       string `json:"id,omitempty"`
	Admitted int    `json:"admitted"`
	Error    string `json:"error,omitempty"`
}

// Submit validates s and admits it into g.
func Submit(g *grid.Grid, s Submission) (Receipt, error) {
	if s.Kind == "" {
		return Receipt{}, fmt.Errorf("%w: missing kind", work.ErrInvalidWorkItem)
	}
	it, err := work.New(s.Kind, s.Target, s.CostOfDelay, s.JobSize, s.Payload)
	if err != nil {
		return Receipt{}, err
	}
	it.DeadlineTick = s.DeadlineTick
	it.Tags = s.Tags

	switch {
	case s.Cell != "":
		c, err := grid.ParseCoord(s.Cell)
		if err != nil {
			return Receipt{}, err
		}
		it.Source = "intake"
		if err := g.Inject(c, it); err != nil {
			return Receipt{}, err
		}
		return Receipt{ID: it.ID, Admitted: 1}, nil
	case s.Broadcast || s.Role != "" || s.Domain != "":
		n, err := g.InjectBroadcast(it, s.Role, s.Domain)
		if n == 0 {
			if err == nil {
				err = fmt.Errorf("no cell matches role %q domain %q", s.Role, s.Domain)
			}
			return Receipt{}, err
		}
		if err != nil {
			slog.Warn("broadcast partially admitted", "id", it.ID, "admitted", n, "error", err)
		}
		return Receipt{ID: it.ID, Admitted: n}, nil
	}
	return Receipt{}, errors.New("submission needs a cell or a broadcast target")
}

// Listener answers work.submit and control.tick requests on the bus.
type Listener struct {
	subs []*nats.Subscription
}

// Listen subscribes to the intake topics. trigger requests an immediate tick
// and may be nil.
func Listen(client *natsbus.Client, g *grid.Grid, trigger func() bool) (*Listener, error) {
	l := &Listener{}

	sub, err := client.Subscribe(natsbus.TopicWorkSubmit, func(msg *nats.Msg) {
		var s Submission
		var r Receipt
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			r.Error = fmt.Sprintf("decode submission: %v", err)
		} else if r, err = Submit(g, s); err != nil {
			r.Error = err.Error()
			slog.Warn("submission rejected", "kind", s.Kind, "cell", s.Cell, "error", err)
		} else {
			slog.Info("work submitted", "id", r.ID, "kind", s.Kind, "admitted", r.Admitted)
		}
		respond(msg, r)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", natsbus.TopicWorkSubmit, err)
	}
	l.subs = append(l.subs, sub)

	sub, err = client.Subscribe(natsbus.TopicTickTrigger, func(msg *nats.Msg) {
		accepted := false
		if trigger != nil {
			accepted = trigger()
		}
		respond(msg, map[string]bool{"accepted": accepted})
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("subscribe %s: %w", natsbus.TopicTickTrigger, err)
	}
	l.subs = append(l.subs, sub)
	return l, nil
}

func respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("respond to intake request", "subject", msg.Subject, "error", err)
	}
}

func (l *Listener) Close() {
	for _, s := range l.subs {
		_ = s.Unsubscribe()
	}
	l.subs = nil
}

// SubmitRemote sends s to a running gridflow over the bus.
func SubmitRemote(ctx context.Context, client *natsbus.Client, s Submission) (Receipt, error) {
	var r Receipt
	if err := client.RequestJSON(ctx, natsbus.TopicWorkSubmit, s, &r); err != nil {
		return r, err
	}
	if r.Error != "" {
		return r, errors.New(r.Error)
	}
	return r, nil
}

// TriggerRemote asks a running gridflow for an immediate tick.
func TriggerRemote(ctx context.Context, client *natsbus.Client) (bool, error) {
	var reply struct {
		Accepted bool `json:"accepted"`
	}
	if err := client.RequestJSON(ctx, natsbus.TopicTickTrigger, struct{}{}, &reply); err != nil {
		return false, err
	}
	return reply.Accepted, nil
}
