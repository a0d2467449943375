package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/gridflow/internal/natsbus"
	"github.com/mtzanidakis/gridflow/internal/rules"
	"github.com/mtzanidakis/gridflow/internal/tick"
	"github.com/mtzanidakis/gridflow/internal/work"
)

const defaultSubject = "exec"

// Remote sends each action to <subject>.<archetype> and waits for a worker
// to reply. The call is bounded by the context the orchestrator passes in.
type Remote struct {
	client  *natsbus.Client
	subject string
}

func NewRemote(client *natsbus.Client, subject string) *Remote {
	if subject == "" {
		subject = defaultSubject
	}
	return &Remote{client: client, subject: subject}
}

func (r *Remote) Execute(ctx context.Context, a rules.Action, item *work.Item, ec tick.ExecContext) (tick.Outcome, error) {
	var reply Reply
	topic := natsbus.TopicExec(r.subject, ec.Archetype)
	if err := r.client.RequestJSON(ctx, topic, Request{Action: a, Item: item, Context: ec}, &reply); err != nil {
		return tick.Outcome{}, err
	}
	if reply.Error != "" {
		return tick.Outcome{}, fmt.Errorf("worker on %s: %s", topic, reply.Error)
	}
	return reply.Outcome, nil
}

// Worker answers Remote requests with a local executor.
type Worker struct {
	client  *natsbus.Client
	exec    tick.Executor
	timeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
	wg   sync.WaitGroup
}

func NewWorker(client *natsbus.Client, exec tick.Executor, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Worker{client: client, exec: exec, timeout: timeout}
}

// Listen subscribes to the given archetypes under subject, or to every
// archetype when none are named.
func (w *Worker) Listen(subject string, archetypes ...string) error {
	if subject == "" {
		subject = defaultSubject
	}
	topics := []string{natsbus.TopicExec(subject, "*")}
	if len(archetypes) > 0 {
		topics = topics[:0]
		for _, a := range archetypes {
			topics = append(topics, natsbus.TopicExec(subject, a))
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, topic := range topics {
		sub, err := w.client.Subscribe(topic, func(msg *nats.Msg) {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.handle(msg)
			}()
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		w.subs = append(w.subs, sub)
		slog.Info("worker listening", "topic", topic)
	}
	return nil
}

func (w *Worker) handle(msg *nats.Msg) {
	var req Request
	var reply Reply
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply.Error = fmt.Sprintf("decode request: %v", err)
	} else {
		if req.Context.Archetype == "" {
			req.Context.Archetype = msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		out, err := w.exec.Execute(ctx, req.Action, req.Item, req.Context)
		cancel()
		if err != nil {
			reply.Error = err.Error()
			slog.Warn("worker action failed", "action", req.Action, "cell", req.Context.Coord.String(), "error", err)
		} else {
			reply.Outcome = out
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("marshal worker reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("respond to executor request", "subject", msg.Subject, "error", err)
	}
}

// Close unsubscribes and waits for in-flight requests to be answered.
func (w *Worker) Close() {
	w.mu.Lock()
	for _, sub := range w.subs {
		_ = sub.Unsubscribe()
	}
	w.subs = nil
	w.mu.Unlock()
	w.wg.Wait()
}
