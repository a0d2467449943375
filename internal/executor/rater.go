package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/natsbus"
	"github.com/mtzanidakis/gridflow/internal/validation"
)

type RaterRequest struct {
	Artifact   json.RawMessage `json:"artifact"`
	Aspect     string          `json:"aspect"`
	Strictness float64         `json:"strictness"`
}

type RaterReply struct {
	Score float64 `json:"score"`
	OK    bool    `json:"ok"`
	Error string  `json:"error,omitempty"`
}

// RemoteRater asks a rater process over NATS.
type RemoteRater struct {
	client *natsbus.Client
	topic  string
}

func NewRemoteRater(client *natsbus.Client, topic string) *RemoteRater {
	return &RemoteRater{client: client, topic: topic}
}

func (r *RemoteRater) Score(ctx context.Context, artifact json.RawMessage, aspect string, strictness float64) (float64, bool, error) {
	var reply RaterReply
	req := RaterRequest{Artifact: artifact, Aspect: aspect, Strictness: strictness}
	if err := r.client.RequestJSON(ctx, r.topic, req, &reply); err != nil {
		return 0, false, err
	}
	if reply.Error != "" {
		return 0, false, fmt.Errorf("rater on %s: %s", r.topic, reply.Error)
	}
	return reply.Score, reply.OK, nil
}

// ServeRater answers RemoteRater requests on topic with a local rater.
func ServeRater(client *natsbus.Client, topic string, rater validation.Rater) (*nats.Subscription, error) {
	sub, err := client.Subscribe(topic, func(msg *nats.Msg) {
		var req RaterRequest
		var reply RaterReply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = fmt.Sprintf("decode request: %v", err)
		} else {
			score, ok, err := rater.Score(context.Background(), req.Artifact, req.Aspect, req.Strictness)
			if err != nil {
				reply.Error = err.Error()
			} else {
				reply.Score, reply.OK = score, ok
			}
		}
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			slog.Error("respond to rater request", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// BuildPanel seats the configured raters. It returns nil when no raters
// are configured, which leaves review disabled.
func BuildPanel(cfg config.ValidationConfig, client *natsbus.Client) (*validation.Panel, error) {
	if len(cfg.Raters) == 0 {
		return nil, nil
	}
	seats := make([]validation.Seat, 0, len(cfg.Raters))
	for _, rc := range cfg.Raters {
		seat := validation.Seat{
			ID:         rc.ID,
			Aspect:     rc.Aspect,
			Weight:     rc.Weight,
			Strictness: rc.Strictness,
			Veto:       rc.Veto,
		}
		switch rc.Mode {
		case "", "artifact":
			seat.Rater = validation.ArtifactRater{}
		case "nats":
			if client == nil {
				return nil, fmt.Errorf("rater %s: mode nats requires a nats connection", rc.ID)
			}
			topic := rc.Subject
			if topic == "" {
				topic = natsbus.TopicRater(rc.ID)
			}
			seat.Rater = NewRemoteRater(client, topic)
		default:
			return nil, fmt.Errorf("rater %s: unknown mode %q", rc.ID, rc.Mode)
		}
		seats = append(seats, seat)
	}
	return validation.NewPanel(cfg.Policy, cfg.Timeout, seats...)
}
