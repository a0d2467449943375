package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Rater scores one aspect of an artifact. ok=false means the rater could not
// produce a score, which is distinct from a low score.
type Rater interface {
	Score(ctx context.Context, artifact json.RawMessage, aspect string, strictness float64) (float64, bool, error)
}

type RaterFunc func(ctx context.Context, artifact json.RawMessage, aspect string, strictness float64) (float64, bool, error)

func (f RaterFunc) Score(ctx context.Context, artifact json.RawMessage, aspect string, strictness float64) (float64, bool, error) {
	return f(ctx, artifact, aspect, strictness)
}

// Seat binds a rater to its aspect, weight and authority on a panel.
type Seat struct {
	ID         string
	Aspect     string
	Weight     float64
	Strictness float64
	Veto       bool
	Rater      Rater
}

// Panel asks every seated rater concurrently and aggregates what comes back.
type Panel struct {
	seats   []Seat
	policy  Policy
	timeout time.Duration
}

func NewPanel(policy Policy, timeout time.Duration, seats ...Seat) (*Panel, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid validation policy: %w", err)
	}
	seen := make(map[string]bool, len(seats))
	for _, s := range seats {
		if s.ID == "" || s.Rater == nil {
			return nil, errors.New("panel seat requires an id and a rater")
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate rater %q", s.ID)
		}
		seen[s.ID] = true
	}
	return &Panel{seats: seats, policy: policy, timeout: timeout}, nil
}

func (p *Panel) Policy() Policy { return p.policy }
func (p *Panel) Len() int       { return len(p.seats) }

// Review collects scores for the artifact and returns the aggregated result.
// Raters that fail or abstain are listed in Rejected.
func (p *Panel) Review(ctx context.Context, artifact json.RawMessage) Result {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	type answer struct {
		score Score
		ok    bool
	}
	answers := make([]answer, len(p.seats))

	var wg sync.WaitGroup
	for i, seat := range p.seats {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, ok, err := seat.Rater.Score(ctx, artifact, seat.Aspect, seat.Strictness)
			if err != nil {
				slog.Warn("rater failed", "rater", seat.ID, "aspect", seat.Aspect, "error", err)
				return
			}
			answers[i] = answer{
				ok: ok,
				score: Score{
					RaterID:      seat.ID,
					Aspect:       seat.Aspect,
					AspectWeight: seat.Weight,
					Strictness:   seat.Strictness,
					RawScore:     raw,
					Veto:         seat.Veto,
				},
			}
		}()
	}
	wg.Wait()

	var scores []Score
	var absent []string
	for i, a := range answers {
		if !a.ok {
			absent = append(absent, p.seats[i].ID)
			continue
		}
		scores = append(scores, a.score)
	}

	res := Aggregate(scores, p.policy)
	res.Rejected = append(absent, res.Rejected...)
	return res
}

// ArtifactRater reads a self-reported score from the artifact JSON: first
// scores.<aspect>, then score. Values above 1 are treated as percentages.
type ArtifactRater struct{}

func (ArtifactRater) Score(_ context.Context, artifact json.RawMessage, aspect string, _ float64) (float64, bool, error) {
	if len(artifact) == 0 {
		return 0, false, nil
	}
	var doc struct {
		Score  *float64           `json:"score"`
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.Unmarshal(artifact, &doc); err != nil {
		// Not an object: nothing to read, not a failure.
		return 0, false, nil
	}

	var v float64
	switch s, ok := doc.Scores[aspect]; {
	case ok:
		v = s
	case doc.Score != nil:
		v = *doc.Score
	default:
		return 0, false, nil
	}
	if v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, false, fmt.Errorf("score %v out of range", v)
	}
	return v, true, nil
}
