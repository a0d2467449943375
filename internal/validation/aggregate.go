// Package validation combines rater scores into an approve, iterate or veto
// verdict. The verdict is always derived from the scores it carries, so a
// stored Result can be recomputed.
package validation

import (
	"fmt"

	"github.com/mtzanidakis/gridflow/internal/work"
)

type Verdict string

const (
	Approve Verdict = "APPROVE"
	Iterate Verdict = "ITERATE"
	Veto    Verdict = "VETO"
)

type Score struct {
	RaterID      string  `json:"rater_id"`
	Aspect       string  `json:"aspect,omitempty"`
	AspectWeight float64 `json:"aspect_weight"`
	Strictness   float64 `json:"strictness"`
	RawScore     float64 `json:"raw_score"`
	// Veto marks a rater whose low score blocks release on its own.
	Veto bool `json:"veto,omitempty"`
}

func (s Score) Validate() error {
	if !(s.AspectWeight > 0 && s.AspectWeight <= 1) {
		return fmt.Errorf("rater %s: aspect_weight must be in (0, 1], got %v", s.RaterID, s.AspectWeight)
	}
	if !(s.Strictness >= 0 && s.Strictness <= 1) {
		return fmt.Errorf("rater %s: strictness must be in [0, 1], got %v", s.RaterID, s.Strictness)
	}
	if !(s.RawScore >= 0 && s.RawScore <= 1) {
		return fmt.Errorf("rater %s: raw_score must be in [0, 1], got %v", s.RaterID, s.RawScore)
	}
	return nil
}

type Policy struct {
	ApprovalThreshold float64 `yaml:"approval_threshold" json:"approval_threshold"`
	VetoThreshold     float64 `yaml:"veto_threshold" json:"veto_threshold"`
	MinRaters         int     `yaml:"min_raters" json:"min_raters"`
	// WeightByStrictness multiplies each aspect weight by the rater's
	// strictness when averaging.
	WeightByStrictness bool `yaml:"weight_by_strictness" json:"weight_by_strictness"`
}

func DefaultPolicy() Policy {
	return Policy{ApprovalThreshold: 0.75, VetoThreshold: 0.5, MinRaters: 1}
}

func (p Policy) Validate() error {
	if !(p.ApprovalThreshold >= 0 && p.ApprovalThreshold <= 1) {
		return fmt.Errorf("approval_threshold must be in [0, 1], got %v", p.ApprovalThreshold)
	}
	if !(p.VetoThreshold >= 0 && p.VetoThreshold <= 1) {
		return fmt.Errorf("veto_threshold must be in [0, 1], got %v", p.VetoThreshold)
	}
	if p.MinRaters < 0 {
		return fmt.Errorf("min_raters must be >= 0, got %d", p.MinRaters)
	}
	return nil
}

type Result struct {
	Verdict  Verdict  `json:"verdict"`
	Mean     float64  `json:"mean"`
	VetoedBy []string `json:"vetoed_by,omitempty"`
	// Incomplete is set when fewer valid scores than MinRaters arrived.
	Incomplete bool    `json:"incomplete,omitempty"`
	Scores     []Score `json:"scores"`
	// Rejected lists raters whose scores were out of range or absent.
	Rejected []string `json:"rejected,omitempty"`
	Err      error    `json:"-"`
}

// Reason is a one-line description suitable for a lineage note.
func (r Result) Reason() string {
	switch {
	case r.Verdict == Veto:
		return fmt.Sprintf("vetoed by %v (mean %.3f)", r.VetoedBy, r.Mean)
	case r.Incomplete:
		return fmt.Sprintf("incomplete review: %d scores", len(r.Scores))
	default:
		return fmt.Sprintf("%s (mean %.3f)", r.Verdict, r.Mean)
	}
}

// Aggregate derives a verdict. Out-of-range scores are dropped and listed in
// Rejected. A veto-holding score below VetoThreshold yields VETO whatever the
// mean; otherwise APPROVE needs the weighted mean at or above
// ApprovalThreshold and at least MinRaters valid scores.
func Aggregate(scores []Score, p Policy) Result {
	var res Result
	var sum, weights float64
	for _, s := range scores {
		if err := s.Validate(); err != nil {
			res.Rejected = append(res.Rejected, s.RaterID)
			continue
		}
		res.Scores = append(res.Scores, s)
		w := s.AspectWeight
		if p.WeightByStrictness {
			w *= s.Strictness
		}
		sum += w * s.RawScore
		weights += w
		if s.Veto && s.RawScore < p.VetoThreshold {
			res.VetoedBy = append(res.VetoedBy, s.RaterID)
		}
	}
	if weights > 0 {
		res.Mean = sum / weights
	}

	switch {
	case len(res.VetoedBy) > 0:
		res.Verdict = Veto
	case len(res.Scores) < p.MinRaters || len(res.Scores) == 0:
		res.Verdict = Iterate
		res.Incomplete = true
		res.Err = fmt.Errorf("%w: %d of %d raters", work.ErrAggregationIncomplete, len(res.Scores), p.MinRaters)
	case res.Mean >= p.ApprovalThreshold:
		res.Verdict = Approve
	default:
		res.Verdict = Iterate
	}
	return res
}
