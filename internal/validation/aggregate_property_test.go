package validation

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func genScore() gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(0.01, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Bool(),
	).Map(func(v []any) Score {
		return Score{
			RaterID:      "r",
			AspectWeight: v[0].(float64),
			Strictness:   v[1].(float64),
			RawScore:     v[2].(float64),
			Veto:         v[3].(bool),
		}
	})
}

func TestAggregateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)
	policy := Policy{ApprovalThreshold: 0.75, VetoThreshold: 0.5, MinRaters: 1}

	properties.Property("mean stays within the score range", prop.ForAll(
		func(scores []Score) bool {
			res := Aggregate(scores, policy)
			lo, hi := 1.0, 0.0
			for _, s := range scores {
				lo = min(lo, s.RawScore)
				hi = max(hi, s.RawScore)
			}
			return res.Mean >= lo-1e-9 && res.Mean <= hi+1e-9
		},
		gen.SliceOfN(6, genScore()),
	))

	properties.Property("a low veto score always vetoes", prop.ForAll(
		func(scores []Score) bool {
			vetoed := false
			for _, s := range scores {
				if s.Veto && s.RawScore < policy.VetoThreshold {
					vetoed = true
				}
			}
			return (Aggregate(scores, policy).Verdict == Veto) == vetoed
		},
		gen.SliceOf(genScore()),
	))

	properties.Property("approval implies mean above threshold", prop.ForAll(
		func(scores []Score) bool {
			res := Aggregate(scores, policy)
			return res.Verdict != Approve || res.Mean >= policy.ApprovalThreshold
		},
		gen.SliceOf(genScore()),
	))

	properties.TestingRun(t)
}
