// Package score implements the deterministic risk scoring model:
// inherent and residual score computation plus aggregation of per-control
// effectiveness into the single percentage the model consumes.
package score

import (
	"github.com/clearframe/risk-engine/internal/model"
)

const (
	// MinRating and MaxRating bound likelihood and impact.
	MinRating = 1
	MaxRating = 5

	// MaxEffectiveness is the upper bound of a control effectiveness
	// percentage.
	MaxEffectiveness = 100
)

// InherentScore returns likelihood * impact, range 1-25. Both inputs must
// be in [1,5].
func InherentScore(likelihood, impact int) (int, error) {
	if likelihood < MinRating || likelihood > MaxRating {
		return 0, model.NewValidationError("likelihood", "must be between %d and %d, got %d", MinRating, MaxRating, likelihood)
	}
	if impact < MinRating || impact > MaxRating {
		return 0, model.NewValidationError("impact", "must be between %d and %d, got %d", MinRating, MaxRating, impact)
	}
	return likelihood * impact, nil
}

// ResidualScore reduces the inherent score by the effectiveness
// percentage, rounding half up, clamped to [0, inherent]. Effectiveness
// must be in [0,100]. Pure integer arithmetic keeps the result identical
// across calls, which the history diffing depends on.
func ResidualScore(inherent, effectiveness int) (int, error) {
	if effectiveness < 0 || effectiveness > MaxEffectiveness {
		return 0, model.NewValidationError("effectiveness", "must be between 0 and %d, got %d", MaxEffectiveness, effectiveness)
	}
	residual := (inherent*(MaxEffectiveness-effectiveness) + 50) / 100
	if residual < 0 {
		residual = 0
	}
	if residual > inherent {
		residual = inherent
	}
	return residual, nil
}

// AggregateEffectiveness reduces the control links of one risk to a
// single percentage: zero links mean zero reduction, otherwise the mean
// of the individual values rounded half up and clamped to [0,100].
func AggregateEffectiveness(links []model.RiskControl) int {
	if len(links) == 0 {
		return 0
	}
	sum := 0
	for _, l := range links {
		sum += l.Effectiveness
	}
	n := len(links)
	mean := (2*sum + n) / (2 * n)
	if mean < 0 {
		return 0
	}
	if mean > MaxEffectiveness {
		return MaxEffectiveness
	}
	return mean
}
