// Package velocity derives trend and rate-of-change signals from the
// append-only score history ledger, for single risks and batches.
package velocity

import (
	"github.com/clearframe/risk-engine/internal/model"
)

// Velocity is the rate and direction of score change over a history
// window.
type Velocity struct {
	InherentChange int         `json:"inherent_change"`
	ResidualChange int         `json:"residual_change"`
	Trend          model.Trend `json:"trend"`
	PeriodDays     int         `json:"period_days"`
}

// Compute derives the velocity of one risk from its history, ordered
// ascending by recorded time. Fewer than two points means no trend is
// determinable and Compute returns nil; that is not an error.
func Compute(history []model.ScoreHistory) *Velocity {
	if len(history) < 2 {
		return nil
	}

	earliest := history[0]
	latest := history[len(history)-1]

	residualChange := latest.ResidualScore - earliest.ResidualScore
	trend := model.TrendStable
	switch {
	case residualChange < 0:
		trend = model.TrendImproving
	case residualChange > 0:
		trend = model.TrendWorsening
	}

	return &Velocity{
		InherentChange: latest.InherentScore - earliest.InherentScore,
		ResidualChange: residualChange,
		Trend:          trend,
		PeriodDays:     int(latest.RecordedAt.Sub(earliest.RecordedAt).Hours() / 24),
	}
}
