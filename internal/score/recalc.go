package score

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearframe/risk-engine/internal/model"
	"github.com/clearframe/risk-engine/internal/store"
)

// Recalculator recomputes a risk's aggregate effectiveness and residual
// score from its control links, persisting the change and appending a
// history snapshot when anything moved.
type Recalculator struct {
	store store.Store
}

// NewRecalculator creates a Recalculator backed by the given store.
func NewRecalculator(s store.Store) *Recalculator {
	return &Recalculator{store: s}
}

// Result reports the outcome of one recalculation.
type Result struct {
	RiskID        string `json:"risk_id"`
	Effectiveness int    `json:"effectiveness"`
	ResidualScore int    `json:"residual_score"`
	Changed       bool   `json:"changed"`
}

// Recalculate reloads the risk's control links, aggregates their
// effectiveness and recomputes the residual score. When either value
// differs from the risk's last known state the risk is updated and a
// snapshot with source control_change is appended. An unchanged risk is
// a no-op: no write, no history row.
func (r *Recalculator) Recalculate(ctx context.Context, riskID string) (*Result, error) {
	risk, err := r.store.GetRisk(ctx, riskID)
	if err != nil {
		return nil, eris.Wrapf(err, "score: get risk %s", riskID)
	}

	links, err := r.store.FindRiskControls(ctx, riskID)
	if err != nil {
		return nil, eris.Wrapf(err, "score: load controls for risk %s", riskID)
	}

	effectiveness := AggregateEffectiveness(links)
	residual, err := ResidualScore(risk.InherentScore, effectiveness)
	if err != nil {
		return nil, eris.Wrapf(err, "score: residual for risk %s", riskID)
	}

	res := &Result{
		RiskID:        riskID,
		Effectiveness: effectiveness,
		ResidualScore: residual,
	}

	if effectiveness == risk.ControlEffectiveness && residual == risk.ResidualScore {
		return res, nil
	}
	res.Changed = true

	if err := r.store.UpdateRiskScores(ctx, riskID, effectiveness, residual); err != nil {
		return nil, eris.Wrapf(err, "score: update risk %s", riskID)
	}

	entry := model.ScoreHistory{
		ID:                   uuid.New().String(),
		RiskID:               riskID,
		Likelihood:           risk.Likelihood,
		Impact:               risk.Impact,
		InherentScore:        risk.InherentScore,
		ResidualScore:        residual,
		TargetScore:          risk.TargetScore,
		ControlEffectiveness: effectiveness,
		Source:               model.SourceControlChange,
		RecordedAt:           time.Now().UTC(),
	}
	if err := r.store.AppendScoreHistory(ctx, entry); err != nil {
		return nil, eris.Wrapf(err, "score: append history for risk %s", riskID)
	}

	zap.L().Info("score: recalculated risk",
		zap.String("risk_id", riskID),
		zap.Int("effectiveness", effectiveness),
		zap.Int("residual", residual),
		zap.Int("controls", len(links)),
	)

	return res, nil
}
