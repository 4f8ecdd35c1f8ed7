// Package store defines the persistence contract consumed by the scoring
// engines and its Postgres and SQLite implementations. Score history is
// append-only: the store exposes an insert and ordered reads, never an
// update or delete.
package store

import (
	"context"
	"time"

	"github.com/clearframe/risk-engine/internal/model"
)

// maxHistoryLimit caps a single history read. Requests above the cap are
// clamped, not rejected, to keep reads bounded.
const maxHistoryLimit = 100

// RiskFilter specifies criteria for listing risks.
type RiskFilter struct {
	OrganizationID  string                `json:"organization_id,omitempty"`
	AssessmentID    string                `json:"assessment_id,omitempty"`
	Category        model.RiskCategory    `json:"category,omitempty"`
	TreatmentStatus model.TreatmentStatus `json:"treatment_status,omitempty"`
	Limit           int                   `json:"limit,omitempty"`
}

// HistoryWindow bounds a score history read. From and To are inclusive;
// nil means unbounded on that side. Limit defaults to 100 and is capped
// at 100.
type HistoryWindow struct {
	From  *time.Time `json:"from,omitempty"`
	To    *time.Time `json:"to,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

// EffectiveLimit returns the limit with the default and cap applied.
func (w HistoryWindow) EffectiveLimit() int {
	if w.Limit <= 0 || w.Limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return w.Limit
}

// Store is the persistence interface required by the engine packages.
// Implementations serialize history appends per risk; the engine relies
// on that guarantee rather than supplying its own locking.
type Store interface {
	// Risks
	GetRisk(ctx context.Context, riskID string) (*model.Risk, error)
	FindRisks(ctx context.Context, filter RiskFilter) ([]model.Risk, error)
	FindRiskControls(ctx context.Context, riskID string) ([]model.RiskControl, error)
	FindRiskControlsByControls(ctx context.Context, controlIDs []string) ([]model.RiskControl, error)
	UpdateRiskScores(ctx context.Context, riskID string, effectiveness, residual int) error

	// Score history ledger (append-only)
	AppendScoreHistory(ctx context.Context, entry model.ScoreHistory) error
	ReadScoreHistory(ctx context.Context, riskID string, window HistoryWindow) ([]model.ScoreHistory, error)
	ReadScoreHistoryBatch(ctx context.Context, riskIDs []string, window HistoryWindow) (map[string][]model.ScoreHistory, error)

	// Framework catalog
	FindFrameworks(ctx context.Context, ids []string) ([]model.Framework, error)
	FindControls(ctx context.Context, frameworkIDs []string) ([]model.Control, error)
	FindControlMappings(ctx context.Context, controlIDs []string) ([]model.ControlMapping, error)
	FindAssessments(ctx context.Context, frameworkIDs []string, organizationID string) ([]model.Assessment, error)
	FindEvidence(ctx context.Context, controlIDs []string) ([]model.Evidence, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
