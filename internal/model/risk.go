// Package model defines the domain types shared by the scoring, velocity,
// heatmap and gap-analysis engines, plus the error taxonomy they return.
package model

import "time"

// RiskCategory is the enumerated risk taxonomy.
type RiskCategory string

const (
	CategoryBias         RiskCategory = "bias"
	CategoryPrivacy      RiskCategory = "privacy"
	CategorySecurity     RiskCategory = "security"
	CategorySafety       RiskCategory = "safety"
	CategoryTransparency RiskCategory = "transparency"
	CategoryOperational  RiskCategory = "operational"
	CategoryCompliance   RiskCategory = "compliance"
)

// TreatmentStatus is the risk treatment workflow state.
type TreatmentStatus string

const (
	TreatmentIdentified  TreatmentStatus = "identified"
	TreatmentMitigating  TreatmentStatus = "mitigating"
	TreatmentMitigated   TreatmentStatus = "mitigated"
	TreatmentAccepted    TreatmentStatus = "accepted"
	TreatmentTransferred TreatmentStatus = "transferred"
	TreatmentClosed      TreatmentStatus = "closed"
)

// Risk is a scored risk belonging to one assessment.
//
// Invariants: Likelihood and Impact are in [1,5], InherentScore is their
// product, ResidualScore is in [0, InherentScore] and
// ControlEffectiveness is in [0,100]. Every mutation of the scoring
// attributes appends a ScoreHistory row; old rows are never touched.
type Risk struct {
	ID                   string          `json:"id"`
	OrganizationID       string          `json:"organization_id"`
	AssessmentID         string          `json:"assessment_id"`
	Title                string          `json:"title"`
	Category             RiskCategory    `json:"category"`
	TreatmentStatus      TreatmentStatus `json:"treatment_status"`
	Likelihood           int             `json:"likelihood"`
	Impact               int             `json:"impact"`
	InherentScore        int             `json:"inherent_score"`
	ResidualScore        int             `json:"residual_score"`
	TargetScore          int             `json:"target_score"`
	ControlEffectiveness int             `json:"control_effectiveness"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// RiskControl links a risk to a control with a pairing-specific
// effectiveness percentage in [0,100].
type RiskControl struct {
	ID            string `json:"id"`
	RiskID        string `json:"risk_id"`
	ControlID     string `json:"control_id"`
	Effectiveness int    `json:"effectiveness"`
}

// HistorySource tags why a score snapshot was recorded.
type HistorySource string

const (
	SourceInitial       HistorySource = "initial"
	SourceControlChange HistorySource = "control_change"
	SourceManualEdit    HistorySource = "manual_edit"
	SourceReassessment  HistorySource = "reassessment"
)

// ScoreHistory is one immutable snapshot of a risk's scoring attributes.
// Rows for a risk are strictly non-decreasing in RecordedAt and are
// never updated or deleted.
type ScoreHistory struct {
	ID                   string        `json:"id"`
	RiskID               string        `json:"risk_id"`
	Likelihood           int           `json:"likelihood"`
	Impact               int           `json:"impact"`
	InherentScore        int           `json:"inherent_score"`
	ResidualScore        int           `json:"residual_score"`
	TargetScore          int           `json:"target_score"`
	ControlEffectiveness int           `json:"control_effectiveness"`
	Source               HistorySource `json:"source"`
	Note                 string        `json:"note,omitempty"`
	RecordedAt           time.Time     `json:"recorded_at"`
}

// Trend classifies the direction of residual score movement.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendWorsening Trend = "worsening"
	TrendStable    Trend = "stable"
)
