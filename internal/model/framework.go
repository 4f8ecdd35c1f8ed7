package model

import "time"

// Framework is a catalog of controls (e.g. an AI governance standard).
type Framework struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// Control is one requirement in a framework's catalog. ParentID carries
// the hierarchical numbering; SortOrder is the catalog display order.
type Control struct {
	ID          string `json:"id"`
	FrameworkID string `json:"framework_id"`
	ParentID    string `json:"parent_id,omitempty"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	SortOrder   int    `json:"sort_order"`
}

// ControlMapping declares equivalence between a control in one framework
// and a control in another. Direction matters for gap silencing: coverage
// of SourceControlID silences a gap on TargetControlID.
type ControlMapping struct {
	ID              string `json:"id"`
	SourceControlID string `json:"source_control_id"`
	TargetControlID string `json:"target_control_id"`
	Bidirectional   bool   `json:"bidirectional"`
}

// AssessmentStatus is the assessment lifecycle state.
type AssessmentStatus string

const (
	AssessmentDraft      AssessmentStatus = "draft"
	AssessmentInProgress AssessmentStatus = "in_progress"
	AssessmentApproved   AssessmentStatus = "approved"
	AssessmentCompleted  AssessmentStatus = "completed"
	AssessmentCancelled  AssessmentStatus = "cancelled"
)

// Counted reports whether the assessment contributes to a framework's
// coverage totals. Cancelled and draft assessments never count.
func (s AssessmentStatus) Counted() bool {
	switch s {
	case AssessmentInProgress, AssessmentApproved, AssessmentCompleted:
		return true
	default:
		return false
	}
}

// Assessment scopes a set of risks to one framework and one AI system.
type Assessment struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	FrameworkID    string           `json:"framework_id"`
	AISystemID     string           `json:"ai_system_id"`
	Status         AssessmentStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Evidence is a compliance artifact attached to a control. The engine
// counts evidence; it never inspects content.
type Evidence struct {
	ID         string    `json:"id"`
	ControlID  string    `json:"control_id"`
	Title      string    `json:"title,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}
