package store

import "github.com/clearframe/risk-engine/internal/model"

// scannable is satisfied by pgx and database/sql rows alike, so both
// backends share one set of row scanners.
type scannable interface {
	Scan(dest ...any) error
}

func scanRisk(row scannable) (*model.Risk, error) {
	var r model.Risk
	var category, treatment string
	err := row.Scan(
		&r.ID, &r.OrganizationID, &r.AssessmentID, &r.Title, &category,
		&treatment, &r.Likelihood, &r.Impact, &r.InherentScore,
		&r.ResidualScore, &r.TargetScore, &r.ControlEffectiveness,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Category = model.RiskCategory(category)
	r.TreatmentStatus = model.TreatmentStatus(treatment)
	return &r, nil
}

func scanRiskControl(row scannable) (*model.RiskControl, error) {
	var rc model.RiskControl
	if err := row.Scan(&rc.ID, &rc.RiskID, &rc.ControlID, &rc.Effectiveness); err != nil {
		return nil, err
	}
	return &rc, nil
}

func scanHistoryEntry(row scannable) (*model.ScoreHistory, error) {
	var h model.ScoreHistory
	var source string
	err := row.Scan(
		&h.ID, &h.RiskID, &h.Likelihood, &h.Impact, &h.InherentScore,
		&h.ResidualScore, &h.TargetScore, &h.ControlEffectiveness,
		&source, &h.Note, &h.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	h.Source = model.HistorySource(source)
	return &h, nil
}

func scanFramework(row scannable) (*model.Framework, error) {
	var f model.Framework
	if err := row.Scan(&f.ID, &f.Name, &f.Version, &f.Description); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanControl(row scannable) (*model.Control, error) {
	var c model.Control
	if err := row.Scan(&c.ID, &c.FrameworkID, &c.ParentID, &c.Code, &c.Title, &c.SortOrder); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanControlMapping(row scannable) (*model.ControlMapping, error) {
	var m model.ControlMapping
	if err := row.Scan(&m.ID, &m.SourceControlID, &m.TargetControlID, &m.Bidirectional); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanAssessment(row scannable) (*model.Assessment, error) {
	var a model.Assessment
	var status string
	if err := row.Scan(&a.ID, &a.OrganizationID, &a.FrameworkID, &a.AISystemID, &status, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = model.AssessmentStatus(status)
	return &a, nil
}

func scanEvidence(row scannable) (*model.Evidence, error) {
	var e model.Evidence
	if err := row.Scan(&e.ID, &e.ControlID, &e.Title, &e.UploadedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
