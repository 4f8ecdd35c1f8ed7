package gaps

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clearframe/risk-engine/internal/model"
	"github.com/clearframe/risk-engine/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeStore serves in-memory fixtures to the engine.
type fakeStore struct {
	store.Store

	frameworks  []model.Framework
	controls    []model.Control
	mappings    []model.ControlMapping
	assessments []model.Assessment
	risks       []model.Risk
	links       []model.RiskControl
	evidence    []model.Evidence
}

func (f *fakeStore) FindFrameworks(ctx context.Context, ids []string) ([]model.Framework, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Framework
	for _, fw := range f.frameworks {
		if want[fw.ID] {
			out = append(out, fw)
		}
	}
	return out, nil
}

func (f *fakeStore) FindControls(ctx context.Context, frameworkIDs []string) ([]model.Control, error) {
	want := make(map[string]bool, len(frameworkIDs))
	for _, id := range frameworkIDs {
		want[id] = true
	}
	var out []model.Control
	for _, c := range f.controls {
		if want[c.FrameworkID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) FindControlMappings(ctx context.Context, controlIDs []string) ([]model.ControlMapping, error) {
	return f.mappings, nil
}

func (f *fakeStore) FindAssessments(ctx context.Context, frameworkIDs []string, organizationID string) ([]model.Assessment, error) {
	return f.assessments, nil
}

func (f *fakeStore) FindRisks(ctx context.Context, filter store.RiskFilter) ([]model.Risk, error) {
	return f.risks, nil
}

func (f *fakeStore) FindRiskControlsByControls(ctx context.Context, controlIDs []string) ([]model.RiskControl, error) {
	return f.links, nil
}

func (f *fakeStore) FindEvidence(ctx context.Context, controlIDs []string) ([]model.Evidence, error) {
	return f.evidence, nil
}

// fixture: two frameworks. fw-a has controls a1 (risk-covered),
// a2 (evidence-covered), a3 (bare). fw-b has b1 (bare, mapped from a1),
// b2 (bare, unmapped). fw-empty has no controls.
func fixture() *fakeStore {
	return &fakeStore{
		frameworks: []model.Framework{
			{ID: "fw-a", Name: "AI Act"},
			{ID: "fw-b", Name: "ISO 42001"},
			{ID: "fw-empty", Name: "Empty"},
		},
		controls: []model.Control{
			{ID: "a1", FrameworkID: "fw-a", Code: "AC-1", SortOrder: 1},
			{ID: "a2", FrameworkID: "fw-a", Code: "AC-2", SortOrder: 2},
			{ID: "a3", FrameworkID: "fw-a", Code: "AC-3", SortOrder: 3},
			{ID: "b1", FrameworkID: "fw-b", Code: "B-1", SortOrder: 1},
			{ID: "b2", FrameworkID: "fw-b", Code: "B-2", SortOrder: 2},
		},
		mappings: []model.ControlMapping{
			{ID: "m1", SourceControlID: "a1", TargetControlID: "b1"},
		},
		assessments: []model.Assessment{
			{ID: "as-1", OrganizationID: "org-1", FrameworkID: "fw-a", Status: model.AssessmentInProgress},
			{ID: "as-2", OrganizationID: "org-1", FrameworkID: "fw-a", Status: model.AssessmentCompleted},
			{ID: "as-3", OrganizationID: "org-1", FrameworkID: "fw-a", Status: model.AssessmentCancelled},
			{ID: "as-b", OrganizationID: "org-1", FrameworkID: "fw-b", Status: model.AssessmentApproved},
		},
		risks: []model.Risk{
			{ID: "r-1", AssessmentID: "as-1"},
			{ID: "r-2", AssessmentID: "as-2"},
		},
		links: []model.RiskControl{
			{RiskID: "r-1", ControlID: "a1", Effectiveness: 50},
			{RiskID: "r-2", ControlID: "a1", Effectiveness: 60},
			{RiskID: "r-1", ControlID: "a1", Effectiveness: 50}, // duplicate link, same risk
		},
		evidence: []model.Evidence{
			{ID: "ev-1", ControlID: "a2"},
			{ID: "ev-2", ControlID: "a2"},
			{ID: "ev-3", ControlID: "a2"},
		},
	}
}

func TestAnalyzeValidatesFrameworkCount(t *testing.T) {
	e := NewEngine(fixture())

	_, err := e.Analyze(context.Background(), "org-1", nil)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Contains(t, err.Error(), "between 1 and 10")

	eleven := make([]string, 11)
	for i := range eleven {
		eleven[i] = fmt.Sprintf("fw-%d", i)
	}
	_, err = e.Analyze(context.Background(), "org-1", eleven)
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.Contains(t, err.Error(), "between 1 and 10")
}

func TestAnalyzeRequiresOrganization(t *testing.T) {
	_, err := NewEngine(fixture()).Analyze(context.Background(), "", []string{"fw-a"})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
}

func TestAnalyzeUnknownFramework(t *testing.T) {
	_, err := NewEngine(fixture()).Analyze(context.Background(), "org-1", []string{"fw-a", "fw-missing"})
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.Contains(t, err.Error(), "fw-missing")
}

func TestAnalyzePreservesInputOrder(t *testing.T) {
	report, err := NewEngine(fixture()).Analyze(context.Background(), "org-1", []string{"fw-b", "fw-a"})
	require.NoError(t, err)
	require.Len(t, report.Frameworks, 2)
	assert.Equal(t, "fw-b", report.Frameworks[0].Framework.ID)
	assert.Equal(t, "fw-a", report.Frameworks[1].Framework.ID)
	assert.Equal(t, []string{"fw-b", "fw-a"}, report.Matrix.FrameworkIDs)
}

func TestAnalyzeCoverageAndGaps(t *testing.T) {
	report, err := NewEngine(fixture()).Analyze(context.Background(), "org-1", []string{"fw-a", "fw-b"})
	require.NoError(t, err)

	fwA := report.Frameworks[0]
	require.Len(t, fwA.Controls, 3)

	a1 := fwA.Controls[0]
	assert.Equal(t, 2, a1.LinkedRisks, "duplicate links count one risk once")
	assert.True(t, a1.Covered)

	a2 := fwA.Controls[1]
	assert.Equal(t, 3, a2.EvidenceCount)
	assert.Equal(t, 0, a2.LinkedRisks)
	assert.True(t, a2.Covered)

	a3 := fwA.Controls[2]
	assert.False(t, a3.Covered)

	// a1 and a2 are covered, so neither may appear as a gap; a3 must.
	gapIDs := make(map[string]bool)
	for _, g := range report.Gaps {
		gapIDs[g.Control.ID] = true
	}
	assert.False(t, gapIDs["a1"])
	assert.False(t, gapIDs["a2"])
	assert.True(t, gapIDs["a3"])

	// b1 is 0/0 but mapped from covered a1: silenced, not a gap.
	fwB := report.Frameworks[1]
	b1 := fwB.Controls[0]
	assert.False(t, b1.Covered)
	assert.Equal(t, []string{"a1"}, b1.SilencedBy)
	assert.False(t, gapIDs["b1"])

	// b2 is 0/0 with no inbound mapping: always a gap.
	assert.True(t, gapIDs["b2"])
}

func TestAnalyzeCompliancePercentage(t *testing.T) {
	report, err := NewEngine(fixture()).Analyze(context.Background(), "org-1", []string{"fw-a", "fw-empty"})
	require.NoError(t, err)

	// Only a1 carries an assessment-derived signal: 1 of 3 controls.
	fwA := report.Frameworks[0]
	assert.Equal(t, 1, fwA.CoveredControls)
	assert.Equal(t, 33, fwA.CompliancePercentage)

	empty := report.Frameworks[1]
	assert.Equal(t, 0, empty.TotalControls)
	assert.Equal(t, 0, empty.CompliancePercentage, "zero controls must not divide by zero")
}

func TestAnalyzeAssessmentCounting(t *testing.T) {
	report, err := NewEngine(fixture()).Analyze(context.Background(), "org-1", []string{"fw-a", "fw-b"})
	require.NoError(t, err)

	// fw-a has in-progress + completed counted, cancelled excluded.
	assert.Equal(t, 2, report.Frameworks[0].TotalAssessments)
	assert.Equal(t, 1, report.Frameworks[1].TotalAssessments)
}

func TestAnalyzeLinksScopedToFrameworkAssessments(t *testing.T) {
	fs := fixture()
	// Link a fw-a risk to a fw-b control; the assessment scope differs,
	// so it must not count toward b2's coverage.
	fs.links = append(fs.links, model.RiskControl{RiskID: "r-1", ControlID: "b2"})

	report, err := NewEngine(fs).Analyze(context.Background(), "org-1", []string{"fw-a", "fw-b"})
	require.NoError(t, err)

	b2 := report.Frameworks[1].Controls[1]
	assert.Equal(t, 0, b2.LinkedRisks)
	assert.False(t, b2.Covered)
}

func TestAnalyzeUncoveredSourceDoesNotSilence(t *testing.T) {
	fs := fixture()
	// a3 is uncovered; mapping it onto b2 must not silence b2.
	fs.mappings = append(fs.mappings, model.ControlMapping{ID: "m2", SourceControlID: "a3", TargetControlID: "b2"})

	report, err := NewEngine(fs).Analyze(context.Background(), "org-1", []string{"fw-a", "fw-b"})
	require.NoError(t, err)

	gapIDs := make(map[string]bool)
	for _, g := range report.Gaps {
		gapIDs[g.Control.ID] = true
	}
	assert.True(t, gapIDs["b2"], "uncovered mapping source cannot silence a gap")
}

func TestAnalyzeBidirectionalMappingSilencesBothWays(t *testing.T) {
	fs := fixture()
	// Cover b2 with evidence and map a3 <-> b2 bidirectionally.
	fs.evidence = append(fs.evidence, model.Evidence{ID: "ev-b2", ControlID: "b2"})
	fs.mappings = append(fs.mappings, model.ControlMapping{ID: "m2", SourceControlID: "a3", TargetControlID: "b2", Bidirectional: true})

	report, err := NewEngine(fs).Analyze(context.Background(), "org-1", []string{"fw-a", "fw-b"})
	require.NoError(t, err)

	gapIDs := make(map[string]bool)
	for _, g := range report.Gaps {
		gapIDs[g.Control.ID] = true
	}
	assert.False(t, gapIDs["a3"], "reverse direction of a bidirectional mapping silences too")
}

func TestAnalyzeMatrix(t *testing.T) {
	fs := fixture()
	fs.mappings = append(fs.mappings, model.ControlMapping{ID: "m2", SourceControlID: "a2", TargetControlID: "b2", Bidirectional: true})

	report, err := NewEngine(fs).Analyze(context.Background(), "org-1", []string{"fw-a", "fw-b"})
	require.NoError(t, err)

	m := report.Matrix
	require.Len(t, m.Counts, 2)
	assert.Equal(t, 2, m.Counts[0][1], "a1->b1 plus a2->b2")
	assert.Equal(t, 1, m.Counts[1][0], "only the bidirectional mapping counts backwards")
	assert.Equal(t, 0, m.Counts[0][0])
	assert.Equal(t, 0, m.Counts[1][1])
}

func TestAnalyzeControlOrdering(t *testing.T) {
	fs := fixture()
	fs.controls = append(fs.controls,
		model.Control{ID: "a10", FrameworkID: "fw-a", Code: "AC-10", SortOrder: 9},
		model.Control{ID: "a9", FrameworkID: "fw-a", Code: "AC-9", SortOrder: 9},
	)

	report, err := NewEngine(fs).Analyze(context.Background(), "org-1", []string{"fw-a"})
	require.NoError(t, err)

	codes := make([]string, 0, len(report.Frameworks[0].Controls))
	for _, c := range report.Frameworks[0].Controls {
		codes = append(codes, c.Control.Code)
	}
	assert.Equal(t, []string{"AC-1", "AC-2", "AC-3", "AC-9", "AC-10"}, codes,
		"sort order first, then numeric code collation breaks ties")
}

func TestAnalyzeIdempotent(t *testing.T) {
	e := NewEngine(fixture())
	ids := []string{"fw-a", "fw-b"}

	first, err := e.Analyze(context.Background(), "org-1", ids)
	require.NoError(t, err)
	second, err := e.Analyze(context.Background(), "org-1", ids)
	require.NoError(t, err)

	second.GeneratedAt = first.GeneratedAt
	assert.Equal(t, first, second, "unchanged data must reproduce the report exactly")
}
