// Package gaps cross-references framework control catalogs, inter-framework
// control mappings and an organization's assessment and evidence coverage
// to produce a compliance matrix and an explicit list of uncovered
// controls.
package gaps

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/clearframe/risk-engine/internal/model"
	"github.com/clearframe/risk-engine/internal/store"
)

// MaxFrameworks bounds one analysis request.
const MaxFrameworks = 10

// ControlStatus is the per-control coverage detail inside a framework
// summary.
type ControlStatus struct {
	Control       model.Control `json:"control"`
	LinkedRisks   int           `json:"linked_risks"`
	EvidenceCount int           `json:"evidence_count"`
	Covered       bool          `json:"covered"`
	SilencedBy    []string      `json:"silenced_by,omitempty"`
}

// FrameworkSummary aggregates coverage for one requested framework.
type FrameworkSummary struct {
	Framework            model.Framework `json:"framework"`
	TotalControls        int             `json:"total_controls"`
	CoveredControls      int             `json:"covered_controls"`
	CompliancePercentage int             `json:"compliance_percentage"`
	TotalAssessments     int             `json:"total_assessments"`
	Controls             []ControlStatus `json:"controls"`
}

// Gap is a control with no demonstrated coverage: zero linked risks,
// zero evidence, and no inbound mapping from a covered control in
// another requested framework.
type Gap struct {
	FrameworkID string        `json:"framework_id"`
	Control     model.Control `json:"control"`
}

// OverlapMatrix summarizes cross-framework mapping density. Counts[i][j]
// is the number of mappings from framework i controls to framework j
// controls, in the requested framework order.
type OverlapMatrix struct {
	FrameworkIDs []string `json:"framework_ids"`
	Counts       [][]int  `json:"counts"`
}

// Report is the full gap analysis result. Two calls over unchanged data
// differ only in GeneratedAt.
type Report struct {
	Frameworks  []FrameworkSummary `json:"frameworks"`
	Gaps        []Gap              `json:"gaps"`
	Matrix      OverlapMatrix      `json:"matrix"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Engine runs gap analyses against the store.
type Engine struct {
	store store.Store
}

// NewEngine creates an Engine backed by the given store.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s}
}

// loaded holds the collaborator data for one analysis call.
type loaded struct {
	assessments []model.Assessment
	risks       []model.Risk
	links       []model.RiskControl
	evidence    []model.Evidence
	mappings    []model.ControlMapping
}

// Analyze cross-references the requested frameworks for one organization.
// Output framework order preserves input order; controls keep catalog
// sort order with numeric code collation as the tie-break.
func (e *Engine) Analyze(ctx context.Context, organizationID string, frameworkIDs []string) (*Report, error) {
	if organizationID == "" {
		return nil, model.NewValidationError("organization_id", "is required")
	}
	if len(frameworkIDs) == 0 || len(frameworkIDs) > MaxFrameworks {
		return nil, model.NewValidationError("framework_ids", "between 1 and %d framework ids required, got %d", MaxFrameworks, len(frameworkIDs))
	}

	frameworks, err := e.store.FindFrameworks(ctx, frameworkIDs)
	if err != nil {
		return nil, eris.Wrap(err, "gaps: find frameworks")
	}
	byID := make(map[string]model.Framework, len(frameworks))
	for _, fw := range frameworks {
		byID[fw.ID] = fw
	}
	for _, id := range frameworkIDs {
		if _, ok := byID[id]; !ok {
			return nil, model.NewNotFoundError("framework", id)
		}
	}

	controls, err := e.store.FindControls(ctx, frameworkIDs)
	if err != nil {
		return nil, eris.Wrap(err, "gaps: find controls")
	}
	controlIDs := make([]string, len(controls))
	controlFramework := make(map[string]string, len(controls))
	for i, c := range controls {
		controlIDs[i] = c.ID
		controlFramework[c.ID] = c.FrameworkID
	}

	// The remaining collaborator reads target independent keys; issue
	// them concurrently.
	var data loaded
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		data.assessments, err = e.store.FindAssessments(gctx, frameworkIDs, organizationID)
		return eris.Wrap(err, "gaps: find assessments")
	})
	g.Go(func() error {
		var err error
		data.risks, err = e.store.FindRisks(gctx, store.RiskFilter{OrganizationID: organizationID})
		return eris.Wrap(err, "gaps: find risks")
	})
	g.Go(func() error {
		var err error
		data.links, err = e.store.FindRiskControlsByControls(gctx, controlIDs)
		return eris.Wrap(err, "gaps: find risk controls")
	})
	g.Go(func() error {
		var err error
		data.evidence, err = e.store.FindEvidence(gctx, controlIDs)
		return eris.Wrap(err, "gaps: find evidence")
	})
	g.Go(func() error {
		var err error
		data.mappings, err = e.store.FindControlMappings(gctx, controlIDs)
		return eris.Wrap(err, "gaps: find control mappings")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := assemble(organizationID, frameworkIDs, byID, controls, controlFramework, &data)

	zap.L().Info("gaps: analysis complete",
		zap.String("organization_id", organizationID),
		zap.Int("frameworks", len(frameworkIDs)),
		zap.Int("controls", len(controls)),
		zap.Int("gaps", len(report.Gaps)),
	)

	return report, nil
}

// assemble builds the report from already-loaded data; pure apart from
// the GeneratedAt timestamp.
func assemble(organizationID string, frameworkIDs []string, byID map[string]model.Framework, controls []model.Control, controlFramework map[string]string, data *loaded) *Report {
	// Assessment scope: which assessments count per framework, and which
	// risks belong to them.
	assessmentFramework := make(map[string]string, len(data.assessments))
	countedAssessments := make(map[string]int, len(frameworkIDs))
	for _, a := range data.assessments {
		if a.Status == model.AssessmentCancelled {
			continue
		}
		assessmentFramework[a.ID] = a.FrameworkID
		if a.Status.Counted() {
			countedAssessments[a.FrameworkID]++
		}
	}
	riskAssessment := make(map[string]string, len(data.risks))
	for _, r := range data.risks {
		riskAssessment[r.ID] = r.AssessmentID
	}

	// Distinct risks per control, scoped to assessments of the control's
	// own framework.
	linkedRisks := make(map[string]map[string]struct{})
	for _, link := range data.links {
		assessmentID, ok := riskAssessment[link.RiskID]
		if !ok {
			continue
		}
		fwID, ok := assessmentFramework[assessmentID]
		if !ok || fwID != controlFramework[link.ControlID] {
			continue
		}
		set := linkedRisks[link.ControlID]
		if set == nil {
			set = make(map[string]struct{})
			linkedRisks[link.ControlID] = set
		}
		set[link.RiskID] = struct{}{}
	}

	// Distinct evidence per control.
	evidenceCount := make(map[string]map[string]struct{})
	for _, ev := range data.evidence {
		set := evidenceCount[ev.ControlID]
		if set == nil {
			set = make(map[string]struct{})
			evidenceCount[ev.ControlID] = set
		}
		set[ev.ID] = struct{}{}
	}

	covered := make(map[string]bool, len(controls))
	for _, c := range controls {
		covered[c.ID] = len(linkedRisks[c.ID]) > 0 || len(evidenceCount[c.ID]) > 0
	}

	inbound := buildInbound(data.mappings)

	// Group and order controls per framework.
	perFramework := make(map[string][]model.Control, len(frameworkIDs))
	for _, c := range controls {
		perFramework[c.FrameworkID] = append(perFramework[c.FrameworkID], c)
	}
	coll := collate.New(language.English, collate.Numeric)
	for _, list := range perFramework {
		sort.SliceStable(list, func(x, y int) bool {
			if list[x].SortOrder != list[y].SortOrder {
				return list[x].SortOrder < list[y].SortOrder
			}
			return coll.CompareString(list[x].Code, list[y].Code) < 0
		})
	}

	report := &Report{
		GeneratedAt: time.Now().UTC(),
	}

	for _, fwID := range frameworkIDs {
		fw := byID[fwID]
		list := perFramework[fwID]

		summary := FrameworkSummary{
			Framework:        fw,
			TotalControls:    len(list),
			TotalAssessments: countedAssessments[fwID],
		}

		for _, c := range list {
			status := ControlStatus{
				Control:       c,
				LinkedRisks:   len(linkedRisks[c.ID]),
				EvidenceCount: len(evidenceCount[c.ID]),
				Covered:       covered[c.ID],
			}
			if status.LinkedRisks > 0 {
				summary.CoveredControls++
			}
			if !status.Covered {
				status.SilencedBy = silencers(c, inbound, covered, controlFramework)
				if len(status.SilencedBy) == 0 {
					report.Gaps = append(report.Gaps, Gap{FrameworkID: fwID, Control: c})
				}
			}
			summary.Controls = append(summary.Controls, status)
		}

		// Assessment-derived coverage over the catalog; a framework with
		// no controls reports 0 rather than dividing by zero.
		if summary.TotalControls > 0 {
			summary.CompliancePercentage = (summary.CoveredControls*100 + summary.TotalControls/2) / summary.TotalControls
		}

		report.Frameworks = append(report.Frameworks, summary)
	}

	report.Matrix = buildMatrix(frameworkIDs, controlFramework, data.mappings)
	return report
}

// buildInbound builds the mapping adjacency once per call:
// target control id -> source control ids that can silence it.
func buildInbound(mappings []model.ControlMapping) map[string][]string {
	inbound := make(map[string][]string, len(mappings))
	for _, m := range mappings {
		inbound[m.TargetControlID] = append(inbound[m.TargetControlID], m.SourceControlID)
		if m.Bidirectional {
			inbound[m.SourceControlID] = append(inbound[m.SourceControlID], m.TargetControlID)
		}
	}
	return inbound
}

// silencers returns the covered controls in other frameworks with a
// mapping into the given uncovered control. Silencing is a single hop:
// a silenced control does not itself silence anything.
func silencers(c model.Control, inbound map[string][]string, covered map[string]bool, controlFramework map[string]string) []string {
	var out []string
	for _, srcID := range inbound[c.ID] {
		if covered[srcID] && controlFramework[srcID] != c.FrameworkID && controlFramework[srcID] != "" {
			out = append(out, srcID)
		}
	}
	sort.Strings(out)
	return out
}

// buildMatrix derives the framework overlap grid purely from the loaded
// mappings.
func buildMatrix(frameworkIDs []string, controlFramework map[string]string, mappings []model.ControlMapping) OverlapMatrix {
	index := make(map[string]int, len(frameworkIDs))
	for i, id := range frameworkIDs {
		index[id] = i
	}

	counts := make([][]int, len(frameworkIDs))
	for i := range counts {
		counts[i] = make([]int, len(frameworkIDs))
	}

	for _, m := range mappings {
		si, sok := index[controlFramework[m.SourceControlID]]
		ti, tok := index[controlFramework[m.TargetControlID]]
		if !sok || !tok || si == ti {
			continue
		}
		counts[si][ti]++
		if m.Bidirectional {
			counts[ti][si]++
		}
	}

	return OverlapMatrix{FrameworkIDs: append([]string(nil), frameworkIDs...), Counts: counts}
}
