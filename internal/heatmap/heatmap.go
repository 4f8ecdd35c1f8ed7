// Package heatmap buckets a risk population into the fixed 5x5
// likelihood/impact matrix and serves per-cell drill-downs with optional
// velocity annotation.
package heatmap

import (
	"context"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearframe/risk-engine/internal/model"
	"github.com/clearframe/risk-engine/internal/store"
	"github.com/clearframe/risk-engine/internal/velocity"
)

const (
	// matrixSize is the fixed edge of the likelihood/impact matrix.
	matrixSize = 5

	// maxCellRisks caps a cell drill-down.
	maxCellRisks = 50
)

// Heatmap is the bucketed view of a risk population. Matrix[l-1][i-1]
// counts risks with likelihood l and impact i.
type Heatmap struct {
	Matrix     [matrixSize][matrixSize]int `json:"matrix"`
	TotalRisks int                         `json:"total_risks"`
	MaxCount   int                         `json:"max_count"`
	Dimensions int                         `json:"dimensions"`
}

// Build buckets risks into the matrix. Risks with out-of-range
// coordinates are skipped rather than failing the whole aggregation;
// the invariant holds for stored rows, so a skip indicates dirty data
// and is logged.
func Build(risks []model.Risk) Heatmap {
	hm := Heatmap{Dimensions: matrixSize}
	for _, r := range risks {
		if r.Likelihood < 1 || r.Likelihood > matrixSize || r.Impact < 1 || r.Impact > matrixSize {
			zap.L().Warn("heatmap: skipping risk with out-of-range coordinates",
				zap.String("risk_id", r.ID),
				zap.Int("likelihood", r.Likelihood),
				zap.Int("impact", r.Impact),
			)
			continue
		}
		hm.Matrix[r.Likelihood-1][r.Impact-1]++
		hm.TotalRisks++
		if c := hm.Matrix[r.Likelihood-1][r.Impact-1]; c > hm.MaxCount {
			hm.MaxCount = c
		}
	}
	return hm
}

// batchVelocity is the slice of the velocity calculator the aggregator
// needs; narrowed for test injection.
type batchVelocity interface {
	Batch(ctx context.Context, riskIDs []string, lookbackDays int) (map[string]velocity.Velocity, error)
}

// Aggregator serves heatmaps and cell drill-downs from the store.
type Aggregator struct {
	store    store.Store
	velocity batchVelocity
}

// NewAggregator creates an Aggregator. calc supplies velocity
// annotations for cell drill-downs.
func NewAggregator(s store.Store, calc *velocity.Calculator) *Aggregator {
	return &Aggregator{store: s, velocity: calc}
}

// ForOrganization builds the heatmap over every risk matching the
// filter.
func (a *Aggregator) ForOrganization(ctx context.Context, filter store.RiskFilter) (Heatmap, error) {
	risks, err := a.store.FindRisks(ctx, filter)
	if err != nil {
		return Heatmap{}, eris.Wrap(err, "heatmap: find risks")
	}
	return Build(risks), nil
}

// CellRisk is one drill-down row, optionally annotated with velocity.
type CellRisk struct {
	model.Risk
	Velocity *velocity.Velocity `json:"velocity,omitempty"`
}

// ParseCoordinate converts a numeric string cell coordinate into an int.
// Fractional values truncate toward zero ("3.5" becomes 3) before range
// validation, so "5.9" is valid and "0.9" is not.
func ParseCoordinate(field, raw string) (int, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, model.NewValidationError(field, "must be a number, got %q", raw)
	}
	v := int(f)
	if v < 1 || v > matrixSize {
		return 0, model.NewValidationError(field, "must be between 1 and %d, got %q", matrixSize, raw)
	}
	return v, nil
}

// CellRisks returns the risks in one matrix cell sorted by residual
// score descending, capped at 50. Velocity is attached through a single
// batch call, and only when the cell is non-empty.
func (a *Aggregator) CellRisks(ctx context.Context, filter store.RiskFilter, likelihood, impact string, includeVelocity bool) ([]CellRisk, error) {
	l, err := ParseCoordinate("likelihood", likelihood)
	if err != nil {
		return nil, err
	}
	i, err := ParseCoordinate("impact", impact)
	if err != nil {
		return nil, err
	}

	risks, err := a.store.FindRisks(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "heatmap: find risks")
	}

	var cell []model.Risk
	for _, r := range risks {
		if r.Likelihood == l && r.Impact == i {
			cell = append(cell, r)
		}
	}

	sort.SliceStable(cell, func(x, y int) bool {
		return cell[x].ResidualScore > cell[y].ResidualScore
	})
	if len(cell) > maxCellRisks {
		cell = cell[:maxCellRisks]
	}

	out := make([]CellRisk, len(cell))
	for idx, r := range cell {
		out[idx] = CellRisk{Risk: r}
	}

	if includeVelocity && len(cell) > 0 {
		ids := make([]string, len(cell))
		for idx, r := range cell {
			ids[idx] = r.ID
		}
		velocities, err := a.velocity.Batch(ctx, ids, velocity.DefaultLookbackDays)
		if err != nil {
			return nil, eris.Wrap(err, "heatmap: annotate velocity")
		}
		for idx := range out {
			if v, ok := velocities[out[idx].ID]; ok {
				out[idx].Velocity = &v
			}
		}
	}

	return out, nil
}
