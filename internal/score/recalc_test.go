package score

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clearframe/risk-engine/internal/model"
	"github.com/clearframe/risk-engine/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeStore implements the store methods the Recalculator touches;
// everything else panics via the embedded nil interface.
type fakeStore struct {
	store.Store

	risk    *model.Risk
	links   []model.RiskControl
	getErr  error
	updated []struct {
		effectiveness int
		residual      int
	}
	appended []model.ScoreHistory
}

func (f *fakeStore) GetRisk(ctx context.Context, riskID string) (*model.Risk, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.risk == nil {
		return nil, model.NewNotFoundError("risk", riskID)
	}
	return f.risk, nil
}

func (f *fakeStore) FindRiskControls(ctx context.Context, riskID string) ([]model.RiskControl, error) {
	return f.links, nil
}

func (f *fakeStore) UpdateRiskScores(ctx context.Context, riskID string, effectiveness, residual int) error {
	f.updated = append(f.updated, struct {
		effectiveness int
		residual      int
	}{effectiveness, residual})
	return nil
}

func (f *fakeStore) AppendScoreHistory(ctx context.Context, entry model.ScoreHistory) error {
	f.appended = append(f.appended, entry)
	return nil
}

func TestRecalculateAppliesControlChange(t *testing.T) {
	fs := &fakeStore{
		risk: &model.Risk{
			ID:                   "r-1",
			Likelihood:           4,
			Impact:               5,
			InherentScore:        20,
			ResidualScore:        20,
			ControlEffectiveness: 0,
		},
		links: []model.RiskControl{
			{ControlID: "c-1", Effectiveness: 40},
			{ControlID: "c-2", Effectiveness: 40},
		},
	}

	res, err := NewRecalculator(fs).Recalculate(context.Background(), "r-1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 40, res.Effectiveness)
	assert.Equal(t, 12, res.ResidualScore)

	require.Len(t, fs.updated, 1)
	assert.Equal(t, 40, fs.updated[0].effectiveness)
	assert.Equal(t, 12, fs.updated[0].residual)

	require.Len(t, fs.appended, 1)
	entry := fs.appended[0]
	assert.Equal(t, "r-1", entry.RiskID)
	assert.Equal(t, model.SourceControlChange, entry.Source)
	assert.Equal(t, 12, entry.ResidualScore)
	assert.Equal(t, 40, entry.ControlEffectiveness)
	assert.Equal(t, 20, entry.InherentScore)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.RecordedAt.IsZero())
}

func TestRecalculateNoChangeIsNoOp(t *testing.T) {
	fs := &fakeStore{
		risk: &model.Risk{
			ID:                   "r-1",
			InherentScore:        20,
			ResidualScore:        12,
			ControlEffectiveness: 40,
		},
		links: []model.RiskControl{
			{ControlID: "c-1", Effectiveness: 40},
		},
	}

	res, err := NewRecalculator(fs).Recalculate(context.Background(), "r-1")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, fs.updated, "unchanged risk must not be written")
	assert.Empty(t, fs.appended, "unchanged risk must not grow history")
}

func TestRecalculateRemovingAllControls(t *testing.T) {
	fs := &fakeStore{
		risk: &model.Risk{
			ID:                   "r-1",
			InherentScore:        15,
			ResidualScore:        9,
			ControlEffectiveness: 40,
		},
		links: nil, // every control unlinked
	}

	res, err := NewRecalculator(fs).Recalculate(context.Background(), "r-1")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 0, res.Effectiveness)
	assert.Equal(t, 15, res.ResidualScore, "no controls means residual returns to inherent")
}

func TestRecalculateMissingRisk(t *testing.T) {
	fs := &fakeStore{}
	_, err := NewRecalculator(fs).Recalculate(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestRecalculatePropagatesStorageError(t *testing.T) {
	fs := &fakeStore{getErr: eris.New("connection reset")}
	_, err := NewRecalculator(fs).Recalculate(context.Background(), "r-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
