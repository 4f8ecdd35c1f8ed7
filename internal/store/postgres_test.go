package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clearframe/risk-engine/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var riskRowColumns = []string{
	"id", "organization_id", "assessment_id", "title", "category",
	"treatment_status", "likelihood", "impact", "inherent_score",
	"residual_score", "target_score", "control_effectiveness",
	"created_at", "updated_at",
}

var historyRowColumns = []string{
	"id", "risk_id", "likelihood", "impact", "inherent_score",
	"residual_score", "target_score", "control_effectiveness",
	"source", "note", "recorded_at",
}

func TestPostgresStore_GetRisk(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM risks WHERE id = \$1`).
		WithArgs("risk-1").
		WillReturnRows(pgxmock.NewRows(riskRowColumns).AddRow(
			"risk-1", "org-1", "assess-1", "Model bias in lending", "bias",
			"mitigating", 4, 5, 20, 12, 8, 40, now, now,
		))

	r, err := s.GetRisk(context.Background(), "risk-1")
	require.NoError(t, err)
	assert.Equal(t, "risk-1", r.ID)
	assert.Equal(t, model.CategoryBias, r.Category)
	assert.Equal(t, 20, r.InherentScore)
	assert.Equal(t, 12, r.ResidualScore)
	assert.Equal(t, 40, r.ControlEffectiveness)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRisk_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM risks WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRisk(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindRisks_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM risks WHERE 1=1 AND organization_id = \$1 AND category = \$2 ORDER BY residual_score DESC`).
		WithArgs("org-1", "privacy").
		WillReturnRows(pgxmock.NewRows(riskRowColumns).AddRow(
			"risk-2", "org-1", "assess-1", "PII leakage", "privacy",
			"identified", 3, 3, 9, 9, 4, 0, now, now,
		))

	risks, err := s.FindRisks(context.Background(), RiskFilter{
		OrganizationID: "org-1",
		Category:       model.CategoryPrivacy,
	})
	require.NoError(t, err)
	require.Len(t, risks, 1)
	assert.Equal(t, "risk-2", risks[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRiskScores(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE risks SET control_effectiveness = \$1, residual_score = \$2`).
		WithArgs(40, 12, pgxmock.AnyArg(), "risk-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateRiskScores(context.Background(), "risk-1", 40, 12)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRiskScores_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE risks SET control_effectiveness = \$1`).
		WithArgs(40, 12, pgxmock.AnyArg(), "nonexistent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRiskScores(context.Background(), "nonexistent", 40, 12)
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendScoreHistory_InsertOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO risk_score_history`).
		WithArgs("hist-1", "risk-1", 4, 5, 20, 12, 8, 40, "control_change", "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AppendScoreHistory(context.Background(), model.ScoreHistory{
		ID:                   "hist-1",
		RiskID:               "risk-1",
		Likelihood:           4,
		Impact:               5,
		InherentScore:        20,
		ResidualScore:        12,
		TargetScore:          8,
		ControlEffectiveness: 40,
		Source:               model.SourceControlChange,
		RecordedAt:           now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadScoreHistory_AscendingWithLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`ORDER BY recorded_at ASC`).
		WithArgs("risk-1", maxHistoryLimit).
		WillReturnRows(pgxmock.NewRows(historyRowColumns).
			AddRow("h1", "risk-1", 4, 5, 20, 20, 8, 0, "initial", "", base).
			AddRow("h2", "risk-1", 4, 5, 20, 12, 8, 40, "control_change", "", base.AddDate(0, 0, 30)))

	entries, err := s.ReadScoreHistory(context.Background(), "risk-1", HistoryWindow{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.SourceInitial, entries[0].Source)
	assert.True(t, entries[0].RecordedAt.Before(entries[1].RecordedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadScoreHistory_WindowBounds(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	from := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 3, 0)

	mock.ExpectQuery(`recorded_at >= \$2 AND recorded_at <= \$3`).
		WithArgs("risk-1", from, to, 10).
		WillReturnRows(pgxmock.NewRows(historyRowColumns))

	_, err := s.ReadScoreHistory(context.Background(), "risk-1", HistoryWindow{
		From:  &from,
		To:    &to,
		Limit: 10,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadScoreHistoryBatch_SingleQuery(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`PARTITION BY risk_id`).
		WithArgs([]string{"risk-1", "risk-2"}, maxHistoryLimit).
		WillReturnRows(pgxmock.NewRows(historyRowColumns).
			AddRow("h1", "risk-1", 4, 5, 20, 20, 8, 0, "initial", "", base).
			AddRow("h2", "risk-1", 4, 5, 20, 12, 8, 40, "control_change", "", base.AddDate(0, 0, 30)).
			AddRow("h3", "risk-2", 2, 2, 4, 4, 2, 0, "initial", "", base))

	histories, err := s.ReadScoreHistoryBatch(context.Background(), []string{"risk-1", "risk-2"}, HistoryWindow{})
	require.NoError(t, err)
	require.Len(t, histories["risk-1"], 2)
	require.Len(t, histories["risk-2"], 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadScoreHistoryBatch_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	histories, err := s.ReadScoreHistoryBatch(context.Background(), nil, HistoryWindow{})
	require.NoError(t, err)
	assert.Empty(t, histories)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindFrameworks(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM frameworks WHERE id = ANY\(\$1\)`).
		WithArgs([]string{"fw-1"}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "version", "description"}).
			AddRow("fw-1", "EU AI Act", "2024", ""))

	fws, err := s.FindFrameworks(context.Background(), []string{"fw-1"})
	require.NoError(t, err)
	require.Len(t, fws, 1)
	assert.Equal(t, "EU AI Act", fws[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindAssessments(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM assessments WHERE framework_id = ANY\(\$1\) AND organization_id = \$2`).
		WithArgs([]string{"fw-1"}, "org-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "organization_id", "framework_id", "ai_system_id", "status", "created_at"}).
			AddRow("assess-1", "org-1", "fw-1", "sys-1", "approved", now))

	assessments, err := s.FindAssessments(context.Background(), []string{"fw-1"}, "org-1")
	require.NoError(t, err)
	require.Len(t, assessments, 1)
	assert.Equal(t, model.AssessmentApproved, assessments[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
