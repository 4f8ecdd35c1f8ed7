package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/clearframe/risk-engine/internal/db"
	"github.com/clearframe/risk-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations: ledger appends and reads dominate.
var preparedStatements = map[string]string{
	"append_history":     `INSERT INTO risk_score_history (id, risk_id, likelihood, impact, inherent_score, residual_score, target_score, control_effectiveness, source, note, recorded_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
	"get_risk":           `SELECT id, organization_id, assessment_id, title, category, treatment_status, likelihood, impact, inherent_score, residual_score, target_score, control_effectiveness, created_at, updated_at FROM risks WHERE id = $1`,
	"update_risk_scores": `UPDATE risks SET control_effectiveness = $1, residual_score = $2, updated_at = $3 WHERE id = $4`,
	"find_risk_controls": `SELECT id, risk_id, control_id, effectiveness FROM risk_controls WHERE risk_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests (pgxmock)
// and by subsystems that manage their own pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

// Pool returns the underlying pool for subsystems needing direct access
// (e.g. the catalog importer's bulk upserts).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS frameworks (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	version     TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS controls (
	id           TEXT PRIMARY KEY,
	framework_id TEXT NOT NULL REFERENCES frameworks(id),
	parent_id    TEXT,
	code         TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	sort_order   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS control_mappings (
	id                TEXT PRIMARY KEY,
	source_control_id TEXT NOT NULL REFERENCES controls(id),
	target_control_id TEXT NOT NULL REFERENCES controls(id),
	bidirectional     BOOLEAN NOT NULL DEFAULT false,
	UNIQUE (source_control_id, target_control_id)
);

CREATE TABLE IF NOT EXISTS assessments (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	framework_id    TEXT NOT NULL REFERENCES frameworks(id),
	ai_system_id    TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'draft',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS risks (
	id                    TEXT PRIMARY KEY,
	organization_id       TEXT NOT NULL,
	assessment_id         TEXT NOT NULL REFERENCES assessments(id),
	title                 TEXT NOT NULL DEFAULT '',
	category              TEXT NOT NULL DEFAULT 'operational',
	treatment_status      TEXT NOT NULL DEFAULT 'identified',
	likelihood            INTEGER NOT NULL CHECK (likelihood BETWEEN 1 AND 5),
	impact                INTEGER NOT NULL CHECK (impact BETWEEN 1 AND 5),
	inherent_score        INTEGER NOT NULL,
	residual_score        INTEGER NOT NULL CHECK (residual_score >= 0 AND residual_score <= inherent_score),
	target_score          INTEGER NOT NULL DEFAULT 0,
	control_effectiveness INTEGER NOT NULL DEFAULT 0 CHECK (control_effectiveness BETWEEN 0 AND 100),
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS risk_controls (
	id            TEXT PRIMARY KEY,
	risk_id       TEXT NOT NULL REFERENCES risks(id),
	control_id    TEXT NOT NULL REFERENCES controls(id),
	effectiveness INTEGER NOT NULL DEFAULT 0 CHECK (effectiveness BETWEEN 0 AND 100),
	UNIQUE (risk_id, control_id)
);

CREATE TABLE IF NOT EXISTS risk_score_history (
	id                    TEXT PRIMARY KEY,
	risk_id               TEXT NOT NULL REFERENCES risks(id),
	likelihood            INTEGER NOT NULL,
	impact                INTEGER NOT NULL,
	inherent_score        INTEGER NOT NULL,
	residual_score        INTEGER NOT NULL,
	target_score          INTEGER NOT NULL DEFAULT 0,
	control_effectiveness INTEGER NOT NULL DEFAULT 0,
	source                TEXT NOT NULL,
	note                  TEXT NOT NULL DEFAULT '',
	recorded_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS evidence (
	id          TEXT PRIMARY KEY,
	control_id  TEXT NOT NULL REFERENCES controls(id),
	title       TEXT NOT NULL DEFAULT '',
	uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_risks_org ON risks(organization_id);
CREATE INDEX IF NOT EXISTS idx_risks_assessment ON risks(assessment_id);
CREATE INDEX IF NOT EXISTS idx_risk_controls_risk ON risk_controls(risk_id);
CREATE INDEX IF NOT EXISTS idx_risk_controls_control ON risk_controls(control_id);
CREATE INDEX IF NOT EXISTS idx_history_risk_time ON risk_score_history(risk_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_controls_framework ON controls(framework_id, sort_order);
CREATE INDEX IF NOT EXISTS idx_assessments_framework_org ON assessments(framework_id, organization_id);
CREATE INDEX IF NOT EXISTS idx_evidence_control ON evidence(control_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const riskColumns = `id, organization_id, assessment_id, title, category, treatment_status, likelihood, impact, inherent_score, residual_score, target_score, control_effectiveness, created_at, updated_at`

func (s *PostgresStore) GetRisk(ctx context.Context, riskID string) (*model.Risk, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+riskColumns+` FROM risks WHERE id = $1`, riskID)
	r, err := scanRisk(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, model.NewNotFoundError("risk", riskID)
		}
		return nil, eris.Wrapf(err, "postgres: get risk %s", riskID)
	}
	return r, nil
}

func (s *PostgresStore) FindRisks(ctx context.Context, filter RiskFilter) ([]model.Risk, error) {
	query := `SELECT ` + riskColumns + ` FROM risks WHERE 1=1`
	var args []any
	argNum := 1

	addFilter := func(clause string, val any) {
		query += fmt.Sprintf(" AND %s = $%d", clause, argNum)
		args = append(args, val)
		argNum++
	}

	if filter.OrganizationID != "" {
		addFilter("organization_id", filter.OrganizationID)
	}
	if filter.AssessmentID != "" {
		addFilter("assessment_id", filter.AssessmentID)
	}
	if filter.Category != "" {
		addFilter("category", string(filter.Category))
	}
	if filter.TreatmentStatus != "" {
		addFilter("treatment_status", string(filter.TreatmentStatus))
	}

	query += " ORDER BY residual_score DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find risks")
	}
	defer rows.Close()

	var out []model.Risk
	for rows.Next() {
		r, err := scanRisk(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan risk")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate risks")
}

func (s *PostgresStore) FindRiskControls(ctx context.Context, riskID string) ([]model.RiskControl, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, risk_id, control_id, effectiveness FROM risk_controls WHERE risk_id = $1`, riskID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find risk controls %s", riskID)
	}
	defer rows.Close()
	return collectRiskControls(rows)
}

func (s *PostgresStore) FindRiskControlsByControls(ctx context.Context, controlIDs []string) ([]model.RiskControl, error) {
	if len(controlIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, risk_id, control_id, effectiveness FROM risk_controls WHERE control_id = ANY($1)`, controlIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find risk controls by controls")
	}
	defer rows.Close()
	return collectRiskControls(rows)
}

func collectRiskControls(rows pgx.Rows) ([]model.RiskControl, error) {
	var out []model.RiskControl
	for rows.Next() {
		rc, err := scanRiskControl(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan risk control")
		}
		out = append(out, *rc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate risk controls")
}

func (s *PostgresStore) UpdateRiskScores(ctx context.Context, riskID string, effectiveness, residual int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE risks SET control_effectiveness = $1, residual_score = $2, updated_at = $3 WHERE id = $4`,
		effectiveness, residual, time.Now().UTC(), riskID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update risk scores %s", riskID)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError("risk", riskID)
	}
	return nil
}

// AppendScoreHistory always inserts; the ledger has no update path.
func (s *PostgresStore) AppendScoreHistory(ctx context.Context, entry model.ScoreHistory) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_score_history (id, risk_id, likelihood, impact, inherent_score, residual_score, target_score, control_effectiveness, source, note, recorded_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.RiskID, entry.Likelihood, entry.Impact, entry.InherentScore,
		entry.ResidualScore, entry.TargetScore, entry.ControlEffectiveness,
		string(entry.Source), entry.Note, entry.RecordedAt,
	)
	return eris.Wrapf(err, "postgres: append history %s", entry.RiskID)
}

const historyColumns = `id, risk_id, likelihood, impact, inherent_score, residual_score, target_score, control_effectiveness, source, note, recorded_at`

// historyWindowSQL builds the recorded_at bounds for a window. argNum is
// the next placeholder index.
func historyWindowSQL(window HistoryWindow, argNum int) (string, []any, int) {
	var clause string
	var args []any
	if window.From != nil {
		clause += fmt.Sprintf(" AND recorded_at >= $%d", argNum)
		args = append(args, *window.From)
		argNum++
	}
	if window.To != nil {
		clause += fmt.Sprintf(" AND recorded_at <= $%d", argNum)
		args = append(args, *window.To)
		argNum++
	}
	return clause, args, argNum
}

// ReadScoreHistory returns the most recent rows inside the window,
// ordered ascending by recorded_at.
func (s *PostgresStore) ReadScoreHistory(ctx context.Context, riskID string, window HistoryWindow) ([]model.ScoreHistory, error) {
	clause, args, argNum := historyWindowSQL(window, 2)
	query := fmt.Sprintf(`SELECT %s FROM (
		SELECT %s FROM risk_score_history
		WHERE risk_id = $1%s
		ORDER BY recorded_at DESC
		LIMIT $%d
	) recent ORDER BY recorded_at ASC`, historyColumns, historyColumns, clause, argNum)

	allArgs := append([]any{riskID}, args...)
	allArgs = append(allArgs, window.EffectiveLimit())

	rows, err := s.pool.Query(ctx, query, allArgs...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: read history %s", riskID)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// ReadScoreHistoryBatch loads windows for many risks in one query using
// a per-risk row_number partition; the round-trip count is constant in
// the batch size.
func (s *PostgresStore) ReadScoreHistoryBatch(ctx context.Context, riskIDs []string, window HistoryWindow) (map[string][]model.ScoreHistory, error) {
	out := make(map[string][]model.ScoreHistory, len(riskIDs))
	if len(riskIDs) == 0 {
		return out, nil
	}

	clause, args, argNum := historyWindowSQL(window, 2)
	query := fmt.Sprintf(`SELECT %s FROM (
		SELECT %s, ROW_NUMBER() OVER (PARTITION BY risk_id ORDER BY recorded_at DESC) AS rn
		FROM risk_score_history
		WHERE risk_id = ANY($1)%s
	) ranked WHERE rn <= $%d ORDER BY risk_id, recorded_at ASC`, historyColumns, historyColumns, clause, argNum)

	allArgs := append([]any{riskIDs}, args...)
	allArgs = append(allArgs, window.EffectiveLimit())

	rows, err := s.pool.Query(ctx, query, allArgs...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read history batch")
	}
	defer rows.Close()

	entries, err := collectHistory(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.RiskID] = append(out[e.RiskID], e)
	}
	return out, nil
}

func collectHistory(rows pgx.Rows) ([]model.ScoreHistory, error) {
	var out []model.ScoreHistory
	for rows.Next() {
		h, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate history")
}

func (s *PostgresStore) FindFrameworks(ctx context.Context, ids []string) ([]model.Framework, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, version, description FROM frameworks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find frameworks")
	}
	defer rows.Close()

	var out []model.Framework
	for rows.Next() {
		f, err := scanFramework(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan framework")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate frameworks")
}

func (s *PostgresStore) FindControls(ctx context.Context, frameworkIDs []string) ([]model.Control, error) {
	if len(frameworkIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, framework_id, COALESCE(parent_id, ''), code, title, sort_order FROM controls WHERE framework_id = ANY($1) ORDER BY framework_id, sort_order, code`, frameworkIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find controls")
	}
	defer rows.Close()

	var out []model.Control
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan control")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate controls")
}

func (s *PostgresStore) FindControlMappings(ctx context.Context, controlIDs []string) ([]model.ControlMapping, error) {
	if len(controlIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_control_id, target_control_id, bidirectional FROM control_mappings WHERE source_control_id = ANY($1) OR target_control_id = ANY($1)`, controlIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find control mappings")
	}
	defer rows.Close()

	var out []model.ControlMapping
	for rows.Next() {
		m, err := scanControlMapping(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan control mapping")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate control mappings")
}

func (s *PostgresStore) FindAssessments(ctx context.Context, frameworkIDs []string, organizationID string) ([]model.Assessment, error) {
	if len(frameworkIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, framework_id, ai_system_id, status, created_at FROM assessments WHERE framework_id = ANY($1) AND organization_id = $2`,
		frameworkIDs, organizationID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find assessments")
	}
	defer rows.Close()

	var out []model.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan assessment")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate assessments")
}

func (s *PostgresStore) FindEvidence(ctx context.Context, controlIDs []string) ([]model.Evidence, error) {
	if len(controlIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, control_id, title, uploaded_at FROM evidence WHERE control_id = ANY($1)`, controlIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find evidence")
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate evidence")
}

var _ Store = (*PostgresStore)(nil)
