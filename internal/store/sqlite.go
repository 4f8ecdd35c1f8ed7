package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/clearframe/risk-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs
// single-node deployments and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS frameworks (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	version     TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS controls (
	id           TEXT PRIMARY KEY,
	framework_id TEXT NOT NULL REFERENCES frameworks(id),
	parent_id    TEXT NOT NULL DEFAULT '',
	code         TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	sort_order   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS control_mappings (
	id                TEXT PRIMARY KEY,
	source_control_id TEXT NOT NULL REFERENCES controls(id),
	target_control_id TEXT NOT NULL REFERENCES controls(id),
	bidirectional     INTEGER NOT NULL DEFAULT 0,
	UNIQUE (source_control_id, target_control_id)
);

CREATE TABLE IF NOT EXISTS assessments (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	framework_id    TEXT NOT NULL REFERENCES frameworks(id),
	ai_system_id    TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'draft',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
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
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
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
	recorded_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS evidence (
	id          TEXT PRIMARY KEY,
	control_id  TEXT NOT NULL REFERENCES controls(id),
	title       TEXT NOT NULL DEFAULT '',
	uploaded_at DATETIME NOT NULL DEFAULT (datetime('now'))
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inClause expands a string slice into "?, ?, ..." plus matching args.
func inClause(ids []string) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ", "), args
}

func (s *SQLiteStore) GetRisk(ctx context.Context, riskID string) (*model.Risk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE id = ?`, riskID)
	r, err := scanRisk(row)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, model.NewNotFoundError("risk", riskID)
		}
		return nil, eris.Wrapf(err, "sqlite: get risk %s", riskID)
	}
	return r, nil
}

func (s *SQLiteStore) FindRisks(ctx context.Context, filter RiskFilter) ([]model.Risk, error) {
	query := `SELECT ` + riskColumns + ` FROM risks WHERE 1=1`
	var args []any

	if filter.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if filter.AssessmentID != "" {
		query += ` AND assessment_id = ?`
		args = append(args, filter.AssessmentID)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(filter.Category))
	}
	if filter.TreatmentStatus != "" {
		query += ` AND treatment_status = ?`
		args = append(args, string(filter.TreatmentStatus))
	}
	query += ` ORDER BY residual_score DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find risks")
	}
	defer rows.Close()

	var out []model.Risk
	for rows.Next() {
		r, err := scanRisk(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan risk")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate risks")
}

func (s *SQLiteStore) FindRiskControls(ctx context.Context, riskID string) ([]model.RiskControl, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, risk_id, control_id, effectiveness FROM risk_controls WHERE risk_id = ?`, riskID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find risk controls %s", riskID)
	}
	defer rows.Close()
	return sqliteCollectRiskControls(rows)
}

func (s *SQLiteStore) FindRiskControlsByControls(ctx context.Context, controlIDs []string) ([]model.RiskControl, error) {
	if len(controlIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(controlIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, risk_id, control_id, effectiveness FROM risk_controls WHERE control_id IN (`+in+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find risk controls by controls")
	}
	defer rows.Close()
	return sqliteCollectRiskControls(rows)
}

func sqliteCollectRiskControls(rows *sql.Rows) ([]model.RiskControl, error) {
	var out []model.RiskControl
	for rows.Next() {
		rc, err := scanRiskControl(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan risk control")
		}
		out = append(out, *rc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate risk controls")
}

func (s *SQLiteStore) UpdateRiskScores(ctx context.Context, riskID string, effectiveness, residual int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE risks SET control_effectiveness = ?, residual_score = ?, updated_at = ? WHERE id = ?`,
		effectiveness, residual, time.Now().UTC(), riskID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update risk scores %s", riskID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return model.NewNotFoundError("risk", riskID)
	}
	return nil
}

func (s *SQLiteStore) AppendScoreHistory(ctx context.Context, entry model.ScoreHistory) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_score_history (id, risk_id, likelihood, impact, inherent_score, residual_score, target_score, control_effectiveness, source, note, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RiskID, entry.Likelihood, entry.Impact, entry.InherentScore,
		entry.ResidualScore, entry.TargetScore, entry.ControlEffectiveness,
		string(entry.Source), entry.Note, entry.RecordedAt,
	)
	return eris.Wrapf(err, "sqlite: append history %s", entry.RiskID)
}

func sqliteWindowSQL(window HistoryWindow) (string, []any) {
	var clause string
	var args []any
	if window.From != nil {
		clause += ` AND recorded_at >= ?`
		args = append(args, *window.From)
	}
	if window.To != nil {
		clause += ` AND recorded_at <= ?`
		args = append(args, *window.To)
	}
	return clause, args
}

func (s *SQLiteStore) ReadScoreHistory(ctx context.Context, riskID string, window HistoryWindow) ([]model.ScoreHistory, error) {
	clause, windowArgs := sqliteWindowSQL(window)
	query := fmt.Sprintf(`SELECT %s FROM (
		SELECT %s FROM risk_score_history
		WHERE risk_id = ?%s
		ORDER BY recorded_at DESC
		LIMIT ?
	) recent ORDER BY recorded_at ASC`, historyColumns, historyColumns, clause)

	args := append([]any{riskID}, windowArgs...)
	args = append(args, window.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read history %s", riskID)
	}
	defer rows.Close()
	return sqliteCollectHistory(rows)
}

func (s *SQLiteStore) ReadScoreHistoryBatch(ctx context.Context, riskIDs []string, window HistoryWindow) (map[string][]model.ScoreHistory, error) {
	out := make(map[string][]model.ScoreHistory, len(riskIDs))
	if len(riskIDs) == 0 {
		return out, nil
	}

	in, args := inClause(riskIDs)
	clause, windowArgs := sqliteWindowSQL(window)
	query := fmt.Sprintf(`SELECT %s FROM (
		SELECT %s, ROW_NUMBER() OVER (PARTITION BY risk_id ORDER BY recorded_at DESC) AS rn
		FROM risk_score_history
		WHERE risk_id IN (%s)%s
	) ranked WHERE rn <= ? ORDER BY risk_id, recorded_at ASC`, historyColumns, historyColumns, in, clause)

	args = append(args, windowArgs...)
	args = append(args, window.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read history batch")
	}
	defer rows.Close()

	entries, err := sqliteCollectHistory(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[e.RiskID] = append(out[e.RiskID], e)
	}
	return out, nil
}

func sqliteCollectHistory(rows *sql.Rows) ([]model.ScoreHistory, error) {
	var out []model.ScoreHistory
	for rows.Next() {
		h, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate history")
}

func (s *SQLiteStore) FindFrameworks(ctx context.Context, ids []string) ([]model.Framework, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	in, args := inClause(ids)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, description FROM frameworks WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find frameworks")
	}
	defer rows.Close()

	var out []model.Framework
	for rows.Next() {
		f, err := scanFramework(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan framework")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate frameworks")
}

func (s *SQLiteStore) FindControls(ctx context.Context, frameworkIDs []string) ([]model.Control, error) {
	if len(frameworkIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(frameworkIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, framework_id, parent_id, code, title, sort_order FROM controls WHERE framework_id IN (`+in+`) ORDER BY framework_id, sort_order, code`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find controls")
	}
	defer rows.Close()

	var out []model.Control
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan control")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate controls")
}

func (s *SQLiteStore) FindControlMappings(ctx context.Context, controlIDs []string) ([]model.ControlMapping, error) {
	if len(controlIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(controlIDs)
	allArgs := append(args, args...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_control_id, target_control_id, bidirectional FROM control_mappings WHERE source_control_id IN (`+in+`) OR target_control_id IN (`+in+`)`, allArgs...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find control mappings")
	}
	defer rows.Close()

	var out []model.ControlMapping
	for rows.Next() {
		m, err := scanControlMapping(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan control mapping")
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate control mappings")
}

func (s *SQLiteStore) FindAssessments(ctx context.Context, frameworkIDs []string, organizationID string) ([]model.Assessment, error) {
	if len(frameworkIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(frameworkIDs)
	args = append(args, organizationID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, framework_id, ai_system_id, status, created_at FROM assessments WHERE framework_id IN (`+in+`) AND organization_id = ?`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find assessments")
	}
	defer rows.Close()

	var out []model.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assessment")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate assessments")
}

func (s *SQLiteStore) FindEvidence(ctx context.Context, controlIDs []string) ([]model.Evidence, error) {
	if len(controlIDs) == 0 {
		return nil, nil
	}
	in, args := inClause(controlIDs)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, control_id, title, uploaded_at FROM evidence WHERE control_id IN (`+in+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find evidence")
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan evidence")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate evidence")
}

var _ Store = (*SQLiteStore)(nil)
