package main

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectUpsert(mock pgxmock.PgxPoolIface, table string, columns []string, rows int) {
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_" + table}, columns).WillReturnResult(int64(rows))
	mock.ExpectExec(`INSERT INTO`).WillReturnResult(pgxmock.NewResult("INSERT", int64(rows)))
	mock.ExpectCommit()
}

func TestImportCatalog(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	catalog := catalogFile{
		Frameworks: []catalogFramework{
			{ID: "fw-1", Name: "EU AI Act", Version: "2024"},
		},
		Controls: []catalogControl{
			{ID: "c-1", FrameworkID: "fw-1", Code: "AC-1", Title: "Governance", SortOrder: 1},
		},
	}

	expectUpsert(mock, "frameworks", []string{"id", "name", "version", "description"}, 1)
	expectUpsert(mock, "controls", []string{"id", "framework_id", "parent_id", "code", "title", "sort_order"}, 1)

	// No mappings in the catalog, so no third round-trip.
	total, err := importCatalog(context.Background(), mock, catalog)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportCatalog_GeneratesMappingIDs(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	catalog := catalogFile{
		Frameworks: []catalogFramework{{ID: "fw-1", Name: "EU AI Act"}},
		Mappings: []catalogMapping{
			{SourceControlID: "c-1", TargetControlID: "c-2", Bidirectional: true},
		},
	}

	expectUpsert(mock, "frameworks", []string{"id", "name", "version", "description"}, 1)
	expectUpsert(mock, "control_mappings", []string{"id", "source_control_id", "target_control_id", "bidirectional"}, 1)

	total, err := importCatalog(context.Background(), mock, catalog)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
