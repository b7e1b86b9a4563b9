package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUpsertConfig() UpsertConfig {
	return UpsertConfig{
		Table:        "company_enrichment_cache",
		Columns:      []string{"lookup_key", "lookup_type", "company_id", "confidence", "hit_count"},
		ConflictKeys: []string{"lookup_key", "lookup_type"},
		UpdateCols:   []string{"company_id", "confidence"},
		UpdateExprs: map[string]string{
			"confidence": `GREATEST("company_enrichment_cache"."confidence", EXCLUDED."confidence")`,
			"hit_count":  `"company_enrichment_cache"."hit_count" + 1`,
		},
	}
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	counts, err := BulkUpsert(context.TODO(), nil, testUpsertConfig(), nil)
	assert.NoError(t, err)
	assert.Equal(t, UpsertCounts{}, counts)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "company_enrichment_cache",
		ConflictKeys: []string{"lookup_key"},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "company_enrichment_cache",
		Columns: []string{"lookup_key"},
	}, [][]any{{"a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_CountsInsertsAndUpdates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := testUpsertConfig()
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_company_enrichment_cache"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_company_enrichment_cache"}, cfg.Columns).
		WillReturnResult(3)
	mock.ExpectQuery(`ON CONFLICT .* RETURNING \(xmax = 0\)`).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true).AddRow(false).AddRow(true))
	mock.ExpectCommit()

	rows := [][]any{
		{"P1", "plan_code", "C1", 0.9, int64(0)},
		{"P2", "plan_code", "C2", 0.9, int64(0)},
		{"P3", "plan_code", "C3", 0.9, int64(0)},
	}
	counts, err := BulkUpsert(context.Background(), mock, cfg, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Inserted)
	assert.Equal(t, int64(1), counts.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := testUpsertConfig()
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_company_enrichment_cache"}, cfg.Columns).
		WillReturnError(fmt.Errorf("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, cfg, [][]any{{"P1", "plan_code", "C1", 0.9, int64(0)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSQL(t *testing.T) {
	sql := upsertSQL(testUpsertConfig(), "_tmp")
	assert.Contains(t, sql, `INSERT INTO "company_enrichment_cache"`)
	assert.Contains(t, sql, `FROM "_tmp"`)
	assert.Contains(t, sql, `ON CONFLICT ("lookup_key", "lookup_type")`)
	assert.Contains(t, sql, `"company_id" = EXCLUDED."company_id"`)
	assert.Contains(t, sql, `"confidence" = GREATEST(`)
	assert.Contains(t, sql, `"hit_count" = "company_enrichment_cache"."hit_count" + 1`)
}

func TestUpsertSQL_DefaultUpdateCols(t *testing.T) {
	sql := upsertSQL(UpsertConfig{
		Table:        "t",
		Columns:      []string{"id", "name", "value"},
		ConflictKeys: []string{"id"},
	}, "_tmp")
	assert.Contains(t, sql, `"name" = EXCLUDED."name", "value" = EXCLUDED."value"`)
	assert.NotContains(t, sql, `"id" = EXCLUDED`)
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"cache.pending_lookups", `"cache"."pending_lookups"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, identifier(tt.input).Sanitize())
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
