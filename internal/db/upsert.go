package db

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert operation.
type UpsertConfig struct {
	Table        string   // target table (e.g., "company_enrichment_cache")
	Columns      []string // all columns being inserted
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns

	// UpdateExprs overrides the default "col = EXCLUDED.col" assignment for
	// the given columns. Expressions may reference the target table by name
	// and the proposed row as EXCLUDED.
	UpdateExprs map[string]string
}

// UpsertCounts splits affected rows into fresh inserts and conflict updates.
type UpsertCounts struct {
	Inserted int64
	Updated  int64
}

// BulkUpsert performs a bulk upsert via a temp table and INSERT ... ON CONFLICT
// and returns how many rows were inserted versus updated.
//  1. Creates a temp table shaped like the target
//  2. COPY rows into the temp table
//  3. INSERT INTO target SELECT ... FROM temp ON CONFLICT (keys) DO UPDATE SET ...
//     RETURNING (xmax = 0), which is true only for freshly inserted rows
//  4. The temp table is dropped on commit
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (UpsertCounts, error) {
	var counts UpsertCounts
	if len(rows) == 0 {
		return counts, nil
	}
	if err := cfg.validate(); err != nil {
		return counts, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return counts, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := tempTableName(cfg.Table)

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		identifier(cfg.Table).Sanitize(),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return counts, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return counts, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	result, err := tx.Query(ctx, upsertSQL(cfg, tempTable)+" RETURNING (xmax = 0) AS inserted")
	if err != nil {
		return counts, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}
	for result.Next() {
		var inserted bool
		if err := result.Scan(&inserted); err != nil {
			result.Close()
			return counts, eris.Wrapf(err, "db: upsert: scan result for %s", cfg.Table)
		}
		if inserted {
			counts.Inserted++
		} else {
			counts.Updated++
		}
	}
	result.Close()
	if err := result.Err(); err != nil {
		return counts, eris.Wrapf(err, "db: upsert: iterate result for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertCounts{}, eris.Wrap(err, "db: upsert: commit tx")
	}
	return counts, nil
}

func (cfg UpsertConfig) validate() error {
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

// upsertSQL builds the INSERT ... SELECT ... ON CONFLICT statement.
func upsertSQL(cfg UpsertConfig, source string) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			conflictSet[k] = true
		}
		for _, c := range cfg.Columns {
			if !conflictSet[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	assigned := make(map[string]bool, len(updateCols))
	setClauses := make([]string, 0, len(updateCols)+len(cfg.UpdateExprs))
	for _, col := range updateCols {
		assigned[col] = true
		setClauses = append(setClauses, assignment(col, cfg.UpdateExprs))
	}
	var extra []string
	for col := range cfg.UpdateExprs {
		if !assigned[col] {
			extra = append(extra, col)
		}
	}
	sort.Strings(extra)
	for _, col := range extra {
		setClauses = append(setClauses, assignment(col, cfg.UpdateExprs))
	}

	colList := quoteAndJoin(cfg.Columns)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		identifier(cfg.Table).Sanitize(),
		colList,
		colList,
		pgx.Identifier{source}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(setClauses, ", "),
	)
}

func assignment(col string, exprs map[string]string) string {
	ident := pgx.Identifier{col}.Sanitize()
	if expr, ok := exprs[col]; ok {
		return ident + " = " + expr
	}
	return ident + " = EXCLUDED." + ident
}

func tempTableName(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

// identifier handles schema-qualified table names like "cache.pending_lookups".
func identifier(table string) pgx.Identifier {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}
	}
	return pgx.Identifier{table}
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
