package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/companyid/internal/db"
	"github.com/sells-group/companyid/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	cacheTable   = "company_enrichment_cache"
	pendingTable = "pending_lookups"
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the per-row hot paths.
var preparedStatements = map[string]string{
	"update_hit_count": `UPDATE company_enrichment_cache SET hit_count = hit_count + 1, last_hit_at = $1 WHERE lookup_key = $2 AND lookup_type = $3`,
	"remove_pending":   `DELETE FROM pending_lookups WHERE id = $1`,
	"count_pending":    `SELECT COUNT(*) FROM pending_lookups WHERE status = $1`,
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

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS company_enrichment_cache (
	lookup_key    TEXT NOT NULL,
	lookup_type   TEXT NOT NULL CHECK (lookup_type IN ('plan_code', 'account_name', 'account_number', 'customer_name', 'plan_customer')),
	company_id    TEXT NOT NULL,
	confidence    NUMERIC(3,2) NOT NULL DEFAULT 1.00 CHECK (confidence >= 0 AND confidence <= 1),
	source        TEXT NOT NULL CHECK (source IN ('override', 'registry', 'manual', 'backflow', 'learned', 'migrated')),
	source_domain TEXT,
	source_table  TEXT,
	hit_count     BIGINT NOT NULL DEFAULT 0 CHECK (hit_count >= 0),
	last_hit_at   TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (lookup_key, lookup_type)
);

CREATE INDEX IF NOT EXISTS idx_enrichment_cache_company_id ON company_enrichment_cache(company_id);

CREATE TABLE IF NOT EXISTS pending_lookups (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	batch_id        TEXT NOT NULL,
	row_key         TEXT NOT NULL,
	raw_name        TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pending_lookups_status ON pending_lookups(status, created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const postgresLookupBatch = `SELECT c.lookup_key, c.lookup_type, c.company_id, c.confidence::float8, c.source,
	c.source_domain, c.source_table, c.hit_count, c.last_hit_at, c.created_at, c.updated_at
FROM company_enrichment_cache c
JOIN unnest($1::text[], $2::text[]) AS k(lookup_type, lookup_key)
	ON c.lookup_type = k.lookup_type AND c.lookup_key = k.lookup_key`

func (s *PostgresStore) LookupBatch(ctx context.Context, keys map[model.LookupType][]string) (map[model.CacheKey]model.EnrichmentRecord, error) {
	out := make(map[model.CacheKey]model.EnrichmentRecord)
	all := flattenKeys(keys)
	if len(all) == 0 {
		return out, nil
	}

	types := make([]string, len(all))
	lookupKeys := make([]string, len(all))
	for i, k := range all {
		types[i] = string(k.Type)
		lookupKeys[i] = k.Key
	}

	rows, err := s.pool.Query(ctx, postgresLookupBatch, types, lookupKeys)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lookup batch")
	}
	defer rows.Close()

	for rows.Next() {
		var r model.EnrichmentRecord
		if err := rows.Scan(&r.LookupKey, &r.LookupType, &r.CompanyID, &r.Confidence, &r.Source,
			&r.SourceDomain, &r.SourceTable, &r.HitCount, &r.LastHitAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache record")
		}
		out[r.Key()] = r
	}
	return out, eris.Wrap(rows.Err(), "postgres: lookup batch iterate")
}

// cacheUpsertConfig merges conflicting rows: the mapping only moves to a
// strictly more confident company, confidence never decreases, and every
// re-observation counts as a hit.
var cacheUpsertConfig = db.UpsertConfig{
	Table: cacheTable,
	Columns: []string{
		"lookup_key", "lookup_type", "company_id", "confidence", "source",
		"source_domain", "source_table", "hit_count", "last_hit_at", "created_at", "updated_at",
	},
	ConflictKeys: []string{"lookup_key", "lookup_type"},
	UpdateCols:   []string{"company_id", "source", "source_domain", "source_table", "confidence", "hit_count", "updated_at"},
	UpdateExprs: map[string]string{
		"company_id": `CASE WHEN EXCLUDED."confidence" > "company_enrichment_cache"."confidence"
			THEN EXCLUDED."company_id" ELSE "company_enrichment_cache"."company_id" END`,
		"source": `CASE WHEN EXCLUDED."confidence" > "company_enrichment_cache"."confidence"
			THEN EXCLUDED."source" ELSE "company_enrichment_cache"."source" END`,
		"source_domain": `COALESCE(EXCLUDED."source_domain", "company_enrichment_cache"."source_domain")`,
		"source_table":  `COALESCE(EXCLUDED."source_table", "company_enrichment_cache"."source_table")`,
		"confidence":    `GREATEST("company_enrichment_cache"."confidence", EXCLUDED."confidence")`,
		"hit_count":     `"company_enrichment_cache"."hit_count" + 1`,
	},
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, records []model.EnrichmentRecord) (int, int, error) {
	recs, err := prepareRecords(records)
	if err != nil {
		return 0, 0, err
	}
	if len(recs) == 0 {
		return 0, 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(recs))
	for i, r := range recs {
		createdAt, updatedAt := r.CreatedAt, r.UpdatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if updatedAt.IsZero() {
			updatedAt = now
		}
		rows[i] = []any{
			r.LookupKey, string(r.LookupType), r.CompanyID, r.Confidence, string(r.Source),
			r.SourceDomain, r.SourceTable, r.HitCount, r.LastHitAt, createdAt, updatedAt,
		}
	}

	counts, err := db.BulkUpsert(ctx, s.pool, cacheUpsertConfig, rows)
	if err != nil {
		return 0, 0, eris.Wrap(err, "postgres: upsert batch")
	}
	return int(counts.Inserted), int(counts.Updated), nil
}

func (s *PostgresStore) UpdateHitCount(ctx context.Context, key string, lt model.LookupType) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE company_enrichment_cache SET hit_count = hit_count + 1, last_hit_at = $1 WHERE lookup_key = $2 AND lookup_type = $3`,
		time.Now().UTC(), key, string(lt),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update hit count %s/%s", lt, key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: cache entry not found: %s/%s", lt, key)
	}
	return nil
}

const postgresRecordHits = `UPDATE company_enrichment_cache c
SET hit_count = c.hit_count + h.hits, last_hit_at = $4
FROM unnest($1::text[], $2::text[], $3::int8[]) AS h(lookup_type, lookup_key, hits)
WHERE c.lookup_type = h.lookup_type AND c.lookup_key = h.lookup_key`

func (s *PostgresStore) RecordHits(ctx context.Context, hits map[model.CacheKey]int) error {
	keys := sortedHits(hits)
	if len(keys) == 0 {
		return nil
	}

	types := make([]string, len(keys))
	lookupKeys := make([]string, len(keys))
	counts := make([]int64, len(keys))
	for i, k := range keys {
		types[i] = string(k.Type)
		lookupKeys[i] = k.Key
		counts[i] = int64(hits[k])
	}

	_, err := s.pool.Exec(ctx, postgresRecordHits, types, lookupKeys, counts, time.Now().UTC())
	return eris.Wrap(err, "postgres: record hits")
}

func (s *PostgresStore) CacheStats(ctx context.Context) ([]TypeStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT lookup_type, COUNT(*), COALESCE(SUM(hit_count), 0)::int8, COALESCE(AVG(confidence), 0)::float8
		 FROM company_enrichment_cache GROUP BY lookup_type ORDER BY lookup_type`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cache stats")
	}
	defer rows.Close()

	var out []TypeStats
	for rows.Next() {
		var ts TypeStats
		if err := rows.Scan(&ts.LookupType, &ts.Entries, &ts.TotalHits, &ts.AvgConfidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache stats")
		}
		out = append(out, ts)
	}
	return out, eris.Wrap(rows.Err(), "postgres: cache stats iterate")
}

var pendingColumns = []string{"id", "batch_id", "row_key", "raw_name", "normalized_name", "status", "attempts", "created_at"}

func (s *PostgresStore) EnqueuePending(ctx context.Context, entries []model.PendingLookup) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		e = withPendingDefaults(e)
		rows[i] = []any{e.ID, e.BatchID, e.RowKey, e.RawName, e.NormalizedName, e.Status, e.Attempts, e.CreatedAt}
	}
	_, err := db.CopyFrom(ctx, s.pool, pendingTable, pendingColumns, rows)
	return eris.Wrap(err, "postgres: enqueue pending")
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]model.PendingLookup, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, row_key, raw_name, normalized_name, status, attempts, created_at
		 FROM pending_lookups WHERE status = $1 ORDER BY created_at, id LIMIT $2`,
		model.PendingStatusPending, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending")
	}
	defer rows.Close()

	var out []model.PendingLookup
	for rows.Next() {
		var e model.PendingLookup
		if err := rows.Scan(&e.ID, &e.BatchID, &e.RowKey, &e.RawName, &e.NormalizedName, &e.Status, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pending iterate")
}

func (s *PostgresStore) RemovePending(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pending_lookups WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: remove pending %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: pending lookup not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pending_lookups WHERE status = $1`, model.PendingStatusPending,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count pending")
}
