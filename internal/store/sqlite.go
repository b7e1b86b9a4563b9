package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/companyid/internal/model"
)

// sqliteChunk bounds the number of (type, key) pairs per statement to stay
// well under SQLite's bound-parameter limit.
const sqliteChunk = 400

// SQLiteStore implements Store using modernc.org/sqlite.
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS company_enrichment_cache (
	lookup_key    TEXT NOT NULL,
	lookup_type   TEXT NOT NULL CHECK (lookup_type IN ('plan_code', 'account_name', 'account_number', 'customer_name', 'plan_customer')),
	company_id    TEXT NOT NULL,
	confidence    REAL NOT NULL DEFAULT 1.0 CHECK (confidence >= 0 AND confidence <= 1),
	source        TEXT NOT NULL CHECK (source IN ('override', 'registry', 'manual', 'backflow', 'learned', 'migrated')),
	source_domain TEXT,
	source_table  TEXT,
	hit_count     INTEGER NOT NULL DEFAULT 0 CHECK (hit_count >= 0),
	last_hit_at   DATETIME,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (lookup_key, lookup_type)
);

CREATE INDEX IF NOT EXISTS idx_enrichment_cache_company_id ON company_enrichment_cache(company_id);

CREATE TABLE IF NOT EXISTS pending_lookups (
	id              TEXT PRIMARY KEY,
	batch_id        TEXT NOT NULL,
	row_key         TEXT NOT NULL,
	raw_name        TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_pending_lookups_status ON pending_lookups(status, created_at);
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

const sqliteCacheColumns = `lookup_key, lookup_type, company_id, confidence, source, source_domain, source_table, hit_count, last_hit_at, created_at, updated_at`

func (s *SQLiteStore) LookupBatch(ctx context.Context, keys map[model.LookupType][]string) (map[model.CacheKey]model.EnrichmentRecord, error) {
	out := make(map[model.CacheKey]model.EnrichmentRecord)
	all := flattenKeys(keys)
	for start := 0; start < len(all); start += sqliteChunk {
		end := min(start+sqliteChunk, len(all))
		query, args := sqliteKeyFilter(`SELECT `+sqliteCacheColumns+` FROM company_enrichment_cache WHERE `, all[start:end])

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: lookup batch")
		}
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				rows.Close() //nolint:errcheck
				return nil, err
			}
			out[rec.Key()] = *rec
		}
		if err := rows.Close(); err != nil {
			return nil, eris.Wrap(err, "sqlite: lookup batch close")
		}
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "sqlite: lookup batch iterate")
		}
	}
	return out, nil
}

const sqliteUpsert = `
INSERT INTO company_enrichment_cache (` + sqliteCacheColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (lookup_key, lookup_type) DO UPDATE SET
	company_id = CASE WHEN excluded.confidence > company_enrichment_cache.confidence
		THEN excluded.company_id ELSE company_enrichment_cache.company_id END,
	source = CASE WHEN excluded.confidence > company_enrichment_cache.confidence
		THEN excluded.source ELSE company_enrichment_cache.source END,
	source_domain = COALESCE(excluded.source_domain, company_enrichment_cache.source_domain),
	source_table = COALESCE(excluded.source_table, company_enrichment_cache.source_table),
	confidence = MAX(company_enrichment_cache.confidence, excluded.confidence),
	hit_count = company_enrichment_cache.hit_count + 1,
	updated_at = excluded.updated_at`

func (s *SQLiteStore) UpsertBatch(ctx context.Context, records []model.EnrichmentRecord) (int, int, error) {
	recs, err := prepareRecords(records)
	if err != nil {
		return 0, 0, err
	}
	if len(recs) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: upsert begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	keys := make([]model.CacheKey, len(recs))
	for i, r := range recs {
		keys[i] = r.Key()
	}
	existing := 0
	for start := 0; start < len(keys); start += sqliteChunk {
		end := min(start+sqliteChunk, len(keys))
		query, args := sqliteKeyFilter(`SELECT COUNT(*) FROM company_enrichment_cache WHERE `, keys[start:end])
		var n int
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
			return 0, 0, eris.Wrap(err, "sqlite: upsert count existing")
		}
		existing += n
	}

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: upsert prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range recs {
		createdAt, updatedAt := r.CreatedAt, r.UpdatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if updatedAt.IsZero() {
			updatedAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			r.LookupKey, string(r.LookupType), r.CompanyID, r.Confidence, string(r.Source),
			r.SourceDomain, r.SourceTable, r.HitCount, r.LastHitAt, createdAt, updatedAt,
		); err != nil {
			return 0, 0, eris.Wrapf(err, "sqlite: upsert %s/%s", r.LookupType, r.LookupKey)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, eris.Wrap(err, "sqlite: upsert commit")
	}
	return len(recs) - existing, existing, nil
}

func (s *SQLiteStore) UpdateHitCount(ctx context.Context, key string, lt model.LookupType) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE company_enrichment_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE lookup_key = ? AND lookup_type = ?`,
		time.Now().UTC(), key, string(lt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update hit count %s/%s", lt, key)
	}
	return checkRowsAffected(res, "cache entry", string(lt)+"/"+key)
}

func (s *SQLiteStore) RecordHits(ctx context.Context, hits map[model.CacheKey]int) error {
	keys := sortedHits(hits)
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: record hits begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE company_enrichment_cache SET hit_count = hit_count + ?, last_hit_at = ? WHERE lookup_key = ? AND lookup_type = ?`)
	if err != nil {
		return eris.Wrap(err, "sqlite: record hits prepare")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, hits[k], now, k.Key, string(k.Type)); err != nil {
			return eris.Wrapf(err, "sqlite: record hit %s/%s", k.Type, k.Key)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: record hits commit")
}

func (s *SQLiteStore) CacheStats(ctx context.Context) ([]TypeStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lookup_type, COUNT(*), COALESCE(SUM(hit_count), 0), COALESCE(AVG(confidence), 0)
		 FROM company_enrichment_cache GROUP BY lookup_type ORDER BY lookup_type`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cache stats")
	}
	defer rows.Close() //nolint:errcheck

	var out []TypeStats
	for rows.Next() {
		var ts TypeStats
		if err := rows.Scan(&ts.LookupType, &ts.Entries, &ts.TotalHits, &ts.AvgConfidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache stats")
		}
		out = append(out, ts)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: cache stats iterate")
}

func (s *SQLiteStore) EnqueuePending(ctx context.Context, entries []model.PendingLookup) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: enqueue pending begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pending_lookups (id, batch_id, row_key, raw_name, normalized_name, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: enqueue pending prepare")
	}
	defer stmt.Close() //nolint:errcheck

	for _, e := range entries {
		e = withPendingDefaults(e)
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.BatchID, e.RowKey, e.RawName, e.NormalizedName, e.Status, e.Attempts, e.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: enqueue pending %s", e.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: enqueue pending commit")
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]model.PendingLookup, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, batch_id, row_key, raw_name, normalized_name, status, attempts, created_at
		 FROM pending_lookups WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		model.PendingStatusPending, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PendingLookup
	for rows.Next() {
		var e model.PendingLookup
		if err := rows.Scan(&e.ID, &e.BatchID, &e.RowKey, &e.RawName, &e.NormalizedName, &e.Status, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pending iterate")
}

func (s *SQLiteStore) RemovePending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_lookups WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: remove pending %s", id)
	}
	return checkRowsAffected(res, "pending lookup", id)
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_lookups WHERE status = ?`, model.PendingStatusPending,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count pending")
}

// helpers

// sqliteKeyFilter appends a row-value IN filter for keys to prefix.
func sqliteKeyFilter(prefix string, keys []model.CacheKey) (string, []any) {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("(lookup_type, lookup_key) IN (VALUES ")
	args := make([]any, 0, len(keys)*2)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?)")
		args = append(args, string(k.Type), k.Key)
	}
	b.WriteString(")")
	return b.String(), args
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.EnrichmentRecord, error) {
	var r model.EnrichmentRecord
	var lookupType, source string
	var domain, table sql.NullString
	var lastHit sql.NullTime

	err := row.Scan(&r.LookupKey, &lookupType, &r.CompanyID, &r.Confidence, &source,
		&domain, &table, &r.HitCount, &lastHit, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan cache record")
	}
	r.LookupType = model.LookupType(lookupType)
	r.Source = model.Source(source)
	if domain.Valid {
		r.SourceDomain = &domain.String
	}
	if table.Valid {
		r.SourceTable = &table.String
	}
	if lastHit.Valid {
		t := lastHit.Time
		r.LastHitAt = &t
	}
	return &r, nil
}
