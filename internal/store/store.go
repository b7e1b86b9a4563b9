// Package store persists the enrichment cache and the pending-lookup queue.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/companyid/internal/model"
)

// CacheStore is the repository behind the enrichment cache. Every method is a
// single logical round trip regardless of how many keys it touches.
type CacheStore interface {
	// LookupBatch returns the records matching any of the given keys.
	LookupBatch(ctx context.Context, keys map[model.LookupType][]string) (map[model.CacheKey]model.EnrichmentRecord, error)
	// UpsertBatch inserts new records and merges conflicting ones: the higher
	// confidence wins and hit_count is incremented.
	UpsertBatch(ctx context.Context, records []model.EnrichmentRecord) (inserted, updated int, err error)
	// UpdateHitCount increments one record's hit_count and stamps last_hit_at.
	UpdateHitCount(ctx context.Context, key string, lt model.LookupType) error
	// RecordHits increments hit_count for many records at once.
	RecordHits(ctx context.Context, hits map[model.CacheKey]int) error
	// CacheStats summarizes the cache per lookup type.
	CacheStats(ctx context.Context) ([]TypeStats, error)
}

// PendingQueue is the append-only queue of lookups deferred for async resolution.
type PendingQueue interface {
	EnqueuePending(ctx context.Context, entries []model.PendingLookup) error
	ListPending(ctx context.Context, limit int) ([]model.PendingLookup, error)
	RemovePending(ctx context.Context, id string) error
	CountPending(ctx context.Context) (int, error)
}

// Store is a database backend providing both the cache and the queue.
type Store interface {
	CacheStore
	PendingQueue

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// TypeStats summarizes the cache entries of one lookup type.
type TypeStats struct {
	LookupType    model.LookupType `json:"lookup_type"`
	Entries       int64            `json:"entries"`
	TotalHits     int64            `json:"total_hits"`
	AvgConfidence float64          `json:"avg_confidence"`
}

// flattenKeys dedupes and orders the requested keys.
func flattenKeys(keys map[model.LookupType][]string) []model.CacheKey {
	seen := make(map[model.CacheKey]bool)
	var out []model.CacheKey
	for lt, ks := range keys {
		for _, k := range ks {
			ck := model.CacheKey{Type: lt, Key: k}
			if k == "" || seen[ck] {
				continue
			}
			seen[ck] = true
			out = append(out, ck)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// prepareRecords validates records, rounds confidence to the stored precision
// and collapses duplicate keys, keeping the highest confidence. The first
// record seen wins ties.
func prepareRecords(records []model.EnrichmentRecord) ([]model.EnrichmentRecord, error) {
	idx := make(map[model.CacheKey]int, len(records))
	out := make([]model.EnrichmentRecord, 0, len(records))
	for _, r := range records {
		r.Confidence = model.RoundConfidence(r.Confidence)
		if err := r.Validate(); err != nil {
			return nil, eris.Wrap(err, "store: invalid record")
		}
		if i, dup := idx[r.Key()]; dup {
			if r.Confidence > out[i].Confidence {
				out[i] = r
			}
			continue
		}
		idx[r.Key()] = len(out)
		out = append(out, r)
	}
	return out, nil
}

// sortedHits orders hit increments for deterministic statements.
func sortedHits(hits map[model.CacheKey]int) []model.CacheKey {
	keys := make([]model.CacheKey, 0, len(hits))
	for k, n := range hits {
		if n > 0 && k.Key != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Key < keys[j].Key
	})
	return keys
}

// withPendingDefaults fills the ID, status and timestamp of a new queue entry.
func withPendingDefaults(e model.PendingLookup) model.PendingLookup {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = model.PendingStatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}
