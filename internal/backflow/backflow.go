// Package backflow writes newly confirmed alias → company mappings back into
// the enrichment cache so later batches resolve them without the registry.
package backflow

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/companyid/internal/model"
	"github.com/sells-group/companyid/internal/store"
)

// Origin is the provenance stamped on written records.
type Origin struct {
	Domain string `yaml:"domain" mapstructure:"domain"`
	Table  string `yaml:"table" mapstructure:"table"`
}

// Confirmation is one resolved row whose keys should be cached.
type Confirmation struct {
	Keys       []model.CacheKey
	CompanyID  string
	Confidence float64
	Source     model.Source
}

// Result reports one backflow write.
type Result struct {
	Attempted bool   `json:"attempted"`
	Records   int    `json:"records"`
	Inserted  int    `json:"inserted"`
	Updated   int    `json:"updated"`
	Error     string `json:"error,omitempty"`
}

// Collect turns confirmations into cache records keyed by normalized alias.
// Override and temp-id confirmations are dropped. Keys confirmed more than
// once keep the highest confidence; the first confirmation wins ties.
func Collect(confs []Confirmation, origin Origin, now time.Time) []model.EnrichmentRecord {
	idx := make(map[model.CacheKey]int)
	var out []model.EnrichmentRecord
	for _, c := range confs {
		if c.CompanyID == "" || c.Source == model.SourceOverride {
			continue
		}
		conf := model.RoundConfidence(c.Confidence)
		for _, k := range c.Keys {
			if k.Key == "" {
				continue
			}
			rec := model.EnrichmentRecord{
				LookupKey:    k.Key,
				LookupType:   k.Type,
				CompanyID:    c.CompanyID,
				Confidence:   conf,
				Source:       c.Source,
				SourceDomain: model.StringPtr(origin.Domain),
				SourceTable:  model.StringPtr(origin.Table),
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if i, dup := idx[k]; dup {
				if conf > out[i].Confidence {
					out[i] = rec
				}
				continue
			}
			idx[k] = len(out)
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LookupType != out[j].LookupType {
			return out[i].LookupType < out[j].LookupType
		}
		return out[i].LookupKey < out[j].LookupKey
	})
	return out
}

// Writer submits collected records to the cache in one upsert.
type Writer struct {
	cache store.CacheStore
}

// NewWriter creates a Writer over cache.
func NewWriter(cache store.CacheStore) *Writer {
	return &Writer{cache: cache}
}

// Write upserts records in a single batch. The returned Result is filled in
// on failure too, so callers can report it alongside resolved rows.
func (w *Writer) Write(ctx context.Context, records []model.EnrichmentRecord) (Result, error) {
	res := Result{Records: len(records)}
	if len(records) == 0 {
		return res, nil
	}
	if w == nil || w.cache == nil {
		return res, eris.New("backflow: no cache store configured")
	}

	res.Attempted = true
	inserted, updated, err := w.cache.UpsertBatch(ctx, records)
	if err != nil {
		err = eris.Wrap(err, "backflow: upsert")
		res.Error = err.Error()
		zap.L().Warn("backflow: write failed",
			zap.String("component", "backflow"),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
		return res, err
	}
	res.Inserted, res.Updated = inserted, updated

	zap.L().Debug("backflow: write complete",
		zap.String("component", "backflow"),
		zap.Int("records", len(records)),
		zap.Int("inserted", inserted),
		zap.Int("updated", updated),
	)
	return res, nil
}
