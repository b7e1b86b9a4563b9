package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// Source records where a cached mapping came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceRegistry Source = "registry"
	SourceManual   Source = "manual"
	SourceBackflow Source = "backflow"
	SourceLearned  Source = "learned"
	SourceMigrated Source = "migrated"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceOverride, SourceRegistry, SourceManual, SourceBackflow, SourceLearned, SourceMigrated:
		return true
	}
	return false
}

// EnrichmentRecord is one persisted alias → company mapping.
type EnrichmentRecord struct {
	LookupKey    string     `json:"lookup_key"`
	LookupType   LookupType `json:"lookup_type"`
	CompanyID    string     `json:"company_id"`
	Confidence   float64    `json:"confidence"`
	Source       Source     `json:"source"`
	SourceDomain *string    `json:"source_domain,omitempty"`
	SourceTable  *string    `json:"source_table,omitempty"`
	HitCount     int64      `json:"hit_count"`
	LastHitAt    *time.Time `json:"last_hit_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Key returns the record's cache address.
func (r EnrichmentRecord) Key() CacheKey {
	return CacheKey{Type: r.LookupType, Key: r.LookupKey}
}

// Validate checks the record against the table's check constraints.
func (r EnrichmentRecord) Validate() error {
	if r.LookupKey == "" {
		return eris.New("model: enrichment record has empty lookup_key")
	}
	if !r.LookupType.Valid() {
		return eris.Errorf("model: enrichment record has invalid lookup_type %q", r.LookupType)
	}
	if r.CompanyID == "" {
		return eris.Errorf("model: enrichment record %s/%s has empty company_id", r.LookupType, r.LookupKey)
	}
	if !r.Source.Valid() {
		return eris.Errorf("model: enrichment record has invalid source %q", r.Source)
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return eris.Errorf("model: enrichment record confidence %v out of range [0,1]", r.Confidence)
	}
	if r.HitCount < 0 {
		return eris.New("model: enrichment record has negative hit_count")
	}
	return nil
}

// RoundConfidence rounds c to the two decimals the cache column stores.
func RoundConfidence(c float64) float64 {
	return math.Round(c*100) / 100
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
