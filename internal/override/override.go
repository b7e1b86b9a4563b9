// Package override holds the human-curated static mappings that take priority
// over every other resolution tier.
package override

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/companyid/internal/model"
	"github.com/sells-group/companyid/internal/normalize"
)

// File is the on-disk layout of an override table:
//
//	overrides:
//	  plan_code:
//	    P1: C1
//	  customer_name:
//	    公司A: C3
type File struct {
	Overrides map[string]map[string]string `yaml:"overrides"`
}

// Table is an in-memory override table keyed by normalized lookup key. It is
// safe for concurrent reads while Reload swaps in a new snapshot.
type Table struct {
	norm *normalize.Normalizer

	mu       sync.RWMutex
	path     string
	entries  map[model.LookupType]map[string]string
	loadedAt time.Time
}

// New creates an empty table.
func New(norm *normalize.Normalizer) *Table {
	return &Table{
		norm:    norm,
		entries: make(map[model.LookupType]map[string]string),
	}
}

// Load reads a YAML override file and returns a populated table.
func Load(path string, norm *normalize.Normalizer) (*Table, error) {
	t := New(norm)
	if err := t.LoadFile(path); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFile replaces the table contents with path's contents. On error the
// previous snapshot is kept.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.NewConfigurationError(err, "override: read %s", path)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return model.NewConfigurationError(err, "override: parse %s", path)
	}
	if err := t.Set(f.Overrides); err != nil {
		return err
	}

	t.mu.Lock()
	t.path = path
	t.mu.Unlock()

	zap.L().Info("override: table loaded",
		zap.String("path", path),
		zap.Int("entries", t.Len()),
	)
	return nil
}

// Reload re-reads the file the table was last loaded from.
func (t *Table) Reload() error {
	t.mu.RLock()
	path := t.path
	t.mu.RUnlock()
	if path == "" {
		return eris.New("override: reload: table was not loaded from a file")
	}
	return t.LoadFile(path)
}

// Set validates raw mappings (lookup type → raw key → company id), normalizes
// their keys and swaps them in atomically.
func (t *Table) Set(raw map[string]map[string]string) error {
	entries := make(map[model.LookupType]map[string]string, len(raw))
	for typeName, mappings := range raw {
		lt, err := model.ParseLookupType(typeName)
		if err != nil {
			return model.NewConfigurationError(err, "override: table section %q", typeName)
		}
		byKey := make(map[string]string, len(mappings))
		for rawKey, companyID := range mappings {
			if companyID == "" {
				return model.NewConfigurationError(nil, "override: %s %q has empty company id", lt, rawKey)
			}
			key, ok := t.norm.Normalize(rawKey, lt)
			if !ok {
				return model.NewConfigurationError(nil, "override: %s key %q normalizes to empty", lt, rawKey)
			}
			if prev, dup := byKey[key]; dup && prev != companyID {
				return model.NewConfigurationError(nil,
					"override: %s key %q maps to both %s and %s", lt, key, prev, companyID)
			}
			byKey[key] = companyID
		}
		entries[lt] = byKey
	}

	t.mu.Lock()
	t.entries = entries
	t.loadedAt = time.Now().UTC()
	t.mu.Unlock()
	return nil
}

// Lookup returns the company id for a normalized key.
func (t *Table) Lookup(lt model.LookupType, key string) (string, bool) {
	if t == nil || key == "" {
		return "", false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.entries[lt][key]
	return id, ok
}

// Len returns the total number of entries across all types.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.entries {
		n += len(m)
	}
	return n
}

// LoadedAt returns when the current snapshot was installed.
func (t *Table) LoadedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loadedAt
}

// Records exports the table as cache records with source override and
// confidence 1.0, sorted by type then key.
func (t *Table) Records(now time.Time) []model.EnrichmentRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []model.EnrichmentRecord
	for lt, m := range t.entries {
		for key, id := range m {
			out = append(out, model.EnrichmentRecord{
				LookupKey:  key,
				LookupType: lt,
				CompanyID:  id,
				Confidence: 1.0,
				Source:     model.SourceOverride,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LookupType != out[j].LookupType {
			return out[i].LookupType < out[j].LookupType
		}
		return out[i].LookupKey < out[j].LookupKey
	})
	return out
}
