package waterfall

import (
	"time"

	"github.com/sells-group/companyid/internal/backflow"
	"github.com/sells-group/companyid/internal/model"
)

// RowResult is the outcome of the waterfall for one input row.
type RowResult struct {
	Index      int                    `json:"index"`
	RowKey     string                 `json:"row_key"`
	Status     model.ResolutionStatus `json:"status"`
	CompanyID  string                 `json:"company_id,omitempty"`
	Tier       string                 `json:"tier"`
	Source     model.Source           `json:"source,omitempty"`
	LookupType model.LookupType       `json:"lookup_type,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
}

// Statistics are the counters of one Resolve call.
type Statistics struct {
	Rows             int                      `json:"rows"`
	OverrideHits     map[model.LookupType]int `json:"override_hits"`
	CacheHits        map[model.LookupType]int `json:"cache_hits"`
	ExistingHits     int                      `json:"existing_hits"`
	RegistryHits     int                      `json:"registry_hits"`
	RegistryMisses   int                      `json:"registry_misses"`
	RegistryErrors   int                      `json:"registry_errors"`
	BudgetConsumed   int                      `json:"budget_consumed"`
	BudgetRemaining  int                      `json:"budget_remaining"`
	PendingQueued    int                      `json:"pending_queued"`
	TempIDs          int                      `json:"temp_ids"`
	Unresolved       int                      `json:"unresolved"`
	RepositoryErrors int                      `json:"repository_errors"`
	ValidationErrors []string                 `json:"validation_errors,omitempty"`
	Backflow         backflow.Result          `json:"backflow"`
	Elapsed          time.Duration            `json:"elapsed_ns"`
}

func newStatistics(rows int) Statistics {
	return Statistics{
		Rows:         rows,
		OverrideHits: make(map[model.LookupType]int),
		CacheHits:    make(map[model.LookupType]int),
	}
}

// Resolved returns the number of rows that received an authoritative id.
func (s Statistics) Resolved() int {
	n := s.ExistingHits + s.RegistryHits
	for _, v := range s.OverrideHits {
		n += v
	}
	for _, v := range s.CacheHits {
		n += v
	}
	return n
}

// BatchResult is the output of one Resolve call. Rows are copies of the input
// with the output column set; an empty value means null.
type BatchResult struct {
	BatchID string                `json:"batch_id"`
	Rows    []model.Row           `json:"rows"`
	Results []RowResult           `json:"results"`
	Stats   Statistics            `json:"statistics"`
	Pending []model.PendingLookup `json:"pending,omitempty"`
}

// IDs returns the output identifier of every row in input order.
func (b *BatchResult) IDs() []string {
	ids := make([]string, len(b.Results))
	for i, r := range b.Results {
		ids[i] = r.CompanyID
	}
	return ids
}
