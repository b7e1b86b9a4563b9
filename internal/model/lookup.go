package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// LookupType identifies which identifying attribute a cache key was built from.
type LookupType string

const (
	LookupPlanCode      LookupType = "plan_code"
	LookupAccountName   LookupType = "account_name"
	LookupAccountNumber LookupType = "account_number"
	LookupCustomerName  LookupType = "customer_name"
	LookupPlanCustomer  LookupType = "plan_customer" // plan_code + "|" + customer_name
)

// AllLookupTypes lists every lookup type in default resolution priority.
var AllLookupTypes = []LookupType{
	LookupPlanCode,
	LookupAccountNumber,
	LookupPlanCustomer,
	LookupAccountName,
	LookupCustomerName,
}

// Valid reports whether t is one of the known lookup types.
func (t LookupType) Valid() bool {
	switch t {
	case LookupPlanCode, LookupAccountName, LookupAccountNumber, LookupCustomerName, LookupPlanCustomer:
		return true
	}
	return false
}

// IsName reports whether the type carries a free-text entity name.
func (t LookupType) IsName() bool {
	return t == LookupAccountName || t == LookupCustomerName
}

// ParseLookupType parses a lookup type name, case-insensitively.
func ParseLookupType(s string) (LookupType, error) {
	t := LookupType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", eris.Errorf("model: unknown lookup type %q", s)
	}
	return t, nil
}

// CacheKey addresses one cache entry.
type CacheKey struct {
	Type LookupType `json:"lookup_type"`
	Key  string     `json:"lookup_key"`
}

// Row is one input record keyed by column name. Empty values are null.
type Row map[string]string

// Get returns the trimmed value of col and whether it is non-null.
func (r Row) Get(col string) (string, bool) {
	if col == "" {
		return "", false
	}
	v, ok := r[col]
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}
