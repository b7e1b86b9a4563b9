// Package provider defines the external registry lookup used by the
// resolution waterfall, its call budget, and its implementations.
package provider

import (
	"context"

	"github.com/rotisserie/eris"
)

// ErrUnavailable is returned by Lookup when the provider cannot take calls.
var ErrUnavailable = eris.New("provider: unavailable")

// Candidate is a registry answer for one normalized customer name.
type Candidate struct {
	CompanyID   string  `json:"company_id"`
	Confidence  float64 `json:"confidence"`
	MatchedName string  `json:"matched_name,omitempty"`
}

// Provider resolves a normalized customer name to a company.
type Provider interface {
	// Name identifies the provider in logs, metrics and cache provenance.
	Name() string
	// Lookup returns the best candidate for name, or nil on a clean miss.
	Lookup(ctx context.Context, name string) (*Candidate, error)
	// Available reports whether the provider is currently accepting calls.
	Available() bool
}
