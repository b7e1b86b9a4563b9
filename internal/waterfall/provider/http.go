package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/companyid/pkg/registryapi"
)

// HTTP resolves names through the registry API client.
type HTTP struct {
	name   string
	client registryapi.Client
}

// NewHTTP creates a provider backed by client.
func NewHTTP(name string, client registryapi.Client) *HTTP {
	return &HTTP{name: name, client: client}
}

func (h *HTTP) Name() string { return h.name }

func (h *HTTP) Available() bool { return h.client != nil }

func (h *HTTP) Lookup(ctx context.Context, name string) (*Candidate, error) {
	if h.client == nil {
		return nil, ErrUnavailable
	}
	co, err := h.client.Search(ctx, name)
	if err != nil {
		return nil, eris.Wrapf(err, "provider %s: lookup", h.name)
	}
	if co == nil || co.CompanyID == "" {
		return nil, nil
	}
	conf := co.Confidence
	if conf <= 0 || conf > 1 {
		conf = 1.0
	}
	return &Candidate{CompanyID: co.CompanyID, Confidence: conf, MatchedName: co.Name}, nil
}
