// Package registryapi is a client for the external company registry's name
// search endpoint.
package registryapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/companyid/internal/resilience"
)

const defaultBaseURL = "https://registry.internal.sells-group.com"

// Client looks up companies by name.
type Client interface {
	// Search returns the registry's best match for name, or nil when the
	// registry has no match.
	Search(ctx context.Context, name string) (*Company, error)
}

// Company is one registry match.
type Company struct {
	CompanyID  string  `json:"company_id"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// SearchResponse is the response from GET /v1/companies/search.
type SearchResponse struct {
	Query   string    `json:"query"`
	Results []Company `json:"results"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *httpClient) {
		if perSec <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a registry API client.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, name string) (*Company, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "registryapi: rate limit wait")
		}
	}

	u := c.baseURL + "/v1/companies/search?" + url.Values{"name": {name}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "registryapi: create request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "registryapi: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "registryapi: read response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("registryapi: unexpected status %d: %s", resp.StatusCode, string(body)),
			resp.StatusCode,
		)
	case resp.StatusCode != http.StatusOK:
		return nil, eris.Errorf("registryapi: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "registryapi: unmarshal response")
	}
	return best(result.Results), nil
}

// best returns the highest-confidence result with a company ID. Ties keep the
// registry's order.
func best(results []Company) *Company {
	var top *Company
	for i := range results {
		r := &results[i]
		if r.CompanyID == "" {
			continue
		}
		if top == nil || r.Confidence > top.Confidence {
			top = r
		}
	}
	if top == nil {
		return nil
	}
	out := *top
	return &out
}
