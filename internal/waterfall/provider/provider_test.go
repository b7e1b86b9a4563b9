package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/companyid/internal/resilience"
	"github.com/sells-group/companyid/pkg/registryapi"
)

func TestStatic_Lookup(t *testing.T) {
	s := NewStatic("static", map[string]string{"ACME": "C1"})
	s.Set("BETA", Candidate{CompanyID: "C2", Confidence: 0.8})
	s.Fail("BOOM", errors.New("boom"))
	ctx := context.Background()

	c, err := s.Lookup(ctx, "ACME")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "C1", c.CompanyID)
	assert.Equal(t, 1.0, c.Confidence)

	c, err = s.Lookup(ctx, "BETA")
	require.NoError(t, err)
	assert.Equal(t, 0.8, c.Confidence)

	c, err = s.Lookup(ctx, "MISSING")
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = s.Lookup(ctx, "BOOM")
	require.Error(t, err)
	assert.Equal(t, 4, s.Calls())
	assert.Equal(t, "static", s.Name())
}

func TestStatic_Unavailable(t *testing.T) {
	s := NewStatic("static", map[string]string{"ACME": "C1"})
	s.SetAvailable(false)

	assert.False(t, s.Available())
	_, err := s.Lookup(context.Background(), "ACME")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, s.Calls())
}

func TestStatic_CancelledContext(t *testing.T) {
	s := NewStatic("static", map[string]string{"ACME": "C1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Lookup(ctx, "ACME")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTP_Lookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("name") {
		case "ACME":
			_, _ = w.Write([]byte(`{"results": [{"company_id": "C3", "name": "Acme", "confidence": 0.93}]}`))
		case "ODD":
			_, _ = w.Write([]byte(`{"results": [{"company_id": "C4", "confidence": 0}]}`))
		default:
			_, _ = w.Write([]byte(`{"results": []}`))
		}
	}))
	defer srv.Close()

	p := NewHTTP("registry", registryapi.NewClient("t", registryapi.WithBaseURL(srv.URL), registryapi.WithRateLimit(0, 0)))
	assert.True(t, p.Available())
	ctx := context.Background()

	c, err := p.Lookup(ctx, "ACME")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "C3", c.CompanyID)
	assert.InDelta(t, 0.93, c.Confidence, 1e-9)
	assert.Equal(t, "Acme", c.MatchedName)

	c, err = p.Lookup(ctx, "ODD")
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.Confidence)

	c, err = p.Lookup(ctx, "NOBODY")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestHTTP_NilClient(t *testing.T) {
	p := NewHTTP("registry", nil)
	assert.False(t, p.Available())
	_, err := p.Lookup(context.Background(), "ACME")
	assert.ErrorIs(t, err, ErrUnavailable)
}

// flaky fails with a transient error for the first n calls.
type flaky struct {
	n     int
	calls int
}

func (f *flaky) Name() string    { return "flaky" }
func (f *flaky) Available() bool { return true }
func (f *flaky) Lookup(_ context.Context, _ string) (*Candidate, error) {
	f.calls++
	if f.calls <= f.n {
		return nil, resilience.NewTransientError(errors.New("503"), 503)
	}
	return &Candidate{CompanyID: "C1", Confidence: 1}, nil
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestGuarded_RetriesTransient(t *testing.T) {
	inner := &flaky{n: 2}
	g := NewGuarded(inner, fastRetry(3), resilience.DefaultCircuitBreakerConfig())

	c, err := g.Lookup(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, "C1", c.CompanyID)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, "flaky", g.Name())
}

func TestGuarded_OpenCircuitIsUnavailable(t *testing.T) {
	inner := &flaky{n: 100}
	g := NewGuarded(inner, fastRetry(1), resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	_, _ = g.Lookup(context.Background(), "A")
	assert.True(t, g.Available())
	_, _ = g.Lookup(context.Background(), "B")
	assert.False(t, g.Available())

	_, err := g.Lookup(context.Background(), "C")
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)

	g.Breaker().Reset()
	assert.True(t, g.Available())
}

func TestGuarded_PermanentErrorsDoNotTrip(t *testing.T) {
	s := NewStatic("static", nil)
	s.Fail("BAD", errors.New("unauthorized"))
	g := NewGuarded(s, fastRetry(3), resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := g.Lookup(context.Background(), "BAD")
		require.Error(t, err)
	}
	assert.True(t, g.Available())
	assert.Equal(t, 3, s.Calls())
}

// named renames a provider so its metric series are isolated per test.
type named struct {
	Provider
	name string
}

func (n named) Name() string { return n.name }

func TestGuarded_ReportsCircuitTransitions(t *testing.T) {
	inner := named{Provider: &flaky{n: 100}, name: "circuit-metrics"}
	var seen []resilience.CircuitState
	g := NewGuarded(inner, fastRetry(1), resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(_, to resilience.CircuitState) { seen = append(seen, to) },
	})
	assert.Equal(t, float64(resilience.CircuitClosed), testutil.ToFloat64(circuitState.WithLabelValues("circuit-metrics")))

	_, err := g.Lookup(context.Background(), "A")
	require.Error(t, err)
	assert.False(t, g.Available())
	assert.Equal(t, float64(resilience.CircuitOpen), testutil.ToFloat64(circuitState.WithLabelValues("circuit-metrics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(circuitTransitions.WithLabelValues("circuit-metrics", "closed", "open")))
	assert.Equal(t, []resilience.CircuitState{resilience.CircuitOpen}, seen)

	g.Breaker().Reset()
	assert.Equal(t, float64(resilience.CircuitClosed), testutil.ToFloat64(circuitState.WithLabelValues("circuit-metrics")))
	assert.Equal(t, []resilience.CircuitState{resilience.CircuitOpen, resilience.CircuitClosed}, seen)
}

func TestGuarded_CountsEveryAttempt(t *testing.T) {
	inner := &flaky{n: 2}
	g := NewGuarded(named{Provider: inner, name: "attempt-metrics"}, fastRetry(3), resilience.DefaultCircuitBreakerConfig())

	_, err := g.Lookup(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, 3.0, testutil.ToFloat64(lookupAttempts.WithLabelValues("attempt-metrics")))
}
