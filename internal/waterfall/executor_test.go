package waterfall

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/companyid/internal/model"
	"github.com/sells-group/companyid/internal/normalize"
	"github.com/sells-group/companyid/internal/override"
	"github.com/sells-group/companyid/internal/store"
	"github.com/sells-group/companyid/internal/tempid"
	"github.com/sells-group/companyid/internal/waterfall/provider"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newOverrides(t *testing.T, raw map[string]map[string]string) *override.Table {
	t.Helper()
	tbl := override.New(normalize.Default())
	require.NoError(t, tbl.Set(raw))
	return tbl
}

func newTempIDs(t *testing.T) *tempid.Generator {
	t.Helper()
	g, err := tempid.New("test-secret")
	require.NoError(t, err)
	return g
}

func seed(t *testing.T, st store.CacheStore, lt model.LookupType, key, id string, conf float64) {
	t.Helper()
	_, _, err := st.UpsertBatch(context.Background(), []model.EnrichmentRecord{{
		LookupType: lt,
		LookupKey:  key,
		CompanyID:  id,
		Confidence: conf,
		Source:     model.SourceManual,
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}})
	require.NoError(t, err)
}

func cached(t *testing.T, st store.CacheStore, lt model.LookupType, key string) (model.EnrichmentRecord, bool) {
	t.Helper()
	recs, err := st.LookupBatch(context.Background(), map[model.LookupType][]string{lt: {key}})
	require.NoError(t, err)
	rec, ok := recs[model.CacheKey{Type: lt, Key: key}]
	return rec, ok
}

// testStrategy resolves on plan code and customer name only.
func testStrategy() Strategy {
	s := DefaultStrategy()
	s.AccountNameColumn = ""
	s.AccountNumberColumn = ""
	s.LookupOrder = []model.LookupType{model.LookupPlanCode, model.LookupPlanCustomer, model.LookupCustomerName}
	return s
}

func nameRows(names ...string) []model.Row {
	rows := make([]model.Row, len(names))
	for i, n := range names {
		rows[i] = model.Row{"customer_name": n}
	}
	return rows
}

func statuses(res *BatchResult) []model.ResolutionStatus {
	out := make([]model.ResolutionStatus, len(res.Results))
	for i, r := range res.Results {
		out[i] = r.Status
	}
	return out
}

func TestResolve_TierScenario(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seed(t, st, model.LookupPlanCode, "P2", "C2", 0.95)

	reg := provider.NewStatic("registry", map[string]string{"公司A": "C3"})
	budget := provider.NewBudget(10)
	r := NewResolver(normalize.Default(),
		WithOverrides(newOverrides(t, map[string]map[string]string{"plan_code": {"P1": "C1"}})),
		WithCache(st),
		WithProvider(reg, budget),
		WithTempIDs(newTempIDs(t)),
		WithNow(func() time.Time { return testNow }),
	)

	rows := []model.Row{
		{"plan_code": "P1", "customer_name": "X"},
		{"plan_code": "P2", "customer_name": "Y"},
		{"customer_name": " 公司A "},
	}
	res, err := r.Resolve(ctx, rows, testStrategy())
	require.NoError(t, err)

	assert.Equal(t, []string{"C1", "C2", "C3"}, res.IDs())
	assert.Equal(t, []model.ResolutionStatus{
		model.StatusSuccessInternal, model.StatusSuccessInternal, model.StatusSuccessExternal,
	}, statuses(res))
	assert.Equal(t, model.TierOverride, res.Results[0].Tier)
	assert.Equal(t, model.TierCache, res.Results[1].Tier)
	assert.Equal(t, model.TierRegistry, res.Results[2].Tier)

	assert.Equal(t, 1, res.Stats.OverrideHits[model.LookupPlanCode])
	assert.Equal(t, 1, res.Stats.CacheHits[model.LookupPlanCode])
	assert.Equal(t, 1, res.Stats.RegistryHits)
	assert.Equal(t, 1, res.Stats.BudgetConsumed)
	assert.Equal(t, 9, res.Stats.BudgetRemaining)
	assert.Equal(t, 0, res.Stats.Unresolved)
	assert.Equal(t, 3, res.Stats.Resolved())

	// Output rows carry the id; inputs are untouched.
	assert.Equal(t, "C3", res.Rows[2]["company_id"])
	_, touched := rows[2]["company_id"]
	assert.False(t, touched)

	rec, ok := cached(t, st, model.LookupCustomerName, "公司A")
	require.True(t, ok)
	assert.Equal(t, "C3", rec.CompanyID)
	assert.Equal(t, model.SourceRegistry, rec.Source)

	// Siblings of the cache hit are backflowed with the hit's confidence.
	rec, ok = cached(t, st, model.LookupPlanCustomer, "P2|Y")
	require.True(t, ok)
	assert.Equal(t, "C2", rec.CompanyID)
	assert.Equal(t, model.SourceBackflow, rec.Source)
	assert.InDelta(t, 0.95, rec.Confidence, 0.001)

	// Override hits never reach the cache.
	_, ok = cached(t, st, model.LookupPlanCode, "P1")
	assert.False(t, ok)
	_, ok = cached(t, st, model.LookupCustomerName, "X")
	assert.False(t, ok)

	assert.True(t, res.Stats.Backflow.Attempted)
	assert.Equal(t, 3, res.Stats.Backflow.Records)

	hitRec, ok := cached(t, st, model.LookupPlanCode, "P2")
	require.True(t, ok)
	assert.Equal(t, int64(1), hitRec.HitCount)
}

func TestResolve_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := provider.NewStatic("registry", map[string]string{"ACME": "C9"})
	r := NewResolver(normalize.Default(),
		WithCache(st),
		WithProvider(reg, provider.NewBudget(100)),
		WithTempIDs(newTempIDs(t)),
	)
	rows := nameRows("Acme, Inc.", "Unknown Holdings", "acme")

	first, err := r.Resolve(ctx, rows, testStrategy())
	require.NoError(t, err)
	second, err := r.Resolve(ctx, rows, testStrategy())
	require.NoError(t, err)

	assert.Equal(t, first.IDs(), second.IDs())
	assert.Equal(t, "C9", first.IDs()[0])
	assert.Equal(t, "C9", first.IDs()[2])
	assert.True(t, tempid.IsTemp(first.IDs()[1]))

	// Second run hits the cache for ACME; only the unknown name goes out again.
	assert.Equal(t, 3, reg.Calls())
	assert.Equal(t, model.TierCache, second.Results[0].Tier)
	assert.NotEqual(t, first.BatchID, second.BatchID)
}

func TestResolve_OverrideBeatsCache(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, model.LookupPlanCode, "P1", "CACHED", 1.0)
	r := NewResolver(normalize.Default(),
		WithOverrides(newOverrides(t, map[string]map[string]string{"customer_name": {"Beta": "OVR"}})),
		WithCache(st),
	)
	res, err := r.Resolve(context.Background(), []model.Row{{"plan_code": "P1", "customer_name": "beta"}}, testStrategy())
	require.NoError(t, err)
	assert.Equal(t, "OVR", res.IDs()[0])
	assert.Equal(t, model.SourceOverride, res.Results[0].Source)
}

func TestResolve_LookupOrder(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, model.LookupPlanCode, "P7", "BY-PLAN", 1.0)
	seed(t, st, model.LookupCustomerName, "GAMMA", "BY-NAME", 1.0)
	r := NewResolver(normalize.Default(), WithCache(st))
	rows := []model.Row{{"plan_code": "p7", "customer_name": "Gamma"}}

	res, err := r.Resolve(context.Background(), rows, testStrategy())
	require.NoError(t, err)
	assert.Equal(t, "BY-PLAN", res.IDs()[0])
	assert.Equal(t, model.LookupPlanCode, res.Results[0].LookupType)

	s := testStrategy()
	s.LookupOrder = []model.LookupType{model.LookupCustomerName, model.LookupPlanCode}
	res, err = r.Resolve(context.Background(), rows, s)
	require.NoError(t, err)
	assert.Equal(t, "BY-NAME", res.IDs()[0])
	assert.Equal(t, model.LookupCustomerName, res.Results[0].LookupType)
}

func TestResolve_BudgetEnforced(t *testing.T) {
	reg := provider.NewStatic("registry", map[string]string{
		"A": "CA", "B": "CB", "C": "CC", "D": "CD", "E": "CE",
	})
	budget := provider.NewBudget(2)
	r := NewResolver(normalize.Default(),
		WithProvider(reg, budget),
		WithTempIDs(newTempIDs(t)),
	)

	res, err := r.Resolve(context.Background(), nameRows("a", "b", "c", "d", "e"), testStrategy())
	require.NoError(t, err)

	assert.Equal(t, 2, reg.Calls())
	assert.Equal(t, 0, budget.Remaining())
	assert.Equal(t, 2, res.Stats.RegistryHits)
	assert.Equal(t, 2, res.Stats.BudgetConsumed)
	assert.Equal(t, 3, res.Stats.TempIDs)
	assert.Equal(t, []model.ResolutionStatus{
		model.StatusSuccessExternal, model.StatusSuccessExternal,
		model.StatusTempAssigned, model.StatusTempAssigned, model.StatusTempAssigned,
	}, statuses(res))

	// Budget is per resolver; a second batch gets no registry calls.
	res, err = r.Resolve(context.Background(), nameRows("a"), testStrategy())
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Calls())
	assert.Equal(t, model.StatusTempAssigned, res.Results[0].Status)
}

func TestResolve_DuplicateNamesCallOnce(t *testing.T) {
	reg := provider.NewStatic("registry", map[string]string{"ACME": "C1"})
	r := NewResolver(normalize.Default(), WithProvider(reg, provider.NewBudget(5)))

	res, err := r.Resolve(context.Background(), nameRows("Acme", "ACME LLC", " acme "), testStrategy())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Calls())
	assert.Equal(t, 1, res.Stats.BudgetConsumed)
	assert.Equal(t, 3, res.Stats.RegistryHits)
	assert.Equal(t, []string{"C1", "C1", "C1"}, res.IDs())
}

func TestResolve_PendingQueue(t *testing.T) {
	st := newTestStore(t)
	reg := provider.NewStatic("registry", map[string]string{"A": "CA"})
	r := NewResolver(normalize.Default(),
		WithCache(st),
		WithQueue(st),
		WithProvider(reg, provider.NewBudget(1)),
		WithTempIDs(newTempIDs(t)),
	)
	s := testStrategy()
	s.EnableAsyncQueue = true

	res, err := r.Resolve(context.Background(), nameRows("a", "b", "c"), s)
	require.NoError(t, err)

	assert.Equal(t, []model.ResolutionStatus{
		model.StatusSuccessExternal, model.StatusPendingLookup, model.StatusPendingLookup,
	}, statuses(res))
	assert.Equal(t, "", res.IDs()[1])
	assert.Equal(t, 2, res.Stats.PendingQueued)
	require.Len(t, res.Pending, 2)
	assert.Equal(t, "B", res.Pending[0].NormalizedName)
	assert.Equal(t, "b", res.Pending[0].RawName)
	assert.Equal(t, res.BatchID, res.Pending[0].BatchID)
	assert.Equal(t, "1", res.Pending[0].RowKey)

	n, err := st.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResolve_PendingWithoutQueueFallsToTemp(t *testing.T) {
	reg := provider.NewStatic("registry", nil)
	reg.SetAvailable(false)
	r := NewResolver(normalize.Default(),
		WithProvider(reg, provider.NewBudget(10)),
		WithTempIDs(newTempIDs(t)),
	)
	s := testStrategy()
	s.EnableAsyncQueue = true

	res, err := r.Resolve(context.Background(), nameRows("a"), s)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTempAssigned, res.Results[0].Status)
	assert.Equal(t, 0, res.Stats.BudgetConsumed)
	assert.Equal(t, 0, reg.Calls())
}

func TestResolve_UnavailableProviderQueues(t *testing.T) {
	st := newTestStore(t)
	reg := provider.NewStatic("registry", map[string]string{"A": "CA"})
	reg.SetAvailable(false)
	budget := provider.NewBudget(10)
	r := NewResolver(normalize.Default(), WithQueue(st), WithProvider(reg, budget))
	s := testStrategy()
	s.EnableAsyncQueue = true

	res, err := r.Resolve(context.Background(), nameRows("a", "b"), s)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.PendingQueued)
	assert.Equal(t, 10, budget.Remaining())
}

// brokenQueue fails every append.
type brokenQueue struct{ store.PendingQueue }

func (brokenQueue) EnqueuePending(context.Context, []model.PendingLookup) error {
	return errors.New("queue offline")
}

func TestResolve_EnqueueFailureFallsBack(t *testing.T) {
	reg := provider.NewStatic("registry", nil)
	r := NewResolver(normalize.Default(),
		WithQueue(brokenQueue{}),
		WithProvider(reg, provider.NewBudget(0)),
		WithTempIDs(newTempIDs(t)),
	)
	s := testStrategy()
	s.EnableAsyncQueue = true

	res, err := r.Resolve(context.Background(), nameRows("a"), s)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTempAssigned, res.Results[0].Status)
	assert.Equal(t, 1, res.Stats.RepositoryErrors)
	assert.Equal(t, 0, res.Stats.PendingQueued)
	assert.Empty(t, res.Pending)
}

func TestResolve_RegistryErrorAndMiss(t *testing.T) {
	reg := provider.NewStatic("registry", nil)
	reg.Fail("BROKEN", errors.New("status 500"))
	r := NewResolver(normalize.Default(),
		WithProvider(reg, provider.NewBudget(10)),
		WithTempIDs(newTempIDs(t)),
	)

	res, err := r.Resolve(context.Background(), nameRows("broken", "nobody"), testStrategy())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.RegistryErrors)
	assert.Equal(t, 1, res.Stats.RegistryMisses)
	assert.Equal(t, 2, res.Stats.TempIDs)
	assert.Equal(t, 2, res.Stats.BudgetConsumed)
}

func TestResolve_ExistingColumn(t *testing.T) {
	st := newTestStore(t)
	gen := newTempIDs(t)
	reg := provider.NewStatic("registry", map[string]string{"TEMP": "REAL"})
	r := NewResolver(normalize.Default(),
		WithCache(st),
		WithProvider(reg, provider.NewBudget(10)),
		WithTempIDs(gen),
	)
	s := testStrategy()
	s.ExistingIDColumn = "legacy_id"

	rows := []model.Row{
		{"customer_name": "Known Corp", "legacy_id": "E1"},
		{"customer_name": "Temp Co", "legacy_id": gen.Derive("TEMP")},
	}
	res, err := r.Resolve(context.Background(), rows, s)
	require.NoError(t, err)

	assert.Equal(t, "E1", res.IDs()[0])
	assert.Equal(t, model.TierExisting, res.Results[0].Tier)
	assert.Equal(t, model.SourceManual, res.Results[0].Source)
	assert.Equal(t, 1, res.Stats.ExistingHits)

	// A temp id in the existing column is not authoritative.
	assert.Equal(t, "REAL", res.IDs()[1])
	assert.Equal(t, 1, reg.Calls())

	rec, ok := cached(t, st, model.LookupCustomerName, "KNOWN")
	require.True(t, ok)
	assert.Equal(t, "E1", rec.CompanyID)
	assert.InDelta(t, 0.9, rec.Confidence, 0.001)
}

func TestResolve_TempIDs(t *testing.T) {
	gen := newTempIDs(t)
	r := NewResolver(normalize.Default(), WithTempIDs(gen))
	s := testStrategy()
	s.EnableRegistry = false

	rows := []model.Row{
		{"customer_name": "Acme Inc"},
		{"plan_code": "P9"},
		{"other": "x"},
	}
	res, err := r.Resolve(context.Background(), rows, s)
	require.NoError(t, err)

	assert.Equal(t, gen.Derive("ACME"), res.IDs()[0])
	assert.Equal(t, gen.Derive("plan_code:P9"), res.IDs()[1])
	assert.Equal(t, model.StatusFailed, res.Results[2].Status)
	assert.Equal(t, "", res.IDs()[2])
	assert.Equal(t, 2, res.Stats.TempIDs)
	assert.Equal(t, 1, res.Stats.Unresolved)

	s.GenerateTempIDs = false
	res, err = r.Resolve(context.Background(), rows, s)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stats.Unresolved)
}

func TestResolve_TempIDsNeverCached(t *testing.T) {
	st := newTestStore(t)
	r := NewResolver(normalize.Default(), WithCache(st), WithTempIDs(newTempIDs(t)))
	s := testStrategy()
	s.EnableRegistry = false

	res, err := r.Resolve(context.Background(), nameRows("Lonely Ltd"), s)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTempAssigned, res.Results[0].Status)
	assert.False(t, res.Stats.Backflow.Attempted)

	stats, err := st.CacheStats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestResolve_MissingColumns(t *testing.T) {
	r := NewResolver(normalize.Default(), WithTempIDs(newTempIDs(t)))

	// Default strategy also names account columns that these rows lack.
	s := DefaultStrategy()
	s.EnableRegistry = false
	res, err := r.Resolve(context.Background(), nameRows("Acme"), s)
	require.NoError(t, err)
	assert.Len(t, res.Stats.ValidationErrors, 3)
	assert.Equal(t, model.StatusTempAssigned, res.Results[0].Status)

	_, err = r.Resolve(context.Background(), []model.Row{{"unrelated": "x"}}, testStrategy())
	require.Error(t, err)
	assert.True(t, model.IsConfiguration(err))
}

// brokenCache fails every call.
type brokenCache struct{ store.CacheStore }

func (brokenCache) LookupBatch(context.Context, map[model.LookupType][]string) (map[model.CacheKey]model.EnrichmentRecord, error) {
	return nil, errors.New("database is locked")
}

func (brokenCache) UpsertBatch(context.Context, []model.EnrichmentRecord) (int, int, error) {
	return 0, 0, errors.New("database is locked")
}

func TestResolve_RepositoryErrorDegrades(t *testing.T) {
	reg := provider.NewStatic("registry", map[string]string{"ACME": "C1"})
	r := NewResolver(normalize.Default(),
		WithCache(brokenCache{}),
		WithProvider(reg, provider.NewBudget(10)),
	)

	res, err := r.Resolve(context.Background(), nameRows("Acme"), testStrategy())
	require.NoError(t, err)
	assert.Equal(t, "C1", res.IDs()[0])
	assert.Equal(t, 2, res.Stats.RepositoryErrors)
	assert.True(t, res.Stats.Backflow.Attempted)
	assert.NotEmpty(t, res.Stats.Backflow.Error)
}

func TestResolve_CancelledBeforeStart(t *testing.T) {
	st := newTestStore(t)
	reg := provider.NewStatic("registry", map[string]string{"ACME": "C1"})
	r := NewResolver(normalize.Default(), WithCache(st), WithQueue(st), WithProvider(reg, provider.NewBudget(10)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, nameRows("Acme"), testStrategy())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, reg.Calls())
}

// cancellingProvider cancels the batch context from inside a lookup.
type cancellingProvider struct {
	cancel context.CancelFunc
}

func (p *cancellingProvider) Name() string    { return "cancelling" }
func (p *cancellingProvider) Available() bool { return true }

func (p *cancellingProvider) Lookup(ctx context.Context, _ string) (*provider.Candidate, error) {
	p.cancel()
	<-ctx.Done()
	return &provider.Candidate{CompanyID: "LATE", Confidence: 1}, nil
}

func TestResolve_CancelledMidBatchWritesNothing(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewResolver(normalize.Default(),
		WithCache(st),
		WithProvider(&cancellingProvider{cancel: cancel}, provider.NewBudget(10)),
	)

	_, err := r.Resolve(ctx, nameRows("Acme"), testStrategy())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := cached(t, st, model.LookupCustomerName, "ACME")
	assert.False(t, ok)
}

func TestResolve_RowKeyColumn(t *testing.T) {
	r := NewResolver(normalize.Default(), WithTempIDs(newTempIDs(t)))
	s := testStrategy()
	s.EnableRegistry = false
	s.RowKeyColumn = "id"

	res, err := r.Resolve(context.Background(), []model.Row{
		{"id": "row-7", "customer_name": "Acme"},
		{"customer_name": "Beta"},
	}, s)
	require.NoError(t, err)
	assert.Equal(t, "row-7", res.Results[0].RowKey)
	assert.Equal(t, "1", res.Results[1].RowKey)
}

func TestResolve_EmptyBatch(t *testing.T) {
	r := NewResolver(nil)
	res, err := r.Resolve(context.Background(), nil, DefaultStrategy())
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Equal(t, 0, res.Stats.Rows)
	assert.Equal(t, -1, res.Stats.BudgetRemaining)
}

// slowProvider answers every name after a short delay.
type slowProvider struct {
	delay time.Duration
	calls atomic.Int64
}

func (p *slowProvider) Name() string    { return "slow" }
func (p *slowProvider) Available() bool { return true }

func (p *slowProvider) Lookup(ctx context.Context, name string) (*provider.Candidate, error) {
	p.calls.Add(1)
	select {
	case <-time.After(p.delay):
		return &provider.Candidate{CompanyID: "ID-" + name, Confidence: 1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestResolve_BudgetExhaustedWhileLookupsInFlight(t *testing.T) {
	names := make([]string, 400)
	for i := range names {
		names[i] = fmt.Sprintf("Firm%03d", i)
	}
	reg := &slowProvider{delay: time.Millisecond}
	budget := provider.NewBudget(8)
	st := newTestStore(t)
	r := NewResolver(normalize.Default(),
		WithQueue(st),
		WithProvider(reg, budget),
		WithTempIDs(newTempIDs(t)),
	)
	s := testStrategy()
	s.Workers = 4
	s.EnableAsyncQueue = true

	res, err := r.Resolve(context.Background(), nameRows(names...), s)
	require.NoError(t, err)

	assert.Equal(t, int64(8), reg.calls.Load())
	assert.Equal(t, 8, res.Stats.RegistryHits)
	assert.Equal(t, 8, res.Stats.BudgetConsumed)
	assert.Equal(t, 392, res.Stats.PendingQueued)
	for i, rr := range res.Results {
		if i < 8 {
			assert.Equal(t, model.StatusSuccessExternal, rr.Status, names[i])
		} else {
			assert.Equal(t, model.StatusPendingLookup, rr.Status, names[i])
		}
	}

	n, err := st.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 392, n)
}

// hangingProvider never answers on its own.
type hangingProvider struct{}

func (hangingProvider) Name() string    { return "hanging" }
func (hangingProvider) Available() bool { return true }

func (hangingProvider) Lookup(ctx context.Context, _ string) (*provider.Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResolve_RegistryTimeout(t *testing.T) {
	r := NewResolver(normalize.Default(),
		WithProvider(hangingProvider{}, provider.NewBudget(10)),
		WithTempIDs(newTempIDs(t)),
	)
	s := testStrategy()
	s.RegistryTimeout = 50 * time.Millisecond

	start := time.Now()
	res, err := r.Resolve(context.Background(), nameRows("Acme", "Globex"), s)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []model.ResolutionStatus{model.StatusTempAssigned, model.StatusTempAssigned}, statuses(res))
	assert.Equal(t, 2, res.Stats.RegistryErrors)
	assert.Equal(t, 0, res.Stats.RegistryHits)
	assert.Equal(t, 2, res.Stats.TempIDs)
}

// cancelOnHits cancels the caller's context once hit counts are written.
type cancelOnHits struct {
	store.CacheStore
	cancel    context.CancelFunc
	commitErr error
}

func (c *cancelOnHits) RecordHits(ctx context.Context, hits map[model.CacheKey]int) error {
	c.cancel()
	c.commitErr = ctx.Err()
	return c.CacheStore.RecordHits(ctx, hits)
}

func TestResolve_CommitIgnoresCallerCancel(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, model.LookupCustomerName, "KNOWN", "C1", 0.9)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache := &cancelOnHits{CacheStore: st, cancel: cancel}
	r := NewResolver(normalize.Default(),
		WithCache(cache),
		WithQueue(st),
		WithProvider(provider.NewStatic("registry", nil), provider.NewBudget(0)),
		WithTempIDs(newTempIDs(t)),
	)
	s := testStrategy()
	s.EnableAsyncQueue = true

	res, err := r.Resolve(ctx, nameRows("Known", "Stranger"), s)
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.NoError(t, cache.commitErr)

	assert.Equal(t, []model.ResolutionStatus{model.StatusSuccessInternal, model.StatusPendingLookup}, statuses(res))
	assert.Equal(t, 0, res.Stats.RepositoryErrors)
	assert.Equal(t, 1, res.Stats.PendingQueued)

	n, err := st.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok := cached(t, st, model.LookupCustomerName, "KNOWN")
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.HitCount)
}
