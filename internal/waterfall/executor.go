// Package waterfall resolves batches of rows to company identifiers through a
// tiered cascade: static overrides, the enrichment cache, an existing id
// column, the external registry, the pending queue and temp identifiers.
package waterfall

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/companyid/internal/backflow"
	"github.com/sells-group/companyid/internal/model"
	"github.com/sells-group/companyid/internal/normalize"
	"github.com/sells-group/companyid/internal/override"
	"github.com/sells-group/companyid/internal/resilience"
	"github.com/sells-group/companyid/internal/store"
	"github.com/sells-group/companyid/internal/tempid"
	"github.com/sells-group/companyid/internal/waterfall/provider"
)

// Resolver runs the resolution waterfall. It holds no per-batch state and is
// safe for concurrent Resolve calls; the budget is shared between them.
type Resolver struct {
	norm      *normalize.Normalizer
	overrides *override.Table
	cache     store.CacheStore
	queue     store.PendingQueue
	provider  provider.Provider
	budget    *provider.Budget
	tempIDs   *tempid.Generator
	backflow  *backflow.Writer
	now       func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithOverrides sets the static override table.
func WithOverrides(t *override.Table) Option {
	return func(r *Resolver) { r.overrides = t }
}

// WithCache sets the enrichment cache. Backflow writes go to the same store.
func WithCache(c store.CacheStore) Option {
	return func(r *Resolver) {
		r.cache = c
		r.backflow = backflow.NewWriter(c)
	}
}

// WithQueue sets the pending-lookup queue.
func WithQueue(q store.PendingQueue) Option {
	return func(r *Resolver) { r.queue = q }
}

// WithProvider sets the registry provider and its call budget. A nil budget
// means unlimited calls.
func WithProvider(p provider.Provider, b *provider.Budget) Option {
	return func(r *Resolver) {
		r.provider = p
		r.budget = b
	}
}

// WithTempIDs sets the temp identifier generator.
func WithTempIDs(g *tempid.Generator) Option {
	return func(r *Resolver) { r.tempIDs = g }
}

// WithNow sets the clock used for record timestamps.
func WithNow(fn func() time.Time) Option {
	return func(r *Resolver) { r.now = fn }
}

// NewResolver creates a Resolver. Tiers without a configured collaborator are
// skipped.
func NewResolver(norm *normalize.Normalizer, opts ...Option) *Resolver {
	if norm == nil {
		norm = normalize.Default()
	}
	r := &Resolver{norm: norm, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// rowState is one input row decoded once at the batch boundary.
type rowState struct {
	keys        map[model.LookupType]string
	customer    string
	rawCustomer string
	existing    string
	result      RowResult
	decided     bool
}

func (st *rowState) decide(status model.ResolutionStatus, tier string, src model.Source, lt model.LookupType, id string, conf float64) {
	st.decided = true
	st.result.Status = status
	st.result.Tier = tier
	st.result.Source = src
	st.result.LookupType = lt
	st.result.CompanyID = id
	st.result.Confidence = conf
}

// batch carries the working state of one Resolve call.
type batch struct {
	id       string
	strategy Strategy
	enabled  []model.LookupType
	rows     []*rowState
	stats    Statistics
	hits     map[model.CacheKey]int
	found    map[model.CacheKey]bool
	pending  []model.PendingLookup
	log      *zap.Logger
}

// Resolve assigns a company identifier to every row. It fails only on a
// configuration error or when ctx is done before the results are committed;
// in the latter case nothing is written to the cache or the queue.
func (r *Resolver) Resolve(ctx context.Context, rows []model.Row, strategy Strategy) (*BatchResult, error) {
	start := time.Now()
	strategy = strategy.withDefaults()
	if err := strategy.Validate(); err != nil {
		return nil, err
	}

	b := &batch{
		id:       uuid.New().String(),
		strategy: strategy,
		stats:    newStatistics(len(rows)),
		hits:     make(map[model.CacheKey]int),
		found:    make(map[model.CacheKey]bool),
	}
	b.log = zap.L().With(zap.String("component", "resolver"), zap.String("batch_id", b.id))

	useExisting, err := r.checkColumns(b, rows)
	if err != nil {
		return nil, err
	}
	r.decode(b, rows, useExisting)

	r.applyOverrides(b)
	r.applyCache(ctx, b)
	r.applyExisting(b)
	r.applyRegistry(ctx, b)
	r.applyFallbacks(b)

	if err := ctx.Err(); err != nil {
		b.log.Warn("resolver: batch cancelled before commit", zap.Error(err))
		return nil, eris.Wrap(err, "resolver: batch cancelled")
	}
	r.commit(ctx, b)

	b.stats.Elapsed = time.Since(start)
	if r.budget != nil {
		b.stats.BudgetRemaining = r.budget.Remaining()
	} else {
		b.stats.BudgetRemaining = -1
	}
	batchDuration.Observe(b.stats.Elapsed.Seconds())

	res := r.assemble(b, rows)
	b.log.Info("resolver: batch complete",
		zap.Int("rows", b.stats.Rows),
		zap.Int("resolved", b.stats.Resolved()),
		zap.Int("registry_hits", b.stats.RegistryHits),
		zap.Int("pending", b.stats.PendingQueued),
		zap.Int("temp_ids", b.stats.TempIDs),
		zap.Int("unresolved", b.stats.Unresolved),
		zap.Int("budget_consumed", b.stats.BudgetConsumed),
		zap.Int("repository_errors", b.stats.RepositoryErrors),
		zap.Duration("elapsed", b.stats.Elapsed),
	)
	return res, nil
}

// checkColumns disables lookup types whose column no row carries and fails
// when nothing is left to resolve with.
func (r *Resolver) checkColumns(b *batch, rows []model.Row) (bool, error) {
	s := b.strategy
	present := make(map[string]bool)
	for _, row := range rows {
		for col := range row {
			present[col] = true
		}
	}
	if len(rows) == 0 {
		b.enabled = s.LookupOrder
		return s.ExistingIDColumn != "", nil
	}

	cols := s.Columns()
	missing := make(map[string][]model.LookupType)
	var missingOrder []string
	markMissing := func(col string, lt model.LookupType) {
		if _, ok := missing[col]; !ok {
			missingOrder = append(missingOrder, col)
		}
		missing[col] = append(missing[col], lt)
	}

	for _, lt := range s.LookupOrder {
		col, ok := cols[lt]
		if !ok {
			continue
		}
		if lt == model.LookupPlanCustomer {
			okPlan, okCustomer := present[s.PlanCodeColumn], present[s.CustomerNameColumn]
			if !okPlan {
				markMissing(s.PlanCodeColumn, lt)
			}
			if !okCustomer {
				markMissing(s.CustomerNameColumn, lt)
			}
			if okPlan && okCustomer {
				b.enabled = append(b.enabled, lt)
			}
			continue
		}
		if !present[col] {
			markMissing(col, lt)
			continue
		}
		b.enabled = append(b.enabled, lt)
	}

	useExisting := s.ExistingIDColumn != "" && present[s.ExistingIDColumn]
	if s.ExistingIDColumn != "" && !useExisting && s.ExistingIDColumn != s.OutputColumn {
		missingOrder = append(missingOrder, s.ExistingIDColumn)
		missing[s.ExistingIDColumn] = nil
	}

	for _, col := range missingOrder {
		verr := &model.ValidationError{Column: col, Types: missing[col]}
		b.stats.ValidationErrors = append(b.stats.ValidationErrors, verr.Error())
		b.log.Warn("resolver: configured column absent from input", zap.String("column", col), zap.Error(verr))
	}

	if len(b.enabled) == 0 && !useExisting {
		return false, model.NewConfigurationError(nil,
			"resolver: no lookup type resolvable and no existing id column in input (columns missing: %s)",
			strings.Join(missingOrder, ", "))
	}
	return useExisting, nil
}

// decode builds the fixed per-row keys once.
func (r *Resolver) decode(b *batch, rows []model.Row, useExisting bool) {
	s := b.strategy
	cols := s.Columns()
	enabled := make(map[model.LookupType]bool, len(b.enabled))
	for _, lt := range b.enabled {
		enabled[lt] = true
	}

	b.rows = make([]*rowState, len(rows))
	for i, row := range rows {
		st := &rowState{keys: make(map[model.LookupType]string)}
		for lt, key := range r.norm.RowKeys(row, cols) {
			if enabled[lt] {
				st.keys[lt] = key
			}
		}
		if raw, ok := row.Get(s.CustomerNameColumn); ok {
			st.rawCustomer = raw
			st.customer = r.norm.Name(raw)
		}
		if useExisting {
			st.existing, _ = row.Get(s.ExistingIDColumn)
		}
		rowKey, ok := row.Get(s.RowKeyColumn)
		if !ok {
			rowKey = strconv.Itoa(i)
		}
		st.result = RowResult{Index: i, RowKey: rowKey, Tier: model.TierNone}
		b.rows[i] = st
	}
}

func (r *Resolver) applyOverrides(b *batch) {
	if r.overrides == nil {
		return
	}
	for _, st := range b.rows {
		for _, lt := range b.enabled {
			key, ok := st.keys[lt]
			if !ok {
				continue
			}
			if id, ok := r.overrides.Lookup(lt, key); ok {
				st.decide(model.StatusSuccessInternal, model.TierOverride, model.SourceOverride, lt, id, 1.0)
				b.stats.OverrideHits[lt]++
				break
			}
		}
	}
}

func (r *Resolver) applyCache(ctx context.Context, b *batch) {
	if r.cache == nil {
		return
	}
	keys := make(map[model.LookupType][]string)
	seen := make(map[model.CacheKey]bool)
	for _, st := range b.rows {
		if st.decided {
			continue
		}
		for lt, key := range st.keys {
			ck := model.CacheKey{Type: lt, Key: key}
			if !seen[ck] {
				seen[ck] = true
				keys[lt] = append(keys[lt], key)
			}
		}
	}
	if len(keys) == 0 {
		return
	}

	recs, err := r.cache.LookupBatch(ctx, keys)
	if err != nil {
		r.repositoryError(b, "lookup", err)
		return
	}

	for ck := range recs {
		b.found[ck] = true
	}
	for _, st := range b.rows {
		if st.decided {
			continue
		}
		for _, lt := range b.enabled {
			key, ok := st.keys[lt]
			if !ok {
				continue
			}
			ck := model.CacheKey{Type: lt, Key: key}
			if rec, ok := recs[ck]; ok {
				st.decide(model.StatusSuccessInternal, model.TierCache, rec.Source, lt, rec.CompanyID, rec.Confidence)
				b.stats.CacheHits[lt]++
				b.hits[ck]++
				break
			}
		}
	}
}

func (r *Resolver) applyExisting(b *batch) {
	for _, st := range b.rows {
		if st.decided || st.existing == "" || tempid.IsTemp(st.existing) {
			continue
		}
		st.decide(model.StatusSuccessInternal, model.TierExisting, model.SourceManual, "", st.existing, b.strategy.ExistingConfidence)
		b.stats.ExistingHits++
	}
}

type outcomeKind int

const (
	outcomeHit outcomeKind = iota
	outcomeMiss
	outcomeError
	outcomeExhausted
	outcomeUnavailable
)

type lookupOutcome struct {
	kind      outcomeKind
	candidate *provider.Candidate
}

func (r *Resolver) registryEnabled(b *batch) bool {
	return b.strategy.EnableRegistry && r.provider != nil
}

func (r *Resolver) applyRegistry(ctx context.Context, b *batch) {
	if !r.registryEnabled(b) {
		return
	}

	var names []string
	seen := make(map[string]bool)
	for _, st := range b.rows {
		if st.decided || st.customer == "" || seen[st.customer] {
			continue
		}
		seen[st.customer] = true
		names = append(names, st.customer)
	}
	if len(names) == 0 {
		return
	}

	outcomes := r.lookupNames(ctx, b, names)

	for _, st := range b.rows {
		if st.decided || st.customer == "" {
			continue
		}
		o, ok := outcomes[st.customer]
		if !ok {
			continue
		}
		switch o.kind {
		case outcomeHit:
			st.decide(model.StatusSuccessExternal, model.TierRegistry, model.SourceRegistry,
				model.LookupCustomerName, o.candidate.CompanyID, o.candidate.Confidence)
			b.stats.RegistryHits++
		case outcomeExhausted, outcomeUnavailable:
			if b.strategy.EnableAsyncQueue && r.queue != nil {
				st.decide(model.StatusPendingLookup, model.TierPending, "", "", "", 0)
				b.pending = append(b.pending, model.PendingLookup{
					ID:             uuid.New().String(),
					BatchID:        b.id,
					RowKey:         st.result.RowKey,
					RawName:        st.rawCustomer,
					NormalizedName: st.customer,
					Status:         model.PendingStatusPending,
					CreatedAt:      r.now().UTC(),
				})
			}
		}
	}
}

// lookupNames resolves each distinct name once over a bounded worker pool.
// Budget is taken in name order before dispatch, so which names get a call is
// deterministic.
func (r *Resolver) lookupNames(ctx context.Context, b *batch, names []string) map[string]lookupOutcome {
	// Each name owns one slot; the dispatch loop and the workers never share one.
	results := make([]lookupOutcome, len(names))
	decided := make([]bool, len(names))

	g := new(errgroup.Group)
	g.SetLimit(b.strategy.Workers)

	for i, name := range names {
		if ctx.Err() != nil {
			break
		}
		decided[i] = true
		if !r.provider.Available() {
			results[i] = lookupOutcome{kind: outcomeUnavailable}
			continue
		}
		if r.budget != nil && !r.budget.TryAcquire() {
			results[i] = lookupOutcome{kind: outcomeExhausted}
			continue
		}
		b.stats.BudgetConsumed++

		g.Go(func() error {
			results[i] = r.lookupOne(ctx, name, b.strategy.RegistryTimeout, b.log)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]lookupOutcome, len(names))
	for i, name := range names {
		if !decided[i] {
			continue
		}
		o := results[i]
		out[name] = o
		switch o.kind {
		case outcomeMiss:
			b.stats.RegistryMisses++
		case outcomeError:
			b.stats.RegistryErrors++
		}
	}
	return out
}

func (r *Resolver) lookupOne(ctx context.Context, name string, timeout time.Duration, log *zap.Logger) lookupOutcome {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cand, err := r.provider.Lookup(callCtx, name)
	registryLatency.Observe(time.Since(start).Seconds())

	switch {
	case err != nil && (errors.Is(err, provider.ErrUnavailable) || errors.Is(err, resilience.ErrCircuitOpen)):
		registryCalls.WithLabelValues("unavailable").Inc()
		return lookupOutcome{kind: outcomeUnavailable}
	case err != nil:
		label := "error"
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			label = "timeout"
		}
		registryCalls.WithLabelValues(label).Inc()
		log.Warn("resolver: registry lookup failed",
			zap.String("provider", r.provider.Name()),
			zap.String("name", name),
			zap.String("class", resilience.Classify(err)),
			zap.String("outcome", label),
			zap.Error(err),
		)
		return lookupOutcome{kind: outcomeError}
	case cand == nil || cand.CompanyID == "":
		registryCalls.WithLabelValues("miss").Inc()
		return lookupOutcome{kind: outcomeMiss}
	default:
		registryCalls.WithLabelValues("hit").Inc()
		c := *cand
		if c.Confidence <= 0 || c.Confidence > 1 {
			c.Confidence = 1.0
		}
		return lookupOutcome{kind: outcomeHit, candidate: &c}
	}
}

// applyFallbacks gives every undecided row a temp id or marks it failed.
func (r *Resolver) applyFallbacks(b *batch) {
	for _, st := range b.rows {
		if !st.decided {
			r.fallback(b, st)
		}
	}
}

func (r *Resolver) fallback(b *batch, st *rowState) {
	if b.strategy.GenerateTempIDs && r.tempIDs != nil {
		if id := r.tempSeedID(b, st); id != "" {
			st.decide(model.StatusTempAssigned, model.TierTemp, "", "", id, 0)
			b.stats.TempIDs++
			return
		}
	}
	st.decide(model.StatusFailed, model.TierNone, "", "", "", 0)
	b.stats.Unresolved++
}

// tempSeedID derives the row's temp id from its normalized customer name or,
// lacking one, its highest-priority key qualified by type. A temp id already
// carried in the existing column is kept.
func (r *Resolver) tempSeedID(b *batch, st *rowState) string {
	if tempid.IsTemp(st.existing) {
		return st.existing
	}
	if st.customer != "" {
		return r.tempIDs.Derive(st.customer)
	}
	for _, lt := range b.enabled {
		if key, ok := st.keys[lt]; ok {
			return r.tempIDs.Derive(string(lt) + ":" + key)
		}
	}
	return ""
}

// commitTimeout bounds the batch's writes once the batch is past cancellation.
const commitTimeout = 30 * time.Second

// commit performs the batch's writes: hit counts, the pending queue append
// and backflow. Each is a single round trip and none can fail the batch. The
// writes ignore caller cancellation so they land together or not at all.
func (r *Resolver) commit(ctx context.Context, b *batch) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if r.cache != nil && len(b.hits) > 0 {
		if err := r.cache.RecordHits(ctx, b.hits); err != nil {
			r.repositoryError(b, "record_hits", err)
		}
	}

	if len(b.pending) > 0 {
		if err := r.queue.EnqueuePending(ctx, b.pending); err != nil {
			r.repositoryError(b, "enqueue", err)
			for _, st := range b.rows {
				if st.result.Status == model.StatusPendingLookup {
					st.decided = false
					r.fallback(b, st)
				}
			}
			b.pending = nil
		} else {
			b.stats.PendingQueued = len(b.pending)
		}
	}

	if b.strategy.EnableBackflow && r.backflow != nil {
		records := backflow.Collect(r.confirmations(b), backflow.Origin{
			Domain: b.strategy.SourceDomain,
			Table:  b.strategy.SourceTable,
		}, r.now().UTC())
		res, err := r.backflow.Write(ctx, records)
		b.stats.Backflow = res
		if err != nil {
			r.repositoryError(b, "backflow", err)
		} else {
			backflowRecords.WithLabelValues("inserted").Add(float64(res.Inserted))
			backflowRecords.WithLabelValues("updated").Add(float64(res.Updated))
		}
	}
}

// confirmations lists the rows confirmed this batch with their keys the cache
// does not hold yet. Override and temp rows are never cached.
func (r *Resolver) confirmations(b *batch) []backflow.Confirmation {
	var out []backflow.Confirmation
	for _, st := range b.rows {
		var src model.Source
		switch st.result.Tier {
		case model.TierRegistry:
			src = model.SourceRegistry
		case model.TierExisting:
			src = model.SourceManual
		case model.TierCache:
			src = model.SourceBackflow
		default:
			continue
		}

		var keys []model.CacheKey
		for _, lt := range b.enabled {
			key, ok := st.keys[lt]
			if !ok {
				continue
			}
			ck := model.CacheKey{Type: lt, Key: key}
			if !b.found[ck] {
				keys = append(keys, ck)
			}
		}
		if len(keys) == 0 {
			continue
		}
		out = append(out, backflow.Confirmation{
			Keys:       keys,
			CompanyID:  st.result.CompanyID,
			Confidence: st.result.Confidence,
			Source:     src,
		})
	}
	return out
}

func (r *Resolver) repositoryError(b *batch, op string, err error) {
	rerr := &model.RepositoryError{Op: op, Err: err}
	b.stats.RepositoryErrors++
	repositoryErrors.WithLabelValues(op).Inc()
	b.log.Warn("resolver: repository error, tier degraded", zap.String("op", op), zap.Error(rerr))
}

// assemble copies the input rows, sets the output column and records
// per-row metrics.
func (r *Resolver) assemble(b *batch, rows []model.Row) *BatchResult {
	res := &BatchResult{
		BatchID: b.id,
		Rows:    make([]model.Row, len(rows)),
		Results: make([]RowResult, len(rows)),
		Stats:   b.stats,
		Pending: b.pending,
	}
	for i, st := range b.rows {
		out := rows[i].Clone()
		out[b.strategy.OutputColumn] = st.result.CompanyID
		res.Rows[i] = out
		res.Results[i] = st.result

		rowsResolved.WithLabelValues(string(st.result.Status)).Inc()
		if st.result.Status.Resolved() {
			tierHits.WithLabelValues(st.result.Tier, string(st.result.LookupType)).Inc()
		}
		b.log.Debug("resolver: row decided",
			zap.Int("index", i),
			zap.String("row_key", st.result.RowKey),
			zap.String("status", string(st.result.Status)),
			zap.String("tier", st.result.Tier),
			zap.String("lookup_type", string(st.result.LookupType)),
			zap.String("company_id", st.result.CompanyID),
		)
	}
	return res
}
