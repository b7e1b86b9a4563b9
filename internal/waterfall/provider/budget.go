package provider

import "sync/atomic"

// Budget caps the number of registry calls one batch may make. It is safe for
// concurrent use by the lookup workers.
type Budget struct {
	limit    int64
	consumed atomic.Int64
}

// NewBudget creates a budget of limit calls. A negative limit is treated as zero.
func NewBudget(limit int) *Budget {
	if limit < 0 {
		limit = 0
	}
	return &Budget{limit: int64(limit)}
}

// TryAcquire takes one call from the budget. It never lets consumption exceed
// the limit.
func (b *Budget) TryAcquire() bool {
	if b == nil {
		return false
	}
	for {
		cur := b.consumed.Load()
		if cur >= b.limit {
			return false
		}
		if b.consumed.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Remaining returns the calls left.
func (b *Budget) Remaining() int {
	if b == nil {
		return 0
	}
	return int(b.limit - b.consumed.Load())
}

// Consumed returns the calls taken so far.
func (b *Budget) Consumed() int {
	if b == nil {
		return 0
	}
	return int(b.consumed.Load())
}

// Limit returns the configured maximum.
func (b *Budget) Limit() int {
	if b == nil {
		return 0
	}
	return int(b.limit)
}
