package provider

import (
	"context"
	"sync"
	"sync/atomic"
)

// Static answers lookups from a fixed table. It backs offline runs and tests.
type Static struct {
	name        string
	mu          sync.RWMutex
	answers     map[string]Candidate
	errs        map[string]error
	unavailable atomic.Bool
	calls       atomic.Int64
}

// NewStatic creates a Static provider with the given name → company answers at
// confidence 1.0.
func NewStatic(name string, answers map[string]string) *Static {
	s := &Static{
		name:    name,
		answers: make(map[string]Candidate, len(answers)),
		errs:    make(map[string]error),
	}
	for k, id := range answers {
		s.answers[k] = Candidate{CompanyID: id, Confidence: 1.0, MatchedName: k}
	}
	return s
}

// Set registers an answer for name.
func (s *Static) Set(name string, c Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[name] = c
}

// Fail makes lookups of name return err.
func (s *Static) Fail(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[name] = err
}

// SetAvailable toggles availability.
func (s *Static) SetAvailable(ok bool) {
	s.unavailable.Store(!ok)
}

// Calls returns how many lookups reached the table.
func (s *Static) Calls() int {
	return int(s.calls.Load())
}

func (s *Static) Name() string { return s.name }

func (s *Static) Available() bool { return !s.unavailable.Load() }

func (s *Static) Lookup(ctx context.Context, name string) (*Candidate, error) {
	if !s.Available() {
		return nil, ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.calls.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.errs[name]; ok {
		return nil, err
	}
	c, ok := s.answers[name]
	if !ok {
		return nil, nil
	}
	return &c, nil
}
