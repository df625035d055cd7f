package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/relay/internal/errors"
	"github.com/wudi/relay/internal/rule"
)

// MemoryStore keeps everything in process memory. Captured requests beyond
// maxRequests are evicted oldest first together with their replays.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*CapturedRequest
	order       []string
	maxRequests int

	rules     map[string]*rule.ForwardRule
	ruleOrder []string

	replays map[string][]*ReplayRecord
}

// NewMemoryStore creates a memory store. maxRequests <= 0 means unbounded.
func NewMemoryStore(maxRequests int) *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*CapturedRequest),
		maxRequests: maxRequests,
		rules:       make(map[string]*rule.ForwardRule),
		replays:     make(map[string][]*ReplayRecord),
	}
}

func (s *MemoryStore) CreateRequest(_ context.Context, req *CapturedRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if req.Status == "" {
		req.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; !ok {
		s.order = append(s.order, req.ID)
	}
	s.requests[req.ID] = req.Clone()

	for s.maxRequests > 0 && len(s.order) > s.maxRequests {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.requests, oldest)
		delete(s.replays, oldest)
	}
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (*CapturedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, errors.ErrNotFound.WithDetails("request " + id)
	}
	return req.Clone(), nil
}

func (s *MemoryStore) UpdateRequest(_ context.Context, req *CapturedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; !ok {
		return errors.ErrNotFound.WithDetails("request " + req.ID)
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) ListRequests(_ context.Context, limit int) ([]*CapturedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*CapturedRequest, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.requests[s.order[i]].Clone())
	}
	return out, nil
}

func (s *MemoryStore) IncrementReplayCount(_ context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return 0, errors.ErrNotFound.WithDetails("request " + id)
	}
	req.ReplayCount++
	req.LastReplayAt = &at
	return req.ReplayCount, nil
}

func (s *MemoryStore) EnabledRules(_ context.Context, method string) ([]*rule.ForwardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*rule.ForwardRule
	for _, id := range s.ruleOrder {
		r := s.rules[id]
		if r.Enabled && r.Method == method {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Rule(_ context.Context, id string) (*rule.ForwardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, errors.ErrNotFound.WithDetails("rule " + id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListRules(_ context.Context) ([]*rule.ForwardRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*rule.ForwardRule, 0, len(s.ruleOrder))
	for _, id := range s.ruleOrder {
		out = append(out, s.rules[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) CreateRule(_ context.Context, r *rule.ForwardRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := s.rules[r.ID]; exists {
		return errors.ErrDuplicateRule.WithDetails("rule id " + r.ID + " already exists")
	}
	if err := s.checkConflictLocked(r); err != nil {
		return err
	}

	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	s.rules[r.ID] = r.Clone()
	s.ruleOrder = append(s.ruleOrder, r.ID)
	return nil
}

func (s *MemoryStore) UpdateRule(_ context.Context, r *rule.ForwardRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[r.ID]
	if !ok {
		return errors.ErrNotFound.WithDetails("rule " + r.ID)
	}
	if err := s.checkConflictLocked(r); err != nil {
		return err
	}

	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	s.rules[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return errors.ErrNotFound.WithDetails("rule " + id)
	}
	delete(s.rules, id)
	for i, rid := range s.ruleOrder {
		if rid == id {
			s.ruleOrder = append(s.ruleOrder[:i], s.ruleOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) checkConflictLocked(r *rule.ForwardRule) error {
	for _, other := range s.rules {
		if rule.Conflicts(r, other) {
			return errors.ErrDuplicateRule.WithDetails(r.Method + " " + r.ProxyPath + " is already handled by rule " + other.ID)
		}
	}
	return nil
}

func (s *MemoryStore) CreateReplay(_ context.Context, rec *ReplayRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[rec.RequestID]; !ok {
		return errors.ErrNotFound.WithDetails("request " + rec.RequestID)
	}
	c := *rec
	c.Headers = cloneMap(rec.Headers)
	s.replays[rec.RequestID] = append(s.replays[rec.RequestID], &c)
	return nil
}

func (s *MemoryStore) ListReplays(_ context.Context, requestID string) ([]*ReplayRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.requests[requestID]; !ok {
		return nil, errors.ErrNotFound.WithDetails("request " + requestID)
	}
	recs := s.replays[requestID]
	out := make([]*ReplayRecord, len(recs))
	for i, rec := range recs {
		c := *rec
		c.Headers = cloneMap(rec.Headers)
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
