package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type sessionKey struct {
	userID    string
	sessionID string
}

// InMemoryRepository keeps every collection in process memory. It is always available.
type InMemoryRepository struct {
	mu       sync.RWMutex
	sessions map[sessionKey]CallSession
	pricing  map[string]PricingRecord
	cost     *CostSnapshot
	tokens   *TokenSnapshot
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		sessions: make(map[sessionKey]CallSession),
		pricing:  make(map[string]PricingRecord),
	}
}

func (r *InMemoryRepository) IsAvailable(context.Context) bool { return true }

func (r *InMemoryRepository) GetCallSession(_ context.Context, userID, sessionID string) (CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionKey{userID: userID, sessionID: sessionID}]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return s, nil
}

func (r *InMemoryRepository) UpsertCallSession(_ context.Context, s CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionKey{userID: s.UserID, sessionID: s.SessionID}] = s
	return nil
}

func (r *InMemoryRepository) ListCallSessions(_ context.Context, q SessionQuery) ([]CallSession, error) {
	r.mu.RLock()
	out := make([]CallSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if matchesQuery(s, q) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesQuery(s CallSession, q SessionQuery) bool {
	if q.UserID != "" && s.UserID != q.UserID {
		return false
	}
	if !q.From.IsZero() && s.StartedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !s.StartedAt.Before(q.To) {
		return false
	}
	return true
}

func (r *InMemoryRepository) GetPricing(_ context.Context, model string) (PricingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pricing[strings.ToLower(model)]
	if !ok {
		return PricingRecord{}, ErrNotFound
	}
	return p, nil
}

func (r *InMemoryRepository) ListPricing(context.Context) ([]PricingRecord, error) {
	r.mu.RLock()
	out := make([]PricingRecord, 0, len(r.pricing))
	for _, p := range r.pricing {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

func (r *InMemoryRepository) UpsertPricing(_ context.Context, p PricingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pricing[strings.ToLower(p.Model)] = p
	return nil
}

func (r *InMemoryRepository) GetCostSnapshot(context.Context) (CostSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cost == nil {
		return CostSnapshot{}, ErrNotFound
	}
	return cloneCostSnapshot(*r.cost), nil
}

func (r *InMemoryRepository) SaveCostSnapshot(_ context.Context, s CostSnapshot) error {
	c := cloneCostSnapshot(s)
	r.mu.Lock()
	r.cost = &c
	r.mu.Unlock()
	return nil
}

func (r *InMemoryRepository) GetTokenSnapshot(context.Context) (TokenSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.tokens == nil {
		return TokenSnapshot{}, ErrNotFound
	}
	return cloneTokenSnapshot(*r.tokens), nil
}

func (r *InMemoryRepository) SaveTokenSnapshot(_ context.Context, s TokenSnapshot) error {
	c := cloneTokenSnapshot(s)
	r.mu.Lock()
	r.tokens = &c
	r.mu.Unlock()
	return nil
}

func (r *InMemoryRepository) Close() error { return nil }
