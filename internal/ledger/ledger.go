// Package ledger aggregates token usage and cost per session and for the whole process.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/voicerelay/internal/pricing"
	"github.com/ent0n29/voicerelay/internal/storage"
)

var ErrInvalidSessionID = errors.New("session id is required")

const (
	maxCompletedInMemory = 1000
	persistTimeout       = 5 * time.Second
	unknownModel         = "unknown"
	avatarFlavor         = "avatar"
)

// SessionMetrics is the ledger entry of one connection.
type SessionMetrics struct {
	SessionID       string                `json:"session_id"`
	UserID          string                `json:"user_id"`
	Model           string                `json:"model"`
	Flavor          string                `json:"flavor"`
	InputTokens     int64                 `json:"input_tokens"`
	OutputTokens    int64                 `json:"output_tokens"`
	CachedTokens    int64                 `json:"cached_tokens"`
	Interactions    int64                 `json:"interactions"`
	TranscriptChars int64                 `json:"transcript_chars"`
	EstimatedCost   float64               `json:"estimated_cost"`
	Status          storage.SessionStatus `json:"status"`
	StartedAt       time.Time             `json:"started_at"`
	EndedAt         time.Time             `json:"ended_at,omitempty"`
}

// Aggregate is the process-wide view returned to the metrics endpoint.
type Aggregate struct {
	InputTokens       int64                          `json:"input_tokens"`
	OutputTokens      int64                          `json:"output_tokens"`
	CachedTokens      int64                          `json:"cached_tokens"`
	Interactions      int64                          `json:"interactions"`
	PerModel          map[string]storage.ModelTokens `json:"per_model"`
	Models            []string                       `json:"models"`
	TotalCost         float64                        `json:"total_cost"`
	CostPerModel      map[string]float64             `json:"cost_per_model"`
	ActiveSessions    int                            `json:"active_sessions"`
	CompletedSessions int64                          `json:"completed_sessions"`
	DurableStorage    bool                           `json:"durable_storage"`
}

// StartRequest opens a ledger entry.
type StartRequest struct {
	SessionID string
	UserID    string
	Model     string
	Flavor    string
}

// UsageObserver receives every accepted usage delta, typically Prometheus counters.
type UsageObserver interface {
	ObserveTokens(model string, input, output, cached int64)
}

type entry struct {
	mu sync.Mutex
	m  SessionMetrics
}

// Ledger is safe for concurrent use. Updates to one session are serialized by that session's
// lock; process totals have their own lock so sessions never contend on each other's entries.
type Ledger struct {
	repo     storage.Repository
	prices   *pricing.Table
	observer UsageObserver
	logger   *slog.Logger

	mu             sync.RWMutex
	active         map[string]*entry
	completed      map[string]SessionMetrics
	completedOrder []string

	aggMu  sync.Mutex
	tokens storage.TokenSnapshot
	cost   storage.CostSnapshot

	// baseline is set once the durable snapshots are part of the totals. Snapshots are not
	// written before that.
	baselineMu sync.Mutex
	baseline   atomic.Bool
}

type Option func(*Ledger)

func WithObserver(o UsageObserver) Option {
	return func(l *Ledger) { l.observer = o }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(repo storage.Repository, prices *pricing.Table, opts ...Option) *Ledger {
	if prices == nil {
		prices = pricing.NewTable(repo)
	}
	l := &Ledger{
		repo:      repo,
		prices:    prices,
		logger:    slog.Default(),
		active:    make(map[string]*entry),
		completed: make(map[string]SessionMetrics),
		tokens:    storage.TokenSnapshot{PerModel: make(map[string]storage.ModelTokens)},
		cost:      storage.CostSnapshot{PerModel: make(map[string]float64)},
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l
}

// Restore adds the persisted singleton snapshots to the process totals. When durable storage
// is down the totals start from zero and the snapshots are merged in on the first Finalize
// after it recovers.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}
	ok, err := l.adoptBaseline(ctx)
	if err == nil && !ok {
		l.logger.Warn("durable storage unavailable, usage totals start from zero until it recovers")
	}
	return err
}

// adoptBaseline merges the durable snapshots into the totals, once. It reports whether the
// totals now include them.
func (l *Ledger) adoptBaseline(ctx context.Context) (bool, error) {
	if l.repo == nil {
		return false, nil
	}
	if l.baseline.Load() {
		return true, nil
	}
	l.baselineMu.Lock()
	defer l.baselineMu.Unlock()
	if l.baseline.Load() {
		return true, nil
	}
	if !l.repo.IsAvailable(ctx) {
		return false, nil
	}

	tokens, err := l.repo.GetTokenSnapshot(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	cost, cerr := l.repo.GetCostSnapshot(ctx)
	if cerr != nil && !errors.Is(cerr, storage.ErrNotFound) {
		return false, cerr
	}
	// A read that failed over to memory does not count as the durable copy.
	if !l.repo.IsAvailable(ctx) {
		return false, nil
	}

	l.aggMu.Lock()
	if err == nil {
		addTokens(&l.tokens, tokens)
	}
	if cerr == nil {
		addCost(&l.cost, cost)
	}
	l.aggMu.Unlock()
	l.baseline.Store(true)
	return true, nil
}

// StartSession opens the active entry for a connection. Starting an id twice keeps the first entry.
func (l *Ledger) StartSession(ctx context.Context, req StartRequest) error {
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		return ErrInvalidSessionID
	}
	l.mu.Lock()
	if _, ok := l.active[id]; ok {
		l.mu.Unlock()
		return nil
	}
	e := &entry{m: SessionMetrics{
		SessionID: id,
		UserID:    req.UserID,
		Model:     req.Model,
		Flavor:    req.Flavor,
		Status:    storage.SessionActive,
		StartedAt: time.Now().UTC(),
	}}
	l.active[id] = e
	l.mu.Unlock()

	l.persistSession(ctx, e.m)
	return nil
}

func (l *Ledger) entryFor(sessionID string) *entry {
	l.mu.RLock()
	e, ok := l.active[sessionID]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.active[sessionID]; ok {
		return e
	}
	if _, done := l.completed[sessionID]; done {
		return nil
	}
	e = &entry{m: SessionMetrics{
		SessionID: sessionID,
		Status:    storage.SessionActive,
		StartedAt: time.Now().UTC(),
	}}
	l.active[sessionID] = e
	return e
}

// RecordUsage adds one usage delta. Counters only grow; negative inputs count as zero.
// Usage reported after Finalize still counts toward process totals.
func (l *Ledger) RecordUsage(sessionID string, inputTokens, outputTokens int64, model string, cachedTokens int64) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrInvalidSessionID
	}
	inputTokens = max(inputTokens, 0)
	outputTokens = max(outputTokens, 0)
	cachedTokens = max(cachedTokens, 0)
	model = strings.TrimSpace(model)

	if e := l.entryFor(sessionID); e != nil {
		e.mu.Lock()
		e.m.InputTokens += inputTokens
		e.m.OutputTokens += outputTokens
		e.m.CachedTokens += cachedTokens
		e.m.Interactions++
		if model != "" {
			e.m.Model = model
		} else {
			model = e.m.Model
		}
		e.mu.Unlock()
	} else {
		l.logger.Warn("usage recorded after finalize", "session_id", sessionID)
	}
	if model == "" {
		model = unknownModel
	}

	l.aggMu.Lock()
	l.tokens.InputTokens += inputTokens
	l.tokens.OutputTokens += outputTokens
	l.tokens.CachedTokens += cachedTokens
	l.tokens.Interactions++
	pm := l.tokens.PerModel[model]
	pm.InputTokens += inputTokens
	pm.OutputTokens += outputTokens
	pm.CachedTokens += cachedTokens
	pm.Interactions++
	l.tokens.PerModel[model] = pm
	l.aggMu.Unlock()

	if l.observer != nil {
		l.observer.ObserveTokens(model, inputTokens, outputTokens, cachedTokens)
	}
	return nil
}

// RecordTranscript adds synthesized speech characters, billed with the TTS add-on price.
func (l *Ledger) RecordTranscript(sessionID string, chars int64) {
	sessionID = strings.TrimSpace(sessionID)
	if chars <= 0 || sessionID == "" {
		return
	}
	e := l.entryFor(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.m.TranscriptChars += chars
	e.mu.Unlock()
}

func (l *Ledger) costOf(m SessionMetrics, now time.Time) float64 {
	u := pricing.Usage{
		InputTokens:     m.InputTokens,
		OutputTokens:    m.OutputTokens,
		CachedTokens:    m.CachedTokens,
		TranscriptChars: m.TranscriptChars,
	}
	if m.Flavor == avatarFlavor {
		end := m.EndedAt
		if end.IsZero() {
			end = now
		}
		u.AvatarDuration = end.Sub(m.StartedAt)
	}
	return l.prices.SessionCost(m.Model, u)
}

// Finalize moves a session from active to completed, prices it and persists it.
// It reports false when the session was not active; a second call is a no-op.
func (l *Ledger) Finalize(ctx context.Context, sessionID string, status storage.SessionStatus) (SessionMetrics, bool) {
	sessionID = strings.TrimSpace(sessionID)
	l.mu.Lock()
	e, ok := l.active[sessionID]
	if ok {
		delete(l.active, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return SessionMetrics{}, false
	}

	if status == "" || status == storage.SessionActive {
		status = storage.SessionCompleted
	}
	e.mu.Lock()
	e.m.Status = status
	e.m.EndedAt = time.Now().UTC()
	e.m.EstimatedCost = l.costOf(e.m, e.m.EndedAt)
	final := e.m
	e.mu.Unlock()

	l.mu.Lock()
	l.completed[sessionID] = final
	l.completedOrder = append(l.completedOrder, sessionID)
	if len(l.completedOrder) > maxCompletedInMemory {
		delete(l.completed, l.completedOrder[0])
		l.completedOrder = l.completedOrder[1:]
	}
	l.mu.Unlock()

	model := final.Model
	if model == "" {
		model = unknownModel
	}
	// The baseline has to be in the totals before they are cloned for persistence.
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	durable, err := l.adoptBaseline(bctx)
	cancel()
	if err != nil {
		l.logger.Warn("load usage snapshots failed", "error", err)
	}
	l.aggMu.Lock()
	l.cost.TotalCost += final.EstimatedCost
	l.cost.PerModel[model] += final.EstimatedCost
	l.cost.CompletedSessions++
	now := time.Now().UTC()
	l.cost.UpdatedAt = now
	l.tokens.UpdatedAt = now
	costSnap := cloneCost(l.cost)
	tokenSnap := cloneTokens(l.tokens)
	l.aggMu.Unlock()

	l.persistSession(ctx, final)
	if durable {
		l.persistSnapshots(ctx, costSnap, tokenSnap)
	}
	return final, true
}

// persistSession and persistSnapshots never fail the caller; storage errors are logged only.
func (l *Ledger) persistSession(ctx context.Context, m SessionMetrics) {
	if l.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := l.repo.UpsertCallSession(ctx, toRecord(m)); err != nil {
		l.logger.Warn("persist call session failed", "session_id", m.SessionID, "error", err)
	}
}

func (l *Ledger) persistSnapshots(ctx context.Context, cost storage.CostSnapshot, tokens storage.TokenSnapshot) {
	if l.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := l.repo.SaveCostSnapshot(ctx, cost); err != nil {
		l.logger.Warn("persist cost snapshot failed", "error", err)
	}
	if err := l.repo.SaveTokenSnapshot(ctx, tokens); err != nil {
		l.logger.Warn("persist token snapshot failed", "error", err)
	}
}

// GetAggregate returns process totals.
func (l *Ledger) GetAggregate() Aggregate {
	l.aggMu.Lock()
	tokens := cloneTokens(l.tokens)
	cost := cloneCost(l.cost)
	l.aggMu.Unlock()

	l.mu.RLock()
	active := len(l.active)
	l.mu.RUnlock()

	models := make([]string, 0, len(tokens.PerModel))
	for m := range tokens.PerModel {
		models = append(models, m)
	}
	sort.Strings(models)

	agg := Aggregate{
		InputTokens:       tokens.InputTokens,
		OutputTokens:      tokens.OutputTokens,
		CachedTokens:      tokens.CachedTokens,
		Interactions:      tokens.Interactions,
		PerModel:          tokens.PerModel,
		Models:            models,
		TotalCost:         cost.TotalCost,
		CostPerModel:      cost.PerModel,
		ActiveSessions:    active,
		CompletedSessions: cost.CompletedSessions,
	}
	if l.repo != nil {
		agg.DurableStorage = l.repo.IsAvailable(context.Background())
	}
	return agg
}

// GetActiveSessions returns a snapshot of in-flight sessions with their running cost.
func (l *Ledger) GetActiveSessions() []SessionMetrics {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.active))
	for _, e := range l.active {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]SessionMetrics, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		m := e.m
		e.mu.Unlock()
		m.EstimatedCost = l.costOf(m, now)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Session looks a session up in memory, then in the repository when userID is known.
func (l *Ledger) Session(ctx context.Context, sessionID, userID string) (SessionMetrics, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionMetrics{}, ErrInvalidSessionID
	}
	l.mu.RLock()
	e, active := l.active[sessionID]
	done, completed := l.completed[sessionID]
	l.mu.RUnlock()

	if active {
		e.mu.Lock()
		m := e.m
		e.mu.Unlock()
		m.EstimatedCost = l.costOf(m, time.Now().UTC())
		return m, nil
	}
	if completed {
		return done, nil
	}
	if l.repo == nil || strings.TrimSpace(userID) == "" {
		return SessionMetrics{}, storage.ErrNotFound
	}
	rec, err := l.repo.GetCallSession(ctx, userID, sessionID)
	if err != nil {
		return SessionMetrics{}, err
	}
	return fromRecord(rec), nil
}

// History returns persisted sessions in a time range.
func (l *Ledger) History(ctx context.Context, q storage.SessionQuery) ([]SessionMetrics, error) {
	if l.repo == nil {
		return []SessionMetrics{}, nil
	}
	records, err := l.repo.ListCallSessions(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]SessionMetrics, 0, len(records))
	for _, r := range records {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

func addTokens(dst *storage.TokenSnapshot, src storage.TokenSnapshot) {
	dst.InputTokens += src.InputTokens
	dst.OutputTokens += src.OutputTokens
	dst.CachedTokens += src.CachedTokens
	dst.Interactions += src.Interactions
	if dst.PerModel == nil {
		dst.PerModel = make(map[string]storage.ModelTokens, len(src.PerModel))
	}
	for model, v := range src.PerModel {
		pm := dst.PerModel[model]
		pm.InputTokens += v.InputTokens
		pm.OutputTokens += v.OutputTokens
		pm.CachedTokens += v.CachedTokens
		pm.Interactions += v.Interactions
		dst.PerModel[model] = pm
	}
	if src.UpdatedAt.After(dst.UpdatedAt) {
		dst.UpdatedAt = src.UpdatedAt
	}
}

func addCost(dst *storage.CostSnapshot, src storage.CostSnapshot) {
	dst.TotalCost += src.TotalCost
	dst.CompletedSessions += src.CompletedSessions
	if dst.PerModel == nil {
		dst.PerModel = make(map[string]float64, len(src.PerModel))
	}
	for model, v := range src.PerModel {
		dst.PerModel[model] += v
	}
	if src.UpdatedAt.After(dst.UpdatedAt) {
		dst.UpdatedAt = src.UpdatedAt
	}
}

func cloneTokens(s storage.TokenSnapshot) storage.TokenSnapshot {
	out := s
	out.PerModel = make(map[string]storage.ModelTokens, len(s.PerModel))
	for k, v := range s.PerModel {
		out.PerModel[k] = v
	}
	return out
}

func cloneCost(s storage.CostSnapshot) storage.CostSnapshot {
	out := s
	out.PerModel = make(map[string]float64, len(s.PerModel))
	for k, v := range s.PerModel {
		out.PerModel[k] = v
	}
	return out
}

func toRecord(m SessionMetrics) storage.CallSession {
	return storage.CallSession{
		UserID:          m.UserID,
		SessionID:       m.SessionID,
		Model:           m.Model,
		Flavor:          m.Flavor,
		InputTokens:     m.InputTokens,
		OutputTokens:    m.OutputTokens,
		CachedTokens:    m.CachedTokens,
		Interactions:    m.Interactions,
		TranscriptChars: m.TranscriptChars,
		EstimatedCost:   m.EstimatedCost,
		Status:          m.Status,
		StartedAt:       m.StartedAt,
		EndedAt:         m.EndedAt,
	}
}

func fromRecord(r storage.CallSession) SessionMetrics {
	return SessionMetrics{
		SessionID:       r.SessionID,
		UserID:          r.UserID,
		Model:           r.Model,
		Flavor:          r.Flavor,
		InputTokens:     r.InputTokens,
		OutputTokens:    r.OutputTokens,
		CachedTokens:    r.CachedTokens,
		Interactions:    r.Interactions,
		TranscriptChars: r.TranscriptChars,
		EstimatedCost:   r.EstimatedCost,
		Status:          r.Status,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
	}
}
