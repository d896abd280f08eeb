package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// FallbackRepository fronts a durable repository with an in-memory copy. While the durable
// store is unreachable every call is served from memory and writes are remembered as dirty;
// a periodic probe flips the mode back and replays dirty records.
//
// Singleton snapshots are only replayed when their durable copy was read or written first, so a
// process that starts degraded never replaces durable totals it has not seen.
type FallbackRepository struct {
	primary Repository
	memory  *InMemoryRepository
	logger  *slog.Logger

	available atomic.Bool
	checkMu   sync.Mutex

	tokensSeen atomic.Bool
	costSeen   atomic.Bool

	dirtyMu sync.Mutex
	dirty   dirtySet

	probeTimeout time.Duration
	onModeChange func(durable bool)
	scheduler    *cron.Cron

	recoverMu sync.Mutex
	onRecover []func()
}

type dirtySet struct {
	sessions map[sessionKey]struct{}
	pricing  map[string]struct{}
	cost     bool
	tokens   bool
}

func newDirtySet() dirtySet {
	return dirtySet{
		sessions: make(map[sessionKey]struct{}),
		pricing:  make(map[string]struct{}),
	}
}

func (d dirtySet) empty() bool {
	return len(d.sessions) == 0 && len(d.pricing) == 0 && !d.cost && !d.tokens
}

type FallbackOption func(*FallbackRepository)

// WithModeHook registers a callback invoked on every durable/degraded transition.
func WithModeHook(hook func(durable bool)) FallbackOption {
	return func(r *FallbackRepository) { r.onModeChange = hook }
}

func WithProbeTimeout(d time.Duration) FallbackOption {
	return func(r *FallbackRepository) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

func NewFallbackRepository(primary Repository, logger *slog.Logger, opts ...FallbackOption) *FallbackRepository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FallbackRepository{
		primary:      primary,
		memory:       NewInMemoryRepository(),
		logger:       logger.With("component", "storage"),
		dirty:        newDirtySet(),
		probeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.available.Store(primary != nil)
	return r
}

// OnRecover registers fn to run after the durable store is back and dirty records were replayed.
func (r *FallbackRepository) OnRecover(fn func()) {
	r.recoverMu.Lock()
	r.onRecover = append(r.onRecover, fn)
	r.recoverMu.Unlock()
}

func (r *FallbackRepository) recovered() {
	r.recoverMu.Lock()
	hooks := append([]func(){}, r.onRecover...)
	r.recoverMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// StartProbe schedules the availability check on a shared cron timer until ctx is done.
func (r *FallbackRepository) StartProbe(ctx context.Context, interval time.Duration) error {
	if r.primary == nil {
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		r.CheckAvailability(ctx)
	}); err != nil {
		return fmt.Errorf("schedule storage probe: %w", err)
	}
	r.scheduler = c
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// CheckAvailability probes the durable store. Overlapping calls return immediately.
// It reports whether the durable store is currently in use.
func (r *FallbackRepository) CheckAvailability(ctx context.Context) bool {
	if r.primary == nil {
		return false
	}
	if !r.checkMu.TryLock() {
		return r.available.Load()
	}
	defer r.checkMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	ok := r.primary.IsAvailable(probeCtx)
	cancel()

	if !ok {
		r.markDegraded(errors.New("availability probe failed"))
		return false
	}
	if r.available.Load() {
		// Writes that raced the last recovery are still dirty.
		if r.PendingWrites() > 0 {
			if err := r.resync(ctx); err != nil {
				r.logger.Warn("storage resync incomplete", "error", err)
			}
		}
		return true
	}

	r.logger.Info("durable storage reachable again, resyncing buffered writes")
	if err := r.resync(ctx); err != nil {
		r.logger.Warn("storage resync incomplete", "error", err)
		return false
	}
	r.setMode(true)
	r.recovered()
	return true
}

// IsAvailable reports whether calls currently go to the durable store.
func (r *FallbackRepository) IsAvailable(context.Context) bool {
	return r.available.Load()
}

func (r *FallbackRepository) setMode(durable bool) {
	if r.available.Swap(durable) == durable {
		return
	}
	if r.onModeChange != nil {
		r.onModeChange(durable)
	}
}

func (r *FallbackRepository) markDegraded(cause error) {
	if r.available.Load() {
		r.logger.Warn("durable storage unreachable, buffering in memory", "error", cause)
	}
	r.setMode(false)
}

// failed inspects a primary error; it returns true when the call should fall back to memory.
func (r *FallbackRepository) failed(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	r.markDegraded(err)
	return true
}

// markDirty records a write that still has to reach the primary. Without a primary there is
// nothing to replay.
func (r *FallbackRepository) markDirty(mark func(*dirtySet)) {
	if r.primary == nil {
		return
	}
	r.dirtyMu.Lock()
	mark(&r.dirty)
	r.dirtyMu.Unlock()
}

func (r *FallbackRepository) durable() bool {
	return r.primary != nil && r.available.Load()
}

func (r *FallbackRepository) GetCallSession(ctx context.Context, userID, sessionID string) (CallSession, error) {
	if r.durable() {
		s, err := r.primary.GetCallSession(ctx, userID, sessionID)
		if err == nil {
			return s, nil
		}
		r.failed(err)
	}
	return r.memory.GetCallSession(ctx, userID, sessionID)
}

func (r *FallbackRepository) UpsertCallSession(ctx context.Context, s CallSession) error {
	_ = r.memory.UpsertCallSession(ctx, s)
	key := sessionKey{userID: s.UserID, sessionID: s.SessionID}
	if r.durable() {
		if err := r.primary.UpsertCallSession(ctx, s); !r.failed(err) {
			return nil
		}
	}
	r.markDirty(func(d *dirtySet) { d.sessions[key] = struct{}{} })
	return nil
}

func (r *FallbackRepository) ListCallSessions(ctx context.Context, q SessionQuery) ([]CallSession, error) {
	if r.durable() {
		out, err := r.primary.ListCallSessions(ctx, q)
		if !r.failed(err) {
			return out, err
		}
	}
	return r.memory.ListCallSessions(ctx, q)
}

func (r *FallbackRepository) GetPricing(ctx context.Context, model string) (PricingRecord, error) {
	if r.durable() {
		p, err := r.primary.GetPricing(ctx, model)
		if err == nil {
			return p, nil
		}
		r.failed(err)
	}
	return r.memory.GetPricing(ctx, model)
}

func (r *FallbackRepository) ListPricing(ctx context.Context) ([]PricingRecord, error) {
	if r.durable() {
		out, err := r.primary.ListPricing(ctx)
		if !r.failed(err) {
			return out, err
		}
	}
	return r.memory.ListPricing(ctx)
}

func (r *FallbackRepository) UpsertPricing(ctx context.Context, p PricingRecord) error {
	_ = r.memory.UpsertPricing(ctx, p)
	if r.durable() {
		if err := r.primary.UpsertPricing(ctx, p); !r.failed(err) {
			return nil
		}
	}
	r.markDirty(func(d *dirtySet) { d.pricing[p.Model] = struct{}{} })
	return nil
}

// seen reports whether err came back from a primary that answered, found or not.
func seen(err error) bool {
	return err == nil || errors.Is(err, ErrNotFound)
}

func (r *FallbackRepository) GetCostSnapshot(ctx context.Context) (CostSnapshot, error) {
	if r.durable() {
		s, err := r.primary.GetCostSnapshot(ctx)
		if seen(err) {
			r.costSeen.Store(true)
		}
		if err == nil {
			return s, nil
		}
		r.failed(err)
	}
	return r.memory.GetCostSnapshot(ctx)
}

func (r *FallbackRepository) SaveCostSnapshot(ctx context.Context, s CostSnapshot) error {
	_ = r.memory.SaveCostSnapshot(ctx, s)
	if r.durable() {
		err := r.primary.SaveCostSnapshot(ctx, s)
		if !r.failed(err) {
			r.costSeen.Store(true)
			return nil
		}
	}
	if r.primary != nil && !r.costSeen.Load() {
		r.logger.Warn("cost snapshot kept in memory only, durable copy was never loaded")
		return nil
	}
	r.markDirty(func(d *dirtySet) { d.cost = true })
	return nil
}

func (r *FallbackRepository) GetTokenSnapshot(ctx context.Context) (TokenSnapshot, error) {
	if r.durable() {
		s, err := r.primary.GetTokenSnapshot(ctx)
		if seen(err) {
			r.tokensSeen.Store(true)
		}
		if err == nil {
			return s, nil
		}
		r.failed(err)
	}
	return r.memory.GetTokenSnapshot(ctx)
}

func (r *FallbackRepository) SaveTokenSnapshot(ctx context.Context, s TokenSnapshot) error {
	_ = r.memory.SaveTokenSnapshot(ctx, s)
	if r.durable() {
		err := r.primary.SaveTokenSnapshot(ctx, s)
		if !r.failed(err) {
			r.tokensSeen.Store(true)
			return nil
		}
	}
	if r.primary != nil && !r.tokensSeen.Load() {
		r.logger.Warn("token snapshot kept in memory only, durable copy was never loaded")
		return nil
	}
	r.markDirty(func(d *dirtySet) { d.tokens = true })
	return nil
}

// PendingWrites returns the number of records waiting for resync.
func (r *FallbackRepository) PendingWrites() int {
	r.dirtyMu.Lock()
	defer r.dirtyMu.Unlock()
	n := len(r.dirty.sessions) + len(r.dirty.pricing)
	if r.dirty.cost {
		n++
	}
	if r.dirty.tokens {
		n++
	}
	return n
}

// resync replays dirty records from memory into the primary. Records are written whole, so a
// failure part way leaves the remaining ones dirty for the next recovery.
func (r *FallbackRepository) resync(ctx context.Context) error {
	r.dirtyMu.Lock()
	pending := r.dirty
	r.dirty = newDirtySet()
	r.dirtyMu.Unlock()

	if pending.empty() {
		return nil
	}

	var firstErr error
	keep := newDirtySet()
	for model := range pending.pricing {
		if firstErr != nil {
			keep.pricing[model] = struct{}{}
			continue
		}
		p, err := r.memory.GetPricing(ctx, model)
		if err != nil {
			continue
		}
		if err := r.primary.UpsertPricing(ctx, p); err != nil {
			firstErr = err
			keep.pricing[model] = struct{}{}
		}
	}
	for key := range pending.sessions {
		if firstErr != nil {
			keep.sessions[key] = struct{}{}
			continue
		}
		s, err := r.memory.GetCallSession(ctx, key.userID, key.sessionID)
		if err != nil {
			continue
		}
		if err := r.primary.UpsertCallSession(ctx, s); err != nil {
			firstErr = err
			keep.sessions[key] = struct{}{}
		}
	}
	if pending.cost {
		if firstErr != nil {
			keep.cost = true
		} else if s, err := r.memory.GetCostSnapshot(ctx); err == nil {
			if err := r.primary.SaveCostSnapshot(ctx, s); err != nil {
				firstErr = err
				keep.cost = true
			}
		}
	}
	if pending.tokens {
		if firstErr != nil {
			keep.tokens = true
		} else if s, err := r.memory.GetTokenSnapshot(ctx); err == nil {
			if err := r.primary.SaveTokenSnapshot(ctx, s); err != nil {
				firstErr = err
				keep.tokens = true
			}
		}
	}

	if firstErr == nil {
		r.logger.Info("storage resync complete",
			"sessions", len(pending.sessions),
			"pricing", len(pending.pricing),
		)
		return nil
	}

	r.dirtyMu.Lock()
	for k := range keep.sessions {
		r.dirty.sessions[k] = struct{}{}
	}
	for k := range keep.pricing {
		r.dirty.pricing[k] = struct{}{}
	}
	r.dirty.cost = r.dirty.cost || keep.cost
	r.dirty.tokens = r.dirty.tokens || keep.tokens
	r.dirtyMu.Unlock()
	return fmt.Errorf("resync: %w", firstErr)
}

func (r *FallbackRepository) Close() error {
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	if r.primary != nil {
		return r.primary.Close()
	}
	return nil
}
