package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type flakyRepository struct {
	*InMemoryRepository
	down   atomic.Bool
	checks atomic.Int32
	// onUpsert runs after a session write reaches this repository.
	onUpsert func(CallSession)
}

func newFlakyRepository() *flakyRepository {
	return &flakyRepository{InMemoryRepository: NewInMemoryRepository()}
}

func (f *flakyRepository) IsAvailable(context.Context) bool {
	f.checks.Add(1)
	return !f.down.Load()
}

func (f *flakyRepository) UpsertCallSession(ctx context.Context, s CallSession) error {
	if f.down.Load() {
		return ErrStorageUnavailable
	}
	if err := f.InMemoryRepository.UpsertCallSession(ctx, s); err != nil {
		return err
	}
	if f.onUpsert != nil {
		f.onUpsert(s)
	}
	return nil
}

func (f *flakyRepository) GetCallSession(ctx context.Context, userID, sessionID string) (CallSession, error) {
	if f.down.Load() {
		return CallSession{}, ErrStorageUnavailable
	}
	return f.InMemoryRepository.GetCallSession(ctx, userID, sessionID)
}

func (f *flakyRepository) SaveTokenSnapshot(ctx context.Context, s TokenSnapshot) error {
	if f.down.Load() {
		return ErrStorageUnavailable
	}
	return f.InMemoryRepository.SaveTokenSnapshot(ctx, s)
}

func TestFallbackRepositoryDegradedRoundTrip(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyRepository()
	var transitions []bool
	repo := NewFallbackRepository(primary, nil, WithModeHook(func(durable bool) {
		transitions = append(transitions, durable)
	}))

	if err := repo.UpsertCallSession(ctx, CallSession{UserID: "u1", SessionID: "s1", InputTokens: 10}); err != nil {
		t.Fatalf("UpsertCallSession() error = %v", err)
	}
	if _, err := primary.InMemoryRepository.GetCallSession(ctx, "u1", "s1"); err != nil {
		t.Fatalf("primary missing s1: %v", err)
	}

	primary.down.Store(true)
	started := time.Now().UTC()
	second := CallSession{UserID: "u1", SessionID: "s2", InputTokens: 7, OutputTokens: 3, StartedAt: started}
	if err := repo.UpsertCallSession(ctx, second); err != nil {
		t.Fatalf("UpsertCallSession() degraded error = %v", err)
	}
	if repo.IsAvailable(ctx) {
		t.Fatalf("IsAvailable() = true after primary failure")
	}
	if got := repo.PendingWrites(); got != 1 {
		t.Fatalf("PendingWrites() = %d, want 1", got)
	}
	got, err := repo.GetCallSession(ctx, "u1", "s2")
	if err != nil {
		t.Fatalf("GetCallSession() degraded error = %v", err)
	}
	if got != second {
		t.Fatalf("GetCallSession() = %+v, want %+v", got, second)
	}

	if repo.CheckAvailability(ctx) {
		t.Fatalf("CheckAvailability() = true while primary down")
	}

	primary.down.Store(false)
	if !repo.CheckAvailability(ctx) {
		t.Fatalf("CheckAvailability() = false after recovery")
	}
	if got := repo.PendingWrites(); got != 0 {
		t.Fatalf("PendingWrites() after resync = %d, want 0", got)
	}
	synced, err := primary.InMemoryRepository.GetCallSession(ctx, "u1", "s2")
	if err != nil {
		t.Fatalf("primary missing resynced s2: %v", err)
	}
	if synced != second {
		t.Fatalf("resynced record = %+v, want %+v", synced, second)
	}
	if len(transitions) != 2 || transitions[0] || !transitions[1] {
		t.Fatalf("mode transitions = %v, want [false true]", transitions)
	}
}

type resyncFailingRepository struct {
	*flakyRepository
}

func (r resyncFailingRepository) SaveTokenSnapshot(context.Context, TokenSnapshot) error {
	return errors.New("disk full")
}

func TestFallbackRepositoryKeepsDirtyRecordsWhenResyncFails(t *testing.T) {
	ctx := context.Background()
	primary := resyncFailingRepository{flakyRepository: newFlakyRepository()}
	repo := NewFallbackRepository(primary, nil)
	if _, err := repo.GetTokenSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTokenSnapshot() error = %v, want ErrNotFound", err)
	}

	primary.down.Store(true)
	if err := repo.SaveTokenSnapshot(ctx, TokenSnapshot{InputTokens: 5}); err != nil {
		t.Fatalf("SaveTokenSnapshot() error = %v", err)
	}
	primary.down.Store(false)

	if repo.CheckAvailability(ctx) {
		t.Fatalf("CheckAvailability() = true, want false when resync fails")
	}
	if got := repo.PendingWrites(); got != 1 {
		t.Fatalf("PendingWrites() = %d, want 1", got)
	}
	snap, err := repo.GetTokenSnapshot(ctx)
	if err != nil {
		t.Fatalf("GetTokenSnapshot() error = %v", err)
	}
	if snap.InputTokens != 5 {
		t.Fatalf("InputTokens = %d, want 5", snap.InputTokens)
	}
}

func TestFallbackRepositoryKeepsUnloadedSnapshotsOutOfPrimary(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyRepository()
	durable := TokenSnapshot{InputTokens: 1_000_000}
	if err := primary.InMemoryRepository.SaveTokenSnapshot(ctx, durable); err != nil {
		t.Fatalf("seed primary: %v", err)
	}
	repo := NewFallbackRepository(primary, nil)

	primary.down.Store(true)
	if repo.CheckAvailability(ctx) {
		t.Fatalf("CheckAvailability() = true while primary down")
	}
	if err := repo.SaveTokenSnapshot(ctx, TokenSnapshot{InputTokens: 10}); err != nil {
		t.Fatalf("SaveTokenSnapshot() error = %v", err)
	}
	if got := repo.PendingWrites(); got != 0 {
		t.Fatalf("PendingWrites() = %d, want 0 for a snapshot never loaded from the primary", got)
	}

	primary.down.Store(false)
	if !repo.CheckAvailability(ctx) {
		t.Fatalf("CheckAvailability() = false after recovery")
	}
	got, err := primary.InMemoryRepository.GetTokenSnapshot(ctx)
	if err != nil {
		t.Fatalf("primary GetTokenSnapshot() error = %v", err)
	}
	if got.InputTokens != durable.InputTokens {
		t.Fatalf("primary InputTokens = %d, want %d", got.InputTokens, durable.InputTokens)
	}
}

func TestFallbackRepositoryReplaysWritesThatRaceRecovery(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyRepository()
	repo := NewFallbackRepository(primary, nil)
	recovered := 0
	repo.OnRecover(func() { recovered++ })

	primary.down.Store(true)
	if err := repo.UpsertCallSession(ctx, CallSession{UserID: "u1", SessionID: "s1"}); err != nil {
		t.Fatalf("UpsertCallSession() error = %v", err)
	}

	// A session finishes while the replay of s1 is in flight, before the mode flips back.
	late := CallSession{UserID: "u1", SessionID: "late", InputTokens: 3}
	primary.onUpsert = func(s CallSession) {
		if s.SessionID != "s1" {
			return
		}
		if err := repo.UpsertCallSession(ctx, late); err != nil {
			t.Errorf("UpsertCallSession(late) error = %v", err)
		}
	}
	primary.down.Store(false)
	if !repo.CheckAvailability(ctx) {
		t.Fatalf("CheckAvailability() = false after recovery")
	}
	primary.onUpsert = nil
	if got := repo.PendingWrites(); got != 1 {
		t.Fatalf("PendingWrites() = %d, want the late write still pending", got)
	}

	if !repo.CheckAvailability(ctx) {
		t.Fatalf("CheckAvailability() = false while durable")
	}
	if got := repo.PendingWrites(); got != 0 {
		t.Fatalf("PendingWrites() = %d, want 0", got)
	}
	got, err := primary.InMemoryRepository.GetCallSession(ctx, "u1", "late")
	if err != nil {
		t.Fatalf("primary missing late write: %v", err)
	}
	if got != late {
		t.Fatalf("late write = %+v, want %+v", got, late)
	}
	if recovered != 1 {
		t.Fatalf("recover hooks ran %d times, want 1", recovered)
	}
}

func TestFallbackRepositoryProbeSkipsWhenCheckInFlight(t *testing.T) {
	primary := newFlakyRepository()
	repo := NewFallbackRepository(primary, nil)

	repo.checkMu.Lock()
	got := repo.CheckAvailability(context.Background())
	repo.checkMu.Unlock()

	if !got {
		t.Fatalf("CheckAvailability() = false, want cached durable mode")
	}
	if n := primary.checks.Load(); n != 0 {
		t.Fatalf("primary checked %d times, want 0", n)
	}
}

func TestFallbackRepositoryWithoutPrimary(t *testing.T) {
	ctx := context.Background()
	repo := NewFallbackRepository(nil, nil)

	if repo.IsAvailable(ctx) {
		t.Fatalf("IsAvailable() = true without primary")
	}
	if err := repo.UpsertPricing(ctx, PricingRecord{Model: "gpt-4o", InputPer1K: 1}); err != nil {
		t.Fatalf("UpsertPricing() error = %v", err)
	}
	if got := repo.PendingWrites(); got != 0 {
		t.Fatalf("PendingWrites() = %d, want 0", got)
	}
	p, err := repo.GetPricing(ctx, "GPT-4o")
	if err != nil {
		t.Fatalf("GetPricing() error = %v", err)
	}
	if p.InputPer1K != 1 {
		t.Fatalf("InputPer1K = %v, want 1", p.InputPer1K)
	}
}

func TestInMemoryRepositoryListCallSessionsRange(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_ = repo.UpsertCallSession(ctx, CallSession{UserID: "u", SessionID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	got, err := repo.ListCallSessions(ctx, SessionQuery{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("ListCallSessions() error = %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "b" {
		t.Fatalf("ListCallSessions() = %+v, want only b", got)
	}
}
