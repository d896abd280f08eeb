package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/pkoukk/tiktoken-go"

	"github.com/ent0n29/voicerelay/internal/pricing"
	"github.com/ent0n29/voicerelay/internal/storage"
)

func TestRecordUsageConcurrentTotalsMatchDeltas(t *testing.T) {
	is := is.New(t)
	l := New(storage.NewInMemoryRepository(), nil)

	const sessions, perSession = 16, 200
	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", s)
			model := "gpt-4o"
			if s%2 == 0 {
				model = "gpt-4o-mini"
			}
			for i := 0; i < perSession; i++ {
				_ = l.RecordUsage(id, 3, 5, model, 1)
			}
		}(s)
	}
	wg.Wait()

	agg := l.GetAggregate()
	is.Equal(agg.InputTokens, int64(sessions*perSession*3))
	is.Equal(agg.OutputTokens, int64(sessions*perSession*5))
	is.Equal(agg.CachedTokens, int64(sessions*perSession))
	is.Equal(agg.Interactions, int64(sessions*perSession))
	is.Equal(agg.Models, []string{"gpt-4o", "gpt-4o-mini"})
	is.Equal(agg.PerModel["gpt-4o"].InputTokens, int64(sessions/2*perSession*3))
	is.Equal(agg.ActiveSessions, sessions)

	var sum int64
	for _, m := range l.GetActiveSessions() {
		sum += m.OutputTokens
	}
	is.Equal(sum, agg.OutputTokens)
}

func TestRecordUsageRejectsEmptySessionAndClampsNegatives(t *testing.T) {
	is := is.New(t)
	l := New(nil, nil)

	is.True(errors.Is(l.RecordUsage(" ", 1, 1, "gpt-4o", 0), ErrInvalidSessionID))
	is.NoErr(l.RecordUsage("s1", -10, 4, "gpt-4o", -1))

	agg := l.GetAggregate()
	is.Equal(agg.InputTokens, int64(0))
	is.Equal(agg.OutputTokens, int64(4))
	is.Equal(agg.CachedTokens, int64(0))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	repo := storage.NewInMemoryRepository()
	l := New(repo, pricing.NewTable(nil))

	is.NoErr(l.StartSession(ctx, StartRequest{SessionID: "s1", UserID: "u1", Model: "gpt-4o", Flavor: "direct"}))
	is.NoErr(l.RecordUsage("s1", 1000, 1000, "", 0))

	first, ok := l.Finalize(ctx, "s1", storage.SessionCompleted)
	is.True(ok)
	is.True(math.Abs(first.EstimatedCost-0.0125) < 1e-9)
	is.Equal(first.Status, storage.SessionCompleted)

	_, ok = l.Finalize(ctx, "s1", storage.SessionCompleted)
	is.True(!ok)

	agg := l.GetAggregate()
	is.Equal(agg.CompletedSessions, int64(1))
	is.True(math.Abs(agg.TotalCost-0.0125) < 1e-9)
	is.Equal(agg.ActiveSessions, 0)

	stored, err := repo.GetCallSession(ctx, "u1", "s1")
	is.NoErr(err)
	is.Equal(stored.Status, storage.SessionCompleted)
	is.Equal(stored.InputTokens, int64(1000))

	snap, err := repo.GetCostSnapshot(ctx)
	is.NoErr(err)
	is.Equal(snap.CompletedSessions, int64(1))
}

func TestUsageAfterFinalizeCountsOnlyInTotals(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	l := New(nil, nil)

	is.NoErr(l.StartSession(ctx, StartRequest{SessionID: "s1", Model: "gpt-4o"}))
	l.Finalize(ctx, "s1", "")
	is.NoErr(l.RecordUsage("s1", 10, 0, "gpt-4o", 0))

	is.Equal(len(l.GetActiveSessions()), 0)
	is.Equal(l.GetAggregate().InputTokens, int64(10))
	got, err := l.Session(ctx, "s1", "")
	is.NoErr(err)
	is.Equal(got.InputTokens, int64(0))
}

func TestUnknownModelUsesDefaultPricing(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	l := New(nil, pricing.NewTable(nil))

	is.NoErr(l.StartSession(ctx, StartRequest{SessionID: "s1", Model: "unknown-model"}))
	is.NoErr(l.RecordUsage("s1", 1000, 0, "unknown-model", 0))
	m, ok := l.Finalize(ctx, "s1", "")
	is.True(ok)
	is.True(math.Abs(m.EstimatedCost-0.005) < 1e-9)
}

type downRepository struct {
	*storage.InMemoryRepository
}

func (downRepository) IsAvailable(context.Context) bool { return false }

func (downRepository) UpsertCallSession(context.Context, storage.CallSession) error {
	return storage.ErrStorageUnavailable
}

func (downRepository) SaveCostSnapshot(context.Context, storage.CostSnapshot) error {
	return storage.ErrStorageUnavailable
}

func (downRepository) SaveTokenSnapshot(context.Context, storage.TokenSnapshot) error {
	return storage.ErrStorageUnavailable
}

func TestLedgerKeepsWorkingWhenStorageIsDown(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	repo := storage.NewFallbackRepository(downRepository{storage.NewInMemoryRepository()}, nil)
	l := New(repo, nil)

	is.NoErr(l.StartSession(ctx, StartRequest{SessionID: "s1", UserID: "u1", Model: "gpt-4o"}))
	is.NoErr(l.RecordUsage("s1", 5, 5, "gpt-4o", 0))
	_, ok := l.Finalize(ctx, "s1", "")
	is.True(ok)

	is.True(!repo.IsAvailable(ctx))
	got, err := l.Session(ctx, "s1", "u1")
	is.NoErr(err)
	is.Equal(got.InputTokens, int64(5))
	is.True(repo.PendingWrites() > 0)
}

func TestRestoreLoadsSnapshots(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	repo := storage.NewInMemoryRepository()
	is.NoErr(repo.SaveTokenSnapshot(ctx, storage.TokenSnapshot{InputTokens: 42, PerModel: map[string]storage.ModelTokens{"gpt-4o": {InputTokens: 42}}}))
	is.NoErr(repo.SaveCostSnapshot(ctx, storage.CostSnapshot{TotalCost: 1.5, CompletedSessions: 3}))

	l := New(repo, nil)
	is.NoErr(l.Restore(ctx))
	is.NoErr(l.RecordUsage("s1", 8, 0, "gpt-4o", 0))

	agg := l.GetAggregate()
	is.Equal(agg.InputTokens, int64(50))
	is.Equal(agg.PerModel["gpt-4o"].InputTokens, int64(50))
	is.Equal(agg.CompletedSessions, int64(3))
}

// outageRepository rejects writes and reports itself unavailable while down.
type outageRepository struct {
	*storage.InMemoryRepository
	down atomic.Bool
}

func (r *outageRepository) IsAvailable(context.Context) bool { return !r.down.Load() }

func (r *outageRepository) UpsertCallSession(ctx context.Context, s storage.CallSession) error {
	if r.down.Load() {
		return storage.ErrStorageUnavailable
	}
	return r.InMemoryRepository.UpsertCallSession(ctx, s)
}

func (r *outageRepository) SaveTokenSnapshot(ctx context.Context, s storage.TokenSnapshot) error {
	if r.down.Load() {
		return storage.ErrStorageUnavailable
	}
	return r.InMemoryRepository.SaveTokenSnapshot(ctx, s)
}

func (r *outageRepository) SaveCostSnapshot(ctx context.Context, s storage.CostSnapshot) error {
	if r.down.Load() {
		return storage.ErrStorageUnavailable
	}
	return r.InMemoryRepository.SaveCostSnapshot(ctx, s)
}

func TestDegradedStartMergesDurableTotalsAfterRecovery(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	primary := &outageRepository{InMemoryRepository: storage.NewInMemoryRepository()}
	is.NoErr(primary.InMemoryRepository.SaveTokenSnapshot(ctx, storage.TokenSnapshot{
		InputTokens: 1_000_000,
		PerModel:    map[string]storage.ModelTokens{"gpt-4o": {InputTokens: 1_000_000}},
	}))
	is.NoErr(primary.InMemoryRepository.SaveCostSnapshot(ctx, storage.CostSnapshot{TotalCost: 40, CompletedSessions: 7}))

	primary.down.Store(true)
	repo := storage.NewFallbackRepository(primary, nil)
	is.True(!repo.CheckAvailability(ctx))

	l := New(repo, nil)
	is.NoErr(l.Restore(ctx))
	is.NoErr(l.StartSession(ctx, StartRequest{SessionID: "s1", UserID: "u1", Model: "gpt-4o"}))
	is.NoErr(l.RecordUsage("s1", 10, 0, "gpt-4o", 0))
	_, ok := l.Finalize(ctx, "s1", "")
	is.True(ok)

	primary.down.Store(false)
	is.True(repo.CheckAvailability(ctx))
	durable, err := primary.InMemoryRepository.GetTokenSnapshot(ctx)
	is.NoErr(err)
	is.Equal(durable.InputTokens, int64(1_000_000))
	_, err = primary.InMemoryRepository.GetCallSession(ctx, "u1", "s1")
	is.NoErr(err)

	is.NoErr(l.StartSession(ctx, StartRequest{SessionID: "s2", UserID: "u1", Model: "gpt-4o"}))
	is.NoErr(l.RecordUsage("s2", 5, 0, "gpt-4o", 0))
	_, ok = l.Finalize(ctx, "s2", "")
	is.True(ok)

	durable, err = primary.InMemoryRepository.GetTokenSnapshot(ctx)
	is.NoErr(err)
	is.Equal(durable.InputTokens, int64(1_000_015))
	is.Equal(durable.PerModel["gpt-4o"].InputTokens, int64(1_000_015))
	cost, err := primary.InMemoryRepository.GetCostSnapshot(ctx)
	is.NoErr(err)
	is.Equal(cost.CompletedSessions, int64(9))
	is.Equal(l.GetAggregate().InputTokens, int64(1_000_015))
}

func TestTokenEstimatorFallsBackToHeuristic(t *testing.T) {
	is := is.New(t)
	est := NewTokenEstimator()
	est.loader = func(string) (*tiktoken.Tiktoken, error) { return nil, errors.New("offline") }

	is.Equal(est.Count("gpt-4o", ""), int64(0))
	is.Equal(est.Count("gpt-4o", "hello world!"), int64(3))
}

func TestTokenEstimatorLoadDoesNotBlockOtherModels(t *testing.T) {
	is := is.New(t)
	est := NewTokenEstimator()
	release := make(chan struct{})
	var loads atomic.Int32
	est.loader = func(model string) (*tiktoken.Tiktoken, error) {
		loads.Add(1)
		if model == "slow-model" {
			<-release
		}
		return nil, errors.New("offline")
	}

	slowDone := make(chan int64)
	go func() { slowDone <- est.Count("slow-model", "hello world!") }()

	fast := make(chan int64)
	go func() { fast <- est.Count("gpt-4o", "hello world!") }()
	select {
	case n := <-fast:
		is.Equal(n, int64(3))
	case <-time.After(time.Second):
		t.Fatal("count for gpt-4o waited on another model's encoding load")
	}

	close(release)
	is.Equal(<-slowDone, int64(3))
	is.Equal(est.Count("slow-model", "hi"), int64(1))
	is.Equal(loads.Load(), int32(2))
}
