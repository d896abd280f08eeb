package pricing

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/ent0n29/voicerelay/internal/storage"
)

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestLookupUnknownModelUsesDefault(t *testing.T) {
	is := is.New(t)
	table := NewTable(nil)

	got := table.Lookup("unknown-model")
	is.Equal(got.Model, DefaultModel)

	cost := got.Cost(Usage{InputTokens: 1000, OutputTokens: 1000, CachedTokens: 1000})
	is.True(approx(cost, 0.0275))
}

func TestLookupWithoutDefaultRowUsesBuiltinDefault(t *testing.T) {
	is := is.New(t)
	table := NewTable(nil)
	table.swap([]Entry{{Model: "gpt-4o", InputPer1K: 1}})

	got := table.Lookup("unknown-model")
	is.Equal(got.Model, DefaultModel)
	is.True(got.InputPer1K > 0)
}

func TestCostNeverNegative(t *testing.T) {
	is := is.New(t)
	e := Entry{Model: "m", InputPer1K: 1, OutputPer1K: 1}

	is.Equal(e.Cost(Usage{InputTokens: -500, OutputTokens: -1}), 0.0)
	is.Equal(Entry{}.Cost(Usage{InputTokens: 1000}), 0.0)
}

func TestSessionCostAppliesAddOns(t *testing.T) {
	is := is.New(t)
	table := NewTable(nil)

	base := table.SessionCost("gpt-4o", Usage{InputTokens: 2000})
	is.True(approx(base, 0.005))

	withAvatar := table.SessionCost("gpt-4o", Usage{InputTokens: 2000, AvatarDuration: 2 * time.Minute})
	is.True(approx(withAvatar, 1.005))

	withTTS := table.SessionCost("gpt-4o", Usage{TranscriptChars: 1_000_000})
	is.True(approx(withTTS, 15))
}

func TestUpsertValidatesAndPublishes(t *testing.T) {
	is := is.New(t)
	repo := storage.NewInMemoryRepository()
	table := NewTable(repo)

	_, err := table.Upsert(context.Background(), Entry{Model: "custom", InputPer1K: -1})
	is.True(errors.Is(err, ErrInvalidEntry))

	_, err = table.Upsert(context.Background(), Entry{Model: " "})
	is.True(errors.Is(err, ErrInvalidEntry))

	saved, err := table.Upsert(context.Background(), Entry{Model: "Custom", InputPer1K: 0.1})
	is.NoErr(err)
	is.Equal(saved.Model, "custom")
	is.Equal(table.Lookup("CUSTOM").InputPer1K, 0.1)

	stored, err := repo.GetPricing(context.Background(), "custom")
	is.NoErr(err)
	is.Equal(stored.InputPer1K, 0.1)
}

func TestReloadSeedsEmptyRepository(t *testing.T) {
	is := is.New(t)
	repo := storage.NewInMemoryRepository()
	table := NewTable(repo)

	is.NoErr(table.Reload(context.Background()))
	records, err := repo.ListPricing(context.Background())
	is.NoErr(err)
	is.Equal(len(records), len(Builtin()))

	is.NoErr(repo.UpsertPricing(context.Background(), storage.PricingRecord{Model: "gpt-4o", InputPer1K: 9}))
	is.NoErr(table.Reload(context.Background()))
	is.Equal(table.Lookup("gpt-4o").InputPer1K, 9.0)
}

func TestLookupDuringReloadSeesCompleteSnapshot(t *testing.T) {
	table := NewTable(storage.NewInMemoryRepository())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			_ = table.Reload(ctx)
		}
	}()

	for i := 0; i < 2000; i++ {
		if e := table.Lookup("gpt-4o"); e.Model != "gpt-4o" {
			t.Fatalf("Lookup() = %+v during reload", e)
		}
	}
	cancel()
	wg.Wait()
}

// switchableRepository fails every call while down.
type switchableRepository struct {
	*storage.InMemoryRepository
	down atomic.Bool
}

func (r *switchableRepository) IsAvailable(context.Context) bool { return !r.down.Load() }

func (r *switchableRepository) ListPricing(ctx context.Context) ([]storage.PricingRecord, error) {
	if r.down.Load() {
		return nil, storage.ErrStorageUnavailable
	}
	return r.InMemoryRepository.ListPricing(ctx)
}

func (r *switchableRepository) UpsertPricing(ctx context.Context, p storage.PricingRecord) error {
	if r.down.Load() {
		return storage.ErrStorageUnavailable
	}
	return r.InMemoryRepository.UpsertPricing(ctx, p)
}

func TestReloadWhileDegradedKeepsDurablePrices(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	primary := &switchableRepository{InMemoryRepository: storage.NewInMemoryRepository()}
	is.NoErr(primary.InMemoryRepository.UpsertPricing(ctx, storage.PricingRecord{Model: "gpt-4o", InputPer1K: 9}))

	primary.down.Store(true)
	repo := storage.NewFallbackRepository(primary, nil)
	is.True(!repo.CheckAvailability(ctx))

	table := NewTable(repo)
	is.NoErr(table.Reload(ctx))
	is.Equal(repo.PendingWrites(), 0)
	is.Equal(len(table.Entries()), len(Builtin()))

	primary.down.Store(false)
	is.True(repo.CheckAvailability(ctx))
	stored, err := primary.InMemoryRepository.GetPricing(ctx, "gpt-4o")
	is.NoErr(err)
	is.Equal(stored.InputPer1K, 9.0)

	is.NoErr(table.Reload(ctx))
	is.Equal(table.Lookup("gpt-4o").InputPer1K, 9.0)
}

func TestReloadWhileDegradedKeepsRowsWrittenMeanwhile(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	primary := &switchableRepository{InMemoryRepository: storage.NewInMemoryRepository()}
	primary.down.Store(true)
	repo := storage.NewFallbackRepository(primary, nil)
	is.True(!repo.CheckAvailability(ctx))

	table := NewTable(repo)
	_, err := table.Upsert(ctx, Entry{Model: "gpt-4o", InputPer1K: 3, OutputPer1K: 4})
	is.NoErr(err)
	is.NoErr(table.Reload(ctx))

	is.Equal(table.Lookup("gpt-4o").InputPer1K, 3.0)
	is.Equal(len(table.Entries()), len(Builtin()))
	is.Equal(repo.PendingWrites(), 1)
}
