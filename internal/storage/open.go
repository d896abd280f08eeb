package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

const connectAttempts = 3

// Open builds the repository used by the ledger. Without a database URL it is memory only.
// When Postgres cannot be reached at startup the repository starts degraded and the probe
// keeps retrying the connection.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger, opts ...FallbackOption) *FallbackRepository {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(databaseURL) == "" {
		return NewFallbackRepository(nil, logger, opts...)
	}

	primary := &deferredRepository{
		connect: func(ctx context.Context) (Repository, error) {
			return NewPostgresRepository(ctx, databaseURL)
		},
	}
	lastErr := connectWithRetry(ctx, primary, logger)

	repo := NewFallbackRepository(primary, logger, opts...)
	if lastErr != nil {
		repo.markDegraded(lastErr)
	}
	return repo
}

func connectWithRetry(ctx context.Context, primary *deferredRepository, logger *slog.Logger) error {
	var err error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if err = primary.ensure(ctx); err == nil {
			return nil
		}
		logger.Warn("postgres connect failed", "attempt", attempt+1, "error", err)
		if attempt == connectAttempts-1 {
			break
		}
		timer := time.NewTimer(reliability.ExponentialBackoff(attempt, 250*time.Millisecond, 2*time.Second))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// deferredRepository connects on first use so that a database that is down at startup can be
// picked up later by the availability probe.
type deferredRepository struct {
	connect func(ctx context.Context) (Repository, error)

	mu   sync.Mutex
	repo Repository
}

func (d *deferredRepository) ensure(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.repo != nil {
		return nil
	}
	repo, err := d.connect(ctx)
	if err != nil {
		return err
	}
	d.repo = repo
	return nil
}

func (d *deferredRepository) get() (Repository, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.repo == nil {
		return nil, fmt.Errorf("postgres not connected: %w", ErrStorageUnavailable)
	}
	return d.repo, nil
}

func (d *deferredRepository) IsAvailable(ctx context.Context) bool {
	if err := d.ensure(ctx); err != nil {
		return false
	}
	repo, err := d.get()
	return err == nil && repo.IsAvailable(ctx)
}

func (d *deferredRepository) GetCallSession(ctx context.Context, userID, sessionID string) (CallSession, error) {
	repo, err := d.get()
	if err != nil {
		return CallSession{}, err
	}
	return repo.GetCallSession(ctx, userID, sessionID)
}

func (d *deferredRepository) UpsertCallSession(ctx context.Context, s CallSession) error {
	repo, err := d.get()
	if err != nil {
		return err
	}
	return repo.UpsertCallSession(ctx, s)
}

func (d *deferredRepository) ListCallSessions(ctx context.Context, q SessionQuery) ([]CallSession, error) {
	repo, err := d.get()
	if err != nil {
		return nil, err
	}
	return repo.ListCallSessions(ctx, q)
}

func (d *deferredRepository) GetPricing(ctx context.Context, model string) (PricingRecord, error) {
	repo, err := d.get()
	if err != nil {
		return PricingRecord{}, err
	}
	return repo.GetPricing(ctx, model)
}

func (d *deferredRepository) ListPricing(ctx context.Context) ([]PricingRecord, error) {
	repo, err := d.get()
	if err != nil {
		return nil, err
	}
	return repo.ListPricing(ctx)
}

func (d *deferredRepository) UpsertPricing(ctx context.Context, p PricingRecord) error {
	repo, err := d.get()
	if err != nil {
		return err
	}
	return repo.UpsertPricing(ctx, p)
}

func (d *deferredRepository) GetCostSnapshot(ctx context.Context) (CostSnapshot, error) {
	repo, err := d.get()
	if err != nil {
		return CostSnapshot{}, err
	}
	return repo.GetCostSnapshot(ctx)
}

func (d *deferredRepository) SaveCostSnapshot(ctx context.Context, s CostSnapshot) error {
	repo, err := d.get()
	if err != nil {
		return err
	}
	return repo.SaveCostSnapshot(ctx, s)
}

func (d *deferredRepository) GetTokenSnapshot(ctx context.Context) (TokenSnapshot, error) {
	repo, err := d.get()
	if err != nil {
		return TokenSnapshot{}, err
	}
	return repo.GetTokenSnapshot(ctx)
}

func (d *deferredRepository) SaveTokenSnapshot(ctx context.Context, s TokenSnapshot) error {
	repo, err := d.get()
	if err != nil {
		return err
	}
	return repo.SaveTokenSnapshot(ctx, s)
}

func (d *deferredRepository) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.repo == nil {
		return nil
	}
	return d.repo.Close()
}
