package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	snapshotCost   = "cost"
	snapshotTokens = "tokens"
)

// PostgresRepository persists the ledger collections in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects and applies migrations.
func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) IsAvailable(ctx context.Context) bool {
	return r.pool.Ping(ctx) == nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func (r *PostgresRepository) GetCallSession(ctx context.Context, userID, sessionID string) (CallSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, session_id, model, flavor, input_tokens, output_tokens, cached_tokens,
		        interactions, transcript_chars, estimated_cost, status, started_at, ended_at
		 FROM call_sessions WHERE user_id=$1 AND session_id=$2`,
		userID, sessionID,
	)
	s, err := scanCallSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return CallSession{}, ErrNotFound
	}
	if err != nil {
		return CallSession{}, unavailable("get call session", err)
	}
	return s, nil
}

func (r *PostgresRepository) UpsertCallSession(ctx context.Context, s CallSession) error {
	var endedAt *time.Time
	if !s.EndedAt.IsZero() {
		endedAt = &s.EndedAt
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO call_sessions (
			user_id, session_id, model, flavor, input_tokens, output_tokens, cached_tokens,
			interactions, transcript_chars, estimated_cost, status, started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			model=EXCLUDED.model,
			flavor=EXCLUDED.flavor,
			input_tokens=EXCLUDED.input_tokens,
			output_tokens=EXCLUDED.output_tokens,
			cached_tokens=EXCLUDED.cached_tokens,
			interactions=EXCLUDED.interactions,
			transcript_chars=EXCLUDED.transcript_chars,
			estimated_cost=EXCLUDED.estimated_cost,
			status=EXCLUDED.status,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at`,
		s.UserID, s.SessionID, s.Model, s.Flavor, s.InputTokens, s.OutputTokens, s.CachedTokens,
		s.Interactions, s.TranscriptChars, s.EstimatedCost, string(s.Status), s.StartedAt, endedAt,
	)
	if err != nil {
		return unavailable("upsert call session", err)
	}
	return nil
}

func (r *PostgresRepository) ListCallSessions(ctx context.Context, q SessionQuery) ([]CallSession, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	var from, to *time.Time
	if !q.From.IsZero() {
		from = &q.From
	}
	if !q.To.IsZero() {
		to = &q.To
	}

	rows, err := r.pool.Query(ctx,
		`SELECT user_id, session_id, model, flavor, input_tokens, output_tokens, cached_tokens,
		        interactions, transcript_chars, estimated_cost, status, started_at, ended_at
		 FROM call_sessions
		 WHERE ($1 = '' OR user_id = $1)
		   AND ($2::timestamptz IS NULL OR started_at >= $2)
		   AND ($3::timestamptz IS NULL OR started_at < $3)
		 ORDER BY started_at DESC
		 LIMIT $4`,
		q.UserID, from, to, limit,
	)
	if err != nil {
		return nil, unavailable("query call sessions", err)
	}
	defer rows.Close()

	out := make([]CallSession, 0)
	for rows.Next() {
		s, err := scanCallSession(rows)
		if err != nil {
			return nil, unavailable("scan call session", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate call sessions", err)
	}
	return out, nil
}

func scanCallSession(row pgx.Row) (CallSession, error) {
	var (
		s       CallSession
		status  string
		endedAt *time.Time
	)
	err := row.Scan(
		&s.UserID, &s.SessionID, &s.Model, &s.Flavor, &s.InputTokens, &s.OutputTokens, &s.CachedTokens,
		&s.Interactions, &s.TranscriptChars, &s.EstimatedCost, &status, &s.StartedAt, &endedAt,
	)
	if err != nil {
		return CallSession{}, err
	}
	s.Status = SessionStatus(status)
	if endedAt != nil {
		s.EndedAt = *endedAt
	}
	return s, nil
}

func (r *PostgresRepository) GetPricing(ctx context.Context, model string) (PricingRecord, error) {
	var p PricingRecord
	err := r.pool.QueryRow(ctx,
		`SELECT model, input_per_1k, output_per_1k, cached_input_per_1k, avatar_per_minute,
		        tts_per_million_chars, updated_at
		 FROM pricing_config WHERE model=$1`,
		strings.ToLower(model),
	).Scan(&p.Model, &p.InputPer1K, &p.OutputPer1K, &p.CachedInputPer1K, &p.AvatarPerMinute, &p.TTSPerMillionChars, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PricingRecord{}, ErrNotFound
	}
	if err != nil {
		return PricingRecord{}, unavailable("get pricing", err)
	}
	return p, nil
}

func (r *PostgresRepository) ListPricing(ctx context.Context) ([]PricingRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT model, input_per_1k, output_per_1k, cached_input_per_1k, avatar_per_minute,
		        tts_per_million_chars, updated_at
		 FROM pricing_config ORDER BY model`,
	)
	if err != nil {
		return nil, unavailable("query pricing", err)
	}
	defer rows.Close()

	out := make([]PricingRecord, 0)
	for rows.Next() {
		var p PricingRecord
		if err := rows.Scan(&p.Model, &p.InputPer1K, &p.OutputPer1K, &p.CachedInputPer1K, &p.AvatarPerMinute, &p.TTSPerMillionChars, &p.UpdatedAt); err != nil {
			return nil, unavailable("scan pricing", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate pricing", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpsertPricing(ctx context.Context, p PricingRecord) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pricing_config (
			model, input_per_1k, output_per_1k, cached_input_per_1k, avatar_per_minute,
			tts_per_million_chars, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (model) DO UPDATE SET
			input_per_1k=EXCLUDED.input_per_1k,
			output_per_1k=EXCLUDED.output_per_1k,
			cached_input_per_1k=EXCLUDED.cached_input_per_1k,
			avatar_per_minute=EXCLUDED.avatar_per_minute,
			tts_per_million_chars=EXCLUDED.tts_per_million_chars,
			updated_at=EXCLUDED.updated_at`,
		strings.ToLower(p.Model), p.InputPer1K, p.OutputPer1K, p.CachedInputPer1K, p.AvatarPerMinute,
		p.TTSPerMillionChars, p.UpdatedAt,
	)
	if err != nil {
		return unavailable("upsert pricing", err)
	}
	return nil
}

func (r *PostgresRepository) GetCostSnapshot(ctx context.Context) (CostSnapshot, error) {
	var s CostSnapshot
	if err := r.loadSnapshot(ctx, snapshotCost, &s); err != nil {
		return CostSnapshot{}, err
	}
	return s, nil
}

func (r *PostgresRepository) SaveCostSnapshot(ctx context.Context, s CostSnapshot) error {
	return r.saveSnapshot(ctx, snapshotCost, s)
}

func (r *PostgresRepository) GetTokenSnapshot(ctx context.Context) (TokenSnapshot, error) {
	var s TokenSnapshot
	if err := r.loadSnapshot(ctx, snapshotTokens, &s); err != nil {
		return TokenSnapshot{}, err
	}
	return s, nil
}

func (r *PostgresRepository) SaveTokenSnapshot(ctx context.Context, s TokenSnapshot) error {
	return r.saveSnapshot(ctx, snapshotTokens, s)
}

func (r *PostgresRepository) loadSnapshot(ctx context.Context, name string, dst any) error {
	var payload []byte
	err := r.pool.QueryRow(ctx, `SELECT payload FROM usage_snapshots WHERE name=$1`, name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("load "+name+" snapshot", err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("decode %s snapshot: %w", name, err)
	}
	return nil
}

func (r *PostgresRepository) saveSnapshot(ctx context.Context, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", name, err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO usage_snapshots (name, payload, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at`,
		name, payload,
	)
	if err != nil {
		return unavailable("save "+name+" snapshot", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
