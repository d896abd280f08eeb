package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by read-by-key operations when no record exists.
	ErrNotFound = errors.New("record not found")
	// ErrStorageUnavailable wraps backend failures that should flip callers into degraded mode.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// CallSession is the persisted form of one connection's usage ledger entry.
type CallSession struct {
	UserID          string        `json:"user_id"`
	SessionID       string        `json:"session_id"`
	Model           string        `json:"model"`
	Flavor          string        `json:"flavor"`
	InputTokens     int64         `json:"input_tokens"`
	OutputTokens    int64         `json:"output_tokens"`
	CachedTokens    int64         `json:"cached_tokens"`
	Interactions    int64         `json:"interactions"`
	TranscriptChars int64         `json:"transcript_chars"`
	EstimatedCost   float64       `json:"estimated_cost"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
}

// PricingRecord is a stored per-model price row. Costs are per 1K tokens unless named otherwise.
type PricingRecord struct {
	Model              string    `json:"model"`
	InputPer1K         float64   `json:"input_per_1k"`
	OutputPer1K        float64   `json:"output_per_1k"`
	CachedInputPer1K   float64   `json:"cached_input_per_1k"`
	AvatarPerMinute    float64   `json:"avatar_per_minute"`
	TTSPerMillionChars float64   `json:"tts_per_million_chars"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type ModelTokens struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
	Interactions int64 `json:"interactions"`
}

// TokenSnapshot is the singleton process-wide token total.
type TokenSnapshot struct {
	InputTokens  int64                  `json:"input_tokens"`
	OutputTokens int64                  `json:"output_tokens"`
	CachedTokens int64                  `json:"cached_tokens"`
	Interactions int64                  `json:"interactions"`
	PerModel     map[string]ModelTokens `json:"per_model"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// CostSnapshot is the singleton process-wide cost total of finalized sessions.
type CostSnapshot struct {
	TotalCost         float64            `json:"total_cost"`
	PerModel          map[string]float64 `json:"per_model"`
	CompletedSessions int64              `json:"completed_sessions"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// SessionQuery selects call sessions whose StartedAt falls in [From, To).
// Zero bounds are open.
type SessionQuery struct {
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
}

// Repository is the narrow persistence contract behind the usage ledger and pricing table.
type Repository interface {
	IsAvailable(ctx context.Context) bool

	GetCallSession(ctx context.Context, userID, sessionID string) (CallSession, error)
	UpsertCallSession(ctx context.Context, s CallSession) error
	ListCallSessions(ctx context.Context, q SessionQuery) ([]CallSession, error)

	GetPricing(ctx context.Context, model string) (PricingRecord, error)
	ListPricing(ctx context.Context) ([]PricingRecord, error)
	UpsertPricing(ctx context.Context, p PricingRecord) error

	GetCostSnapshot(ctx context.Context) (CostSnapshot, error)
	SaveCostSnapshot(ctx context.Context, s CostSnapshot) error
	GetTokenSnapshot(ctx context.Context) (TokenSnapshot, error)
	SaveTokenSnapshot(ctx context.Context, s TokenSnapshot) error

	Close() error
}

func cloneTokenSnapshot(s TokenSnapshot) TokenSnapshot {
	out := s
	out.PerModel = make(map[string]ModelTokens, len(s.PerModel))
	for k, v := range s.PerModel {
		out.PerModel[k] = v
	}
	return out
}

func cloneCostSnapshot(s CostSnapshot) CostSnapshot {
	out := s
	out.PerModel = make(map[string]float64, len(s.PerModel))
	for k, v := range s.PerModel {
		out.PerModel[k] = v
	}
	return out
}
