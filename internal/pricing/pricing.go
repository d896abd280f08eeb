// Package pricing holds the per-model price table shared by every session. Readers always see a
// complete snapshot: reloads build a new map and swap it in atomically.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/voicerelay/internal/storage"
)

const (
	// DefaultModel is the row used when a model has no explicit pricing.
	DefaultModel = "default"
	// AvatarModel and TTSModel carry the add-on prices applied when a model row has none.
	AvatarModel = "avatar"
	TTSModel    = "azure-tts"
)

var ErrInvalidEntry = errors.New("invalid pricing entry")

// Entry prices one model. Token costs are per 1K tokens.
type Entry struct {
	Model              string    `json:"model"`
	InputPer1K         float64   `json:"input_per_1k"`
	OutputPer1K        float64   `json:"output_per_1k"`
	CachedInputPer1K   float64   `json:"cached_input_per_1k"`
	AvatarPerMinute    float64   `json:"avatar_per_minute,omitempty"`
	TTSPerMillionChars float64   `json:"tts_per_million_chars,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Validate rejects empty model names and negative or non-finite prices.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidEntry)
	}
	for name, v := range map[string]float64{
		"input_per_1k":          e.InputPer1K,
		"output_per_1k":         e.OutputPer1K,
		"cached_input_per_1k":   e.CachedInputPer1K,
		"avatar_per_minute":     e.AvatarPerMinute,
		"tts_per_million_chars": e.TTSPerMillionChars,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be a non-negative number", ErrInvalidEntry, name)
		}
	}
	return nil
}

// Usage is the billable consumption of one session.
type Usage struct {
	InputTokens     int64
	OutputTokens    int64
	CachedTokens    int64
	AvatarDuration  time.Duration
	TranscriptChars int64
}

// Cost prices usage against the entry. Negative counters count as zero.
func (e Entry) Cost(u Usage) float64 {
	cost := float64(nonNegative(u.InputTokens))/1000*e.InputPer1K +
		float64(nonNegative(u.OutputTokens))/1000*e.OutputPer1K +
		float64(nonNegative(u.CachedTokens))/1000*e.CachedInputPer1K
	if u.AvatarDuration > 0 {
		cost += u.AvatarDuration.Minutes() * e.AvatarPerMinute
	}
	cost += float64(nonNegative(u.TranscriptChars)) / 1_000_000 * e.TTSPerMillionChars
	if cost < 0 || math.IsNaN(cost) {
		return 0
	}
	return cost
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Builtin returns the price rows seeded into an empty repository.
func Builtin() []Entry {
	return []Entry{
		{Model: DefaultModel, InputPer1K: 0.005, OutputPer1K: 0.02, CachedInputPer1K: 0.0025},
		{Model: "gpt-4o", InputPer1K: 0.0025, OutputPer1K: 0.01, CachedInputPer1K: 0.00125},
		{Model: "gpt-4o-mini", InputPer1K: 0.00015, OutputPer1K: 0.0006, CachedInputPer1K: 0.000075},
		{Model: "gpt-4.1", InputPer1K: 0.002, OutputPer1K: 0.008, CachedInputPer1K: 0.0005},
		{Model: "gpt-realtime", InputPer1K: 0.004, OutputPer1K: 0.016, CachedInputPer1K: 0.0004},
		{Model: "gpt-4o-realtime-preview", InputPer1K: 0.005, OutputPer1K: 0.02, CachedInputPer1K: 0.0025},
		{Model: "phi4-mm-realtime", InputPer1K: 0.00008, OutputPer1K: 0.00032, CachedInputPer1K: 0.00004},
		{Model: AvatarModel, AvatarPerMinute: 0.5},
		{Model: TTSModel, TTSPerMillionChars: 15},
	}
}

// fallbackDefault is used when even the default row is absent from the table.
var fallbackDefault = Builtin()[0]

type snapshot struct {
	entries map[string]Entry
	loaded  time.Time
}

// Table is the process-wide copy-on-write price table.
type Table struct {
	repo    storage.Repository
	current atomic.Pointer[snapshot]
	writeMu sync.Mutex
}

func NewTable(repo storage.Repository) *Table {
	t := &Table{repo: repo}
	t.swap(Builtin())
	return t
}

func (t *Table) swap(entries []Entry) {
	next := &snapshot{entries: make(map[string]Entry, len(entries)), loaded: time.Now().UTC()}
	for _, e := range entries {
		next.entries[strings.ToLower(e.Model)] = e
	}
	t.current.Store(next)
}

// Lookup returns the price row for model, falling back to the default row. It never fails.
func (t *Table) Lookup(model string) Entry {
	snap := t.current.Load()
	if e, ok := snap.entries[strings.ToLower(strings.TrimSpace(model))]; ok {
		return e
	}
	if e, ok := snap.entries[DefaultModel]; ok {
		return e
	}
	return fallbackDefault
}

// Entries lists the current snapshot sorted by model.
func (t *Table) Entries() []Entry {
	snap := t.current.Load()
	out := make([]Entry, 0, len(snap.entries))
	for _, e := range snap.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// SessionCost prices a session's usage for model. Avatar and TTS add-ons come from the model row
// when it sets them, otherwise from the AvatarModel and TTSModel rows.
func (t *Table) SessionCost(model string, u Usage) float64 {
	e := t.Lookup(model)
	snap := t.current.Load()
	if e.AvatarPerMinute == 0 {
		e.AvatarPerMinute = snap.entries[AvatarModel].AvatarPerMinute
	}
	if e.TTSPerMillionChars == 0 {
		e.TTSPerMillionChars = snap.entries[TTSModel].TTSPerMillionChars
	}
	return e.Cost(u)
}

// LoadedAt reports when the current snapshot was published.
func (t *Table) LoadedAt() time.Time {
	return t.current.Load().loaded
}

// Reload replaces the snapshot with the repository contents, seeding built-in rows into an
// empty durable repository. While durable storage is down nothing is seeded; rows written in
// the meantime are laid over the current snapshot instead.
func (t *Table) Reload(ctx context.Context) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.repo == nil {
		t.swap(Builtin())
		return nil
	}
	records, err := t.repo.ListPricing(ctx)
	if err != nil {
		return fmt.Errorf("list pricing: %w", err)
	}
	if !t.repo.IsAvailable(ctx) {
		entries := t.Entries()
		for _, r := range records {
			entries = append(entries, fromRecord(r))
		}
		t.swap(entries)
		return nil
	}
	if len(records) == 0 {
		for _, e := range Builtin() {
			e.UpdatedAt = time.Now().UTC()
			if err := t.repo.UpsertPricing(ctx, toRecord(e)); err != nil {
				return fmt.Errorf("seed pricing %s: %w", e.Model, err)
			}
			records = append(records, toRecord(e))
		}
	}
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, fromRecord(r))
	}
	t.swap(entries)
	return nil
}

// Upsert validates and stores one row, then publishes a new snapshot containing it.
func (t *Table) Upsert(ctx context.Context, e Entry) (Entry, error) {
	e.Model = strings.ToLower(strings.TrimSpace(e.Model))
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	e.UpdatedAt = time.Now().UTC()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.repo != nil {
		if err := t.repo.UpsertPricing(ctx, toRecord(e)); err != nil {
			return Entry{}, fmt.Errorf("store pricing: %w", err)
		}
	}

	prev := t.current.Load()
	entries := make([]Entry, 0, len(prev.entries)+1)
	for k, v := range prev.entries {
		if k != e.Model {
			entries = append(entries, v)
		}
	}
	t.swap(append(entries, e))
	return e, nil
}

func toRecord(e Entry) storage.PricingRecord {
	return storage.PricingRecord{
		Model:              e.Model,
		InputPer1K:         e.InputPer1K,
		OutputPer1K:        e.OutputPer1K,
		CachedInputPer1K:   e.CachedInputPer1K,
		AvatarPerMinute:    e.AvatarPerMinute,
		TTSPerMillionChars: e.TTSPerMillionChars,
		UpdatedAt:          e.UpdatedAt,
	}
}

func fromRecord(r storage.PricingRecord) Entry {
	return Entry{
		Model:              r.Model,
		InputPer1K:         r.InputPer1K,
		OutputPer1K:        r.OutputPer1K,
		CachedInputPer1K:   r.CachedInputPer1K,
		AvatarPerMinute:    r.AvatarPerMinute,
		TTSPerMillionChars: r.TTSPerMillionChars,
		UpdatedAt:          r.UpdatedAt,
	}
}
