package ledger

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator counts tokens for transcripts when the upstream reports no usage.
// Encodings are resolved once per model; if none can be loaded it falls back to a
// four-characters-per-token heuristic.
type TokenEstimator struct {
	mu        sync.Mutex
	encodings map[string]*encodingSlot
	loader    func(model string) (*tiktoken.Tiktoken, error)
}

// encodingSlot is filled once; only callers for the same model wait on the load.
type encodingSlot struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{
		encodings: make(map[string]*encodingSlot),
		loader:    loadEncoding,
	}
}

// Preload resolves the encodings for models so the first transcript does not pay for the
// BPE download.
func (e *TokenEstimator) Preload(models ...string) {
	for _, m := range models {
		e.encoding(m)
	}
}

func loadEncoding(model string) (*tiktoken.Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding("o200k_base")
}

// Count returns the estimated token count of text under model's encoding.
func (e *TokenEstimator) Count(model, text string) int64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	if enc := e.encoding(model); enc != nil {
		return int64(len(enc.Encode(text, nil, nil)))
	}
	return heuristicTokens(text)
}

func (e *TokenEstimator) encoding(model string) *tiktoken.Tiktoken {
	key := strings.ToLower(strings.TrimSpace(model))
	e.mu.Lock()
	slot, ok := e.encodings[key]
	if !ok {
		slot = &encodingSlot{}
		e.encodings[key] = slot
	}
	e.mu.Unlock()

	// nil is kept too so a missing BPE file is not fetched on every call.
	slot.once.Do(func() {
		if enc, err := e.loader(key); err == nil {
			slot.enc = enc
		}
	})
	return slot.enc
}

func heuristicTokens(text string) int64 {
	n := int64(len([]rune(text))+3) / 4
	if n == 0 {
		n = 1
	}
	return n
}
