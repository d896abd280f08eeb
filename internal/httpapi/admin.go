package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/pricing"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/storage"
)

func (s *Server) requireLedger(w http.ResponseWriter) bool {
	if s.deps.Ledger == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "usage ledger not configured")
		return false
	}
	return true
}

func (s *Server) handleAggregate(w http.ResponseWriter, _ *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Ledger.GetAggregate())
}

// handleLatency reports the recent stage latency window.
func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, _ *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	sessions := s.deps.Ledger.GetActiveSessions()
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetConsumption(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	m, err := s.deps.Ledger.Session(r.Context(), id, r.URL.Query().Get("user_id"))
	switch {
	case errors.Is(err, ledger.ErrInvalidSessionID):
		respondError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "session not found")
	case err != nil:
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", "session history unavailable")
	default:
		respondJSON(w, http.StatusOK, m)
	}
}

type consumptionRequest struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CachedTokens int64  `json:"cached_tokens"`
}

func (s *Server) handleRecordConsumption(w http.ResponseWriter, r *http.Request) {
	if !s.requireLedger(w) {
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req consumptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.InputTokens < 0 || req.OutputTokens < 0 || req.CachedTokens < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "token counts must be non-negative")
		return
	}
	if err := s.deps.Ledger.RecordUsage(id, req.InputTokens, req.OutputTokens, req.Model, req.CachedTokens); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
		return
	}
	m, err := s.deps.Ledger.Session(r.Context(), id, "")
	if err != nil {
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.sessions == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "router not configured")
		return
	}
	conn, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("ended_by_admin")
	respondJSON(w, http.StatusOK, conn)
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	conns := []session.Connection{}
	if s.sessions != nil {
		conns = s.sessions.List()
	}
	respondJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (s *Server) requirePricing(w http.ResponseWriter) bool {
	if s.deps.Prices == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "pricing not configured")
		return false
	}
	return true
}

func (s *Server) handleListPricing(w http.ResponseWriter, _ *http.Request) {
	if !s.requirePricing(w) {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pricing":   s.deps.Prices.Entries(),
		"loaded_at": s.deps.Prices.LoadedAt(),
	})
}

func (s *Server) handleReloadPricing(w http.ResponseWriter, r *http.Request) {
	if !s.requirePricing(w) {
		return
	}
	if err := s.deps.Prices.Reload(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(s.deps.Prices.Entries()),
		"loaded_at": s.deps.Prices.LoadedAt(),
	})
}

func (s *Server) handleUpsertPricing(w http.ResponseWriter, r *http.Request) {
	if !s.requirePricing(w) {
		return
	}
	var entry pricing.Entry
	if err := decodeJSON(r, &entry); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	entry.Model = chi.URLParam(r, "model")
	saved, err := s.deps.Prices.Upsert(r.Context(), entry)
	switch {
	case errors.Is(err, pricing.ErrInvalidEntry):
		respondError(w, http.StatusBadRequest, "invalid_pricing", err.Error())
	case err != nil:
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		respondJSON(w, http.StatusOK, saved)
	}
}

func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		respondError(w, http.StatusNotImplemented, "remote_tools_disabled", "REMOTE_TOOLS_URL is not configured")
		return
	}
	n, err := s.deps.Catalog.Refresh(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "remote_tools_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"tools": n})
}
