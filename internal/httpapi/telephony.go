package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/router"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/telephony"
)

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, errEmptyBody
	}
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
}

// publicBaseURL is where the call automation service reaches this relay.
func (s *Server) publicBaseURL(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}
	host := firstNonEmpty(r.Header.Get("X-Forwarded-Host"), r.Host)
	return scheme + "://" + host
}

func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bridge == nil {
		respondError(w, http.StatusNotImplemented, "telephony_disabled", "telephony is not configured")
		return
	}
	body, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ack, err := s.deps.Bridge.HandleIncomingCallEvent(r.Context(), body, s.publicBaseURL(r))
	switch {
	case errors.Is(err, telephony.ErrMalformedEvent):
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	case errors.Is(err, telephony.ErrNotConfigured):
		respondError(w, http.StatusServiceUnavailable, "telephony_disabled", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadGateway, "answer_failed", "could not answer call")
		return
	}

	if ack.ValidationResponse != "" {
		respondJSON(w, http.StatusOK, map[string]string{"validationResponse": ack.ValidationResponse})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"answered": len(ack.Answered)})
}

func (s *Server) handleCallCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bridge == nil {
		respondError(w, http.StatusNotImplemented, "telephony_disabled", "telephony is not configured")
		return
	}
	contextID := strings.TrimSpace(chi.URLParam(r, "contextId"))
	if contextID == "" {
		respondError(w, http.StatusBadRequest, "invalid_context_id", "missing context id")
		return
	}
	body, err := readBody(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.deps.Bridge.HandleCallbackEvent(r.Context(), contextID, body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleValidateConfig parses a client Config payload the way the telephony media path would
// resolve it. It is the one place a malformed config is reported instead of replaced by defaults.
func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		respondError(w, http.StatusBadRequest, "config_parse_error", "empty config payload")
		return
	}
	client, err := protocol.ParseConfig(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "config_parse_error", err.Error())
		return
	}
	cfg := router.MergeConfig(s.deps.Defaults, client)
	respondJSON(w, http.StatusOK, map[string]any{
		"valid":        true,
		"flavor":       router.SelectFlavor(session.TransportTelephony, cfg),
		"model":        cfg.Model,
		"voice":        cfg.Voice,
		"locale":       cfg.Locale,
		"agent_id":     cfg.AgentID,
		"endpoint":     cfg.Endpoint,
		"api_key":      policy.RedactSecret(cfg.APIKey),
		"has_welcome":  strings.TrimSpace(cfg.WelcomeMessage) != "",
		"instructions": len(cfg.Instructions) > 0,
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Bridge == nil {
		respondJSON(w, http.StatusOK, map[string]any{"calls": []telephony.Call{}})
		return
	}
	calls := s.deps.Bridge.Calls()
	for i := range calls {
		calls[i].CallerID = policy.RedactCaller(calls[i].CallerID)
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": calls})
}
