package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/ledger"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/pricing"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/router"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/telephony"
	"github.com/ent0n29/voicerelay/internal/tools"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

const (
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	maxWebhookBody = 1 << 20
)

// Deps are the collaborators behind the HTTP surface. Any of Bridge, Catalog may be nil.
type Deps struct {
	Router   *router.Router
	Ledger   *ledger.Ledger
	Prices   *pricing.Table
	Bridge   *telephony.Bridge
	Catalog  *tools.RemoteCatalog
	Defaults upstream.SessionConfig
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

type Server struct {
	cfg      config.Config
	deps     Deps
	sessions *session.Manager
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		logger:  logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients, including the call automation media stream, omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	if deps.Router != nil {
		s.sessions = deps.Router.Registry()
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws/web", s.handleWS(session.TransportWeb, protocol.WebCodec{}))
	r.Get("/ws/avatar", s.handleWS(session.TransportAvatar, protocol.WebCodec{}))
	r.Get(telephony.MediaPath, s.handleWS(session.TransportTelephony, protocol.TelephonyCodec{}))

	r.Route("/api/telephony", func(r chi.Router) {
		r.Post("/incoming-call", s.handleIncomingCall)
		r.Post("/callbacks/{contextId}", s.handleCallCallback)
		r.Post("/validate-config", s.handleValidateConfig)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/metrics", s.handleAggregate)
		r.Get("/latency", s.handleLatency)
		r.Get("/sessions/active", s.handleActiveSessions)
		r.Get("/sessions/{id}/consumption", s.handleGetConsumption)
		r.Post("/sessions/{id}/consumption", s.handleRecordConsumption)
		r.Post("/sessions/{id}/end", s.handleEndSession)
		r.Get("/connections", s.handleListConnections)
		r.Get("/calls", s.handleListCalls)
		r.Get("/pricing", s.handleListPricing)
		r.Post("/pricing/reload", s.handleReloadPricing)
		r.Put("/pricing/{model}", s.handleUpsertPricing)
		r.Post("/tools/refresh", s.handleRefreshTools)
	})

	return r
}

func (s *Server) storageMode() string {
	if s.deps.Ledger == nil {
		return "disabled"
	}
	if s.deps.Ledger.GetAggregate().DurableStorage {
		return "durable"
	}
	return "in-memory"
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Router == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "router not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"storage_mode":      s.storageMode(),
		"active_sessions":   s.sessions.ActiveCount(),
		"telephony_enabled": s.deps.Bridge != nil && s.cfg.TelephonyEnabled(),
	})
}

// handleWS upgrades the connection and pumps frames between the socket and a relay session.
// Only the writer goroutine writes to the socket.
func (s *Server) handleWS(transport session.Transport, codec protocol.Codec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Router == nil {
			respondError(w, http.StatusNotImplemented, "unavailable", "router not configured")
			return
		}
		q := r.URL.Query()
		userID := firstNonEmpty(q.Get("user_id"), q.Get("callerId"), "anonymous")
		var callConnectionID string
		if contextID := q.Get("contextId"); contextID != "" && s.deps.Bridge != nil {
			if call, ok := s.deps.Bridge.Call(contextID); ok {
				callConnectionID = call.CallConnectionID
			}
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.metrics.SessionEvent("ws_connected")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		inbound := make(chan any, 256)
		outbound := make(chan any, 256)
		runDone := make(chan struct{})

		go func() {
			defer close(runDone)
			err := s.deps.Router.Serve(ctx, router.Connection{
				UserID:           userID,
				Transport:        transport,
				CallConnectionID: callConnectionID,
				Inbound:          inbound,
				Outbound:         outbound,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Info("relay ended", "transport", transport, "error", err)
			}
		}()

		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			defer conn.Close()
			write := func(msg any) bool {
				frame, ok, err := codec.Encode(msg)
				if err != nil || !ok {
					return err == nil
				}
				mt := websocket.TextMessage
				if frame.Binary {
					mt = websocket.BinaryMessage
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(mt, frame.Data); err != nil {
					s.metrics.ObserveWSWriteError(string(transport))
					return false
				}
				s.metrics.ObserveWSMessage("outbound", protocol.KindOf(msg))
				return true
			}
			for {
				select {
				case msg := <-outbound:
					if !write(msg) {
						cancel()
						return
					}
				case <-runDone:
					for {
						select {
						case msg := <-outbound:
							if !write(msg) {
								return
							}
						default:
							_ = conn.WriteControl(websocket.CloseMessage,
								websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
								time.Now().Add(time.Second))
							return
						}
					}
				}
			}
		}()

		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			return nil
		})

	readLoop:
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			msg, err := codec.Decode(msgType == websocket.BinaryMessage, data)
			if err != nil {
				msg = protocol.InvalidFrame{Err: err}
			}
			s.metrics.ObserveWSMessage("inbound", protocol.KindOf(msg))
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- msg:
			}
		}

		close(inbound)
		<-runDone
		cancel()
		<-writerDone
		s.metrics.SessionEvent("ws_disconnected")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
