// Package api serves Parley over HTTP: conversational turns, consent
// answers, speech control, routing introspection and a WebSocket
// stream of operational events and spoken audio.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/usage"
)

// Responder runs conversational turns. *agent.Orchestrator implements
// it.
type Responder interface {
	Respond(ctx context.Context, turn chat.Turn, session []chat.Message, conns []chat.Connection) (*chat.Response, error)
	RespondAfterConsent(ctx context.Context, action *chat.PendingAction, session []chat.Message, conns []chat.Connection) (*chat.Response, error)
	CheckVideo(ctx context.Context, operationName string) (*chat.GeneratedVideo, error)
}

// Speaker speaks text. *speech.Pipeline implements it.
type Speaker interface {
	Speak(text string) uint64
	Stop()
}

// UsageReporter summarizes the token usage ledger. *usage.Store
// implements it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByTier(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// FactLister lists learned facts. *memory.Store implements it.
type FactLister interface {
	List(ctx context.Context, limit int) ([]*memory.Fact, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	responder Responder
	router    *router.Router
	speaker   Speaker
	facts     FactLister
	usage     UsageReporter
	hub       *Hub
	sessions  *SessionStore
	conns     func() []chat.Connection
	status    func() []connwatch.Status
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates an API server. rtr may be nil, in which case the
// router endpoints answer 503.
func NewServer(address string, port int, responder Responder, rtr *router.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		responder: responder,
		router:    rtr,
		sessions:  NewSessionStore(),
		conns:     func() []chat.Connection { return nil },
		logger:    logger,
	}
}

// SetSpeaker enables the speech endpoints and spoken replies.
func (s *Server) SetSpeaker(sp Speaker) {
	s.speaker = sp
}

// SetFacts enables the memory endpoint.
func (s *Server) SetFacts(f FactLister) {
	s.facts = f
}

// SetUsage enables the usage endpoint.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetHub enables the WebSocket endpoint.
func (s *Server) SetHub(h *Hub) {
	s.hub = h
}

// SetConnections sets the source of the connection snapshot used when
// a request does not carry its own.
func (s *Server) SetConnections(fn func() []chat.Connection) {
	if fn != nil {
		s.conns = fn
	}
}

// SetServiceStatus adds integration health to the health endpoint.
func (s *Server) SetServiceStatus(fn func() []connwatch.Status) {
	s.status = fn
}

// Handler returns the routed, logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/respond", s.handleRespond)
	mux.HandleFunc("POST /v1/consent", s.handleConsent)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /v1/videos/{operation...}", s.handleVideo)

	mux.HandleFunc("POST /v1/speak", s.handleSpeak)
	mux.HandleFunc("POST /v1/speech/stop", s.handleSpeechStop)

	mux.HandleFunc("GET /v1/memory", s.handleMemory)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{requestId}", s.handleRouterExplain)

	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start serves HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute, // media generation is slow
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Parley",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":   "healthy",
		"sessions": s.sessions.Len(),
	}
	if s.status != nil {
		resp["services"] = s.status()
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if s.facts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "memory not configured")
		return
	}
	facts, err := s.facts.List(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("list facts failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list facts")
		return
	}
	if facts == nil {
		facts = []*memory.Fact{}
	}
	writeJSON(w, map[string]any{"count": len(facts), "facts": facts}, s.logger)
}

// handleUsage reports token usage over the last ?hours (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}
	hours := queryInt(r, "hours", 24)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	ctx := r.Context()
	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}
	byTier, err := s.usage.SummaryByTier(ctx, start, end)
	if err != nil {
		s.logger.Error("usage by tier failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to summarize usage")
		return
	}

	writeJSON(w, map[string]any{
		"hours":    hours,
		"total":    total,
		"by_model": byModel,
		"by_tier":  byTier,
	}, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	writeJSON(w, s.router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	decisions := s.router.GetAuditLog(queryInt(r, "limit", 20))
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	decision := s.router.Explain(r.PathValue("requestId"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	writeJSON(w, decision, s.logger)
}

// queryInt parses a positive integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// speak starts speaking text and returns its generation, or zero when
// speech is disabled or there is nothing to say.
func (s *Server) speak(text string) uint64 {
	if s.speaker == nil || strings.TrimSpace(text) == "" {
		return 0
	}
	return s.speaker.Speak(text)
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if s.speaker == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "speech not configured")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"generation": s.speak(req.Text)}, s.logger)
}

func (s *Server) handleSpeechStop(w http.ResponseWriter, r *http.Request) {
	if s.speaker == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "speech not configured")
		return
	}
	s.speaker.Stop()
	w.WriteHeader(http.StatusNoContent)
}
