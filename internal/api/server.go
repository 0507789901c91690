// Package api exposes the deskd REST interface: the front door that
// accepts ticket runs, and the interrupt gateway that delivers human
// answers to paused workflows.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deskd-io/deskd/internal/engine"
	"github.com/deskd-io/deskd/internal/logbuf"
	"github.com/deskd-io/deskd/internal/store"
	"github.com/deskd-io/deskd/pkg/protocol"
)

// AgentService is the interface the API server needs from the engine.
type AgentService interface {
	Start(ctx context.Context, id string, payload protocol.TicketPayload, simulatedAnswer string) (*protocol.TicketInstance, error)
	Resume(ctx context.Context, id, answer string) (*protocol.TicketInstance, error)
	Get(id string) (*protocol.TicketInstance, error)
	List(filter store.Filter) ([]*protocol.TicketInstance, error)
	Invocations(id string) ([]protocol.Invocation, error)
	Stats() (map[protocol.TicketStatus]int, error)
}

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(since time.Time, minLevel slog.Level, limit int) []logbuf.Entry
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth; empty disables auth
}

// Server is the deskd REST API server.
type Server struct {
	svc    AgentService
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	srv    *http.Server
}

// NewServer creates a new API server. logs may be nil.
func NewServer(svc AgentService, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/agent/run", s.requireAuth(s.handleRunAgent))
	mux.HandleFunc("POST /api/tickets/{id}/answer", s.requireAuth(s.handleSubmitAnswer))
	mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("GET /api/tickets/{id}/invocations", s.requireAuth(s.handleGetInvocations))
	mux.HandleFunc("GET /api/stats", s.requireAuth(s.handleStats))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runPayload struct {
	TicketID     string `json:"ticket_id,omitempty"`
	CustomerName string `json:"customer_name"`
	Email        string `json:"email"`
	Query        string `json:"query"`
	Priority     string `json:"priority"`
}

type runAgentRequest struct {
	Payload             runPayload `json:"payload"`
	SimulateHumanAnswer string     `json:"simulate_human_answer,omitempty"`
}

func (s *Server) handleRunAgent(w http.ResponseWriter, r *http.Request) {
	var req runAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if req.Payload.Query == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "payload.query is required"})
		return
	}
	if !protocol.ValidPriority(req.Payload.Priority) {
		writeJSON(w, http.StatusUnprocessableEntity,
			map[string]string{"error": "payload.priority must be low, medium, or high"})
		return
	}

	inst, err := s.svc.Start(r.Context(), req.Payload.TicketID, protocol.TicketPayload{
		CustomerName: req.Payload.CustomerName,
		Email:        req.Payload.Email,
		Query:        req.Payload.Query,
		Priority:     req.Payload.Priority,
	}, req.SimulateHumanAnswer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type submitAnswerRequest struct {
	Answer string `json:"answer"`
}

// handleSubmitAnswer is the interrupt gateway: it checks the referenced
// ticket is actually waiting on a human before handing the answer to the
// engine, and maps engine errors onto response codes.
func (s *Server) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req submitAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Answer == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "answer is required"})
		return
	}

	inst, err := s.svc.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if inst.Status != protocol.StatusAwaitingHuman {
		s.writeError(w, protocol.ErrInvalidState)
		return
	}

	final, err := s.svc.Resume(r.Context(), id, req.Answer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, final)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []protocol.TicketStatus{protocol.TicketStatus(status)}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	tickets, err := s.svc.List(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tickets == nil {
		tickets = []*protocol.TicketInstance{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleGetInvocations(w http.ResponseWriter, r *http.Request) {
	invs, err := s.svc.Invocations(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if invs == nil {
		invs = []protocol.Invocation{}
	}
	writeJSON(w, http.StatusOK, invs)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	counts, err := s.svc.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tickets": counts,
		"stages":  engine.StageNames(),
	})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	switch strings.ToLower(r.URL.Query().Get("level")) {
	case "info":
		minLevel = slog.LevelInfo
	case "warn":
		minLevel = slog.LevelWarn
	case "error":
		minLevel = slog.LevelError
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(since, minLevel, limit)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "ticket not found"})
	case errors.Is(err, protocol.ErrDuplicateTicket):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate ticket"})
	case errors.Is(err, protocol.ErrAlreadyAnswered):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already answered"})
	case errors.Is(err, protocol.ErrInvalidState):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "ticket is not awaiting a human answer"})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
