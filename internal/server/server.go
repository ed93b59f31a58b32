// Package server exposes runs, records and the operator override surface
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/radar-cli/internal/dedup"
	"github.com/sells-group/radar-cli/internal/lifecycle"
	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/resilience"
	"github.com/sells-group/radar-cli/internal/store"
)

// Store is the read side the API serves from.
type Store interface {
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	ListDecisions(ctx context.Context, subjectID string) ([]model.Decision, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListCandidates(ctx context.Context, filter store.CandidateFilter) ([]model.CandidateEntry, error)
}

// Breakers reports provider circuit breaker states for /health.
type Breakers interface {
	States() map[string]resilience.BreakerState
}

// Option configures optional collaborators.
type Option func(*Server)

// WithBreakers reports b's breaker states on /health.
func WithBreakers(b Breakers) Option {
	return func(s *Server) { s.breakers = b }
}

// Lifecycle is the operator-driven part of the state machine.
type Lifecycle interface {
	Override(ctx context.Context, id string, target model.State, force bool, reason string) (*model.Record, error)
	Approve(ctx context.Context, r *model.Record, actor string) error
}

// Editor applies manual field corrections.
type Editor interface {
	ApplyEdit(ctx context.Context, id string, ed dedup.Edit) (*model.Record, error)
}

// Server is the HTTP API.
type Server struct {
	store     Store
	lifecycle Lifecycle
	editor    Editor
	breakers  Breakers
	router    chi.Router
}

// New builds the router. An empty origins list disables CORS.
func New(st Store, lc Lifecycle, ed Editor, origins []string, opts ...Option) *Server {
	s := &Server{store: st, lifecycle: lc, editor: ed}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/candidates", s.handleRunCandidates)
	})
	r.Route("/records/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetRecord)
		r.Patch("/", s.handleEditRecord)
		r.Get("/decisions", s.handleDecisions)
		r.Post("/override", s.handleOverride)
		r.Post("/approve", s.handleApprove)
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server", zap.String("component", "server"))
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.String("component", "server"), zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("component", "server"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// handleHealth reports "degraded" while any provider breaker is open. The
// process itself is up either way.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.breakers != nil {
		states := make(map[string]string)
		for name, st := range s.breakers.States() {
			states[name] = st.String()
			if st == resilience.BreakerOpen {
				resp["status"] = "degraded"
			}
		}
		resp["breakers"] = states
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status: model.RunStatus(strings.TrimSpace(q.Get("status"))),
		Stage:  model.Stage(strings.TrimSpace(q.Get("stage"))),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunCandidates(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := store.CandidateFilter{RunID: id, Status: model.CandidateStatus(strings.TrimSpace(q.Get("status")))}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	cs, err := s.store.ListCandidates(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if cs == nil {
		cs = []model.CandidateEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cs})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRecord(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	ds, err := s.store.ListDecisions(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ds == nil {
		ds = []model.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": ds})
}

type overrideRequest struct {
	State  model.State `json:"state"`
	Force  bool        `json:"force"`
	Reason string      `json:"reason"`
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.State == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	reason := req.Reason
	if actor := r.Header.Get("X-Actor"); actor != "" {
		reason += " (by " + actor + ")"
	}
	rec, err := s.lifecycle.Override(r.Context(), chi.URLParam(r, "id"), req.State, req.Force, reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.lifecycle.Approve(r.Context(), rec, r.Header.Get("X-Actor")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleEditRecord(w http.ResponseWriter, r *http.Request) {
	var ed dedup.Edit
	if err := decodeBody(w, r, &ed); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.editor.ApplyEdit(r.Context(), chi.URLParam(r, "id"), ed)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, lifecycle.ErrOverrideRejected),
		errors.Is(err, lifecycle.ErrIllegalTransition),
		lifecycle.IsStateConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dedup.ErrEmptyEdit):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("request failed",
			zap.String("component", "server"),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid integer %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
