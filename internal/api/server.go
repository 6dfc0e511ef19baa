package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmcateer/orphancalc/internal/config"
	"github.com/pmcateer/orphancalc/internal/progress"
	"github.com/pmcateer/orphancalc/internal/progress/sinks"
	"github.com/pmcateer/orphancalc/internal/queue"
	"github.com/pmcateer/orphancalc/internal/store"
	"github.com/pmcateer/orphancalc/internal/telemetry"
)

const enqueueTimeout = 5 * time.Second

// Enqueuer accepts run requests for execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.RunRequest) error
}

// Canceler aborts in-flight runs by ID.
type Canceler interface {
	Cancel(runID uuid.UUID) bool
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Clock supplies timestamps for submitted runs.
type Clock interface {
	Now() time.Time
}

// Pinger reports downstream readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatcher, stores, and snapshot hub.
type Server struct {
	router   chi.Router
	repo     store.RunRepository
	enqueuer Enqueuer
	canceler Canceler
	idGen    IDGenerator
	clock    Clock
	latest   *sinks.LatestSink
	hub      *progress.Hub
	pinger   Pinger
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The latest sink,
// hub, canceler, and pinger are optional; missing pieces degrade the related
// endpoints rather than failing construction.
func NewServer(
	repo store.RunRepository,
	enqueuer Enqueuer,
	canceler Canceler,
	idGen IDGenerator,
	clock Clock,
	latest *sinks.LatestSink,
	hub *progress.Hub,
	pinger Pinger,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		repo:     repo,
		enqueuer: enqueuer,
		canceler: canceler,
		idGen:    idGen,
		clock:    clock,
		latest:   latest,
		hub:      hub,
		pinger:   pinger,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/calculations", func(r chi.Router) {
			r.With(timeoutMiddleware(timeout)).Post("/", s.submitCalculation)
			r.With(timeoutMiddleware(timeout)).Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.With(timeoutMiddleware(timeout)).Get("/", s.getRun)
				r.With(timeoutMiddleware(timeout)).Get("/progress", s.getProgress)
				r.With(timeoutMiddleware(timeout)).Get("/queries", s.listQueries)
				r.With(timeoutMiddleware(timeout)).Post("/cancel", s.cancelRun)
				// No timeout wrapper: SSE streams outlive any request budget.
				r.Get("/events", s.streamEvents)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("readiness ping failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	// Queries optionally restricts the run to a subset of the configured
	// exclusion queries.
	Queries []string `json:"queries"`
}

func (s *Server) submitCalculation(w http.ResponseWriter, r *http.Request) {
	if s.enqueuer == nil || s.idGen == nil || s.clock == nil {
		writeError(w, http.StatusServiceUnavailable, "run submission unavailable")
		return
	}

	var req submitRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	runID, err := s.idGen.NewRawID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate run id")
		return
	}
	now := s.clock.Now()
	if err := s.repo.UpsertRunStart(r.Context(), runID, now); err != nil {
		s.logger.Error("record run start failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "record run")
		return
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	err = s.enqueuer.Enqueue(queueCtx, queue.RunRequest{
		RunID:      runID,
		EnqueuedAt: now,
		Queries:    req.Queries,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.logger.Error("enqueue run failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, status, "enqueue run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID.String()})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.canceler != nil && s.canceler.Cancel(runID) {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id": runID.String(),
			"status": string(store.RunCanceled),
		})
		return
	}
	if _, err := s.repo.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeError(w, http.StatusConflict, "run is not in flight")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
