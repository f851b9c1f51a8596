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

	"github.com/JakeFAU/directory-submitter/internal/aggregate"
	"github.com/JakeFAU/directory-submitter/internal/config"
	"github.com/JakeFAU/directory-submitter/internal/manual"
	"github.com/JakeFAU/directory-submitter/internal/metrics"
	"github.com/JakeFAU/directory-submitter/internal/scheduler"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Scheduler is the job intake and queue control surface.
type Scheduler interface {
	Submit(ctx context.Context, p submission.Purchase) (submission.SubmissionJob, error)
	Cancel(ctx context.Context, jobID string) error
	Resume(ctx context.Context) error
	QueueStatus() scheduler.Status
}

// Sessions is the manual mapping session manager.
type Sessions interface {
	Open(ctx context.Context, req manual.OpenRequest) (manual.Session, error)
	Assign(ctx context.Context, id string, assignments []manual.Assignment) (manual.Session, error)
	Submit(ctx context.Context, id string, assignments []manual.Assignment) (manual.Session, error)
	Cancel(ctx context.Context, id string) (manual.Session, error)
	Get(id string) (manual.Session, error)
	List() []manual.Session
}

// Reports renders job summaries and exports.
type Reports interface {
	Summarize(ctx context.Context, jobID string) (aggregate.Summary, error)
	CustomerSummary(ctx context.Context, jobID string) (aggregate.CustomerSummary, error)
	ExportReport(ctx context.Context, jobID string) (aggregate.Report, error)
}

// Deps collects the collaborators behind the routes. Ready may be nil.
type Deps struct {
	Scheduler Scheduler
	Sessions  Sessions
	Reports   Reports
	Catalog   submission.Catalog
	Jobs      submission.JobStore
	Packages  submission.Packages
	Ready     func(ctx context.Context) error
}

// Server wires HTTP handlers to the scheduler, sessions, and stores.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, server config.ServerConfig, auth config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}
	timeout := server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(timeout))
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Post("/purchases", s.createPurchase)
		r.Get("/queue", s.queueStatus)
		r.Post("/queue/resume", s.resumeQueue)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/attempts", s.listAttempts)
				r.Post("/cancel", s.cancelJob)
				r.Get("/summary", s.jobSummary)
				r.Get("/report", s.jobReport)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.openSession)
			r.Get("/", s.listSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Post("/assignments", s.assignFields)
				r.Post("/mapping", s.submitMapping)
				r.Post("/cancel", s.cancelSession)
			})
		})

		r.Route("/directories", func(r chi.Router) {
			r.Get("/", s.listDirectories)
			r.Get("/{directory_id}", s.getDirectory)
			r.Get("/{directory_id}/mapping", s.getMapping)
			r.Put("/{directory_id}/mapping", s.putMapping)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fail maps an error to a response status and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, submission.ErrCatalogNotFound),
		errors.Is(err, submission.ErrJobNotFound),
		errors.Is(err, submission.ErrAttemptNotFound),
		errors.Is(err, manual.ErrSessionNotFound):
		return http.StatusNotFound
	case isBadRequest(err),
		errors.Is(err, scheduler.ErrInvalidPurchase),
		errors.Is(err, submission.ErrUnknownPackage),
		errors.Is(err, manual.ErrInvalidAssignment),
		errors.Is(err, manual.ErrIncompleteMapping):
		return http.StatusBadRequest
	case errors.Is(err, manual.ErrManualNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, manual.ErrCapacityExceeded),
		errors.Is(err, manual.ErrSessionNotActive),
		errors.Is(err, submission.ErrAttemptsOutstanding):
		return http.StatusConflict
	case errors.Is(err, manual.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, scheduler.ErrNoDirectories):
		return http.StatusUnprocessableEntity
	case submission.IsInfrastructure(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

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

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
