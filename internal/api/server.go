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

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/orchestrator"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

// JobController is the job surface the server drives; orchestrator.Manager
// implements it.
type JobController interface {
	Start(ctx context.Context, cfg crawler.JobConfig) (crawler.JobRunSnapshot, error)
	Get(jobID string) (crawler.JobRunSnapshot, error)
	Pause(jobID string) error
	Resume(jobID string) error
	Stop(jobID string) error
	Retry(jobID string) error
	List() []crawler.JobRunSnapshot
}

// Options tunes the server. Zero values pick defaults.
type Options struct {
	// APIKey, when set, is required in X-API-Key or ?api_key= on every route
	// except the probes.
	APIKey         string
	RequestTimeout time.Duration
	// Defaults fill any job setting a start request leaves out.
	Defaults crawler.JobConfig
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the job manager and run history.
type Server struct {
	router   chi.Router
	jobs     JobController
	runs     *RunHandler
	defaults crawler.JobConfig
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil,
// in which case the history routes answer 503.
func NewServer(jobs JobController, runs store.RunRepository, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Server{
		jobs:     jobs,
		runs:     NewRunHandler(runs, logger),
		defaults: opts.Defaults,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.startJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/pause", s.control(JobController.Pause, "paused"))
				r.Post("/resume", s.control(JobController.Resume, "resumed"))
				r.Post("/stop", s.control(JobController.Stop, "stop requested"))
				r.Post("/retry", s.control(JobController.Retry, "retry started"))
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.runs.ListRuns)
			r.Get("/{job_id}", s.runs.GetRun)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"active_jobs": countActive(s.jobs.List()),
	})
}

type startJobRequest struct {
	CatalogURL                  string `json:"catalog_url"`
	InterItemDelayMs            *int64 `json:"inter_item_delay_ms"`
	DiscoveryStabilityThreshold *int   `json:"discovery_stability_threshold"`
	MaxDiscoveryRounds          *int   `json:"max_discovery_rounds"`
	MaxItems                    *int   `json:"max_items"`
	SettleDelayMs               *int64 `json:"settle_delay_ms"`
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cfg, err := s.toJobConfig(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.jobs.Start(r.Context(), cfg)
	if err != nil {
		s.logger.Warn("start job failed", zap.String("catalog_url", cfg.CatalogURL), zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": toJobView(snap, false)})
}

func (s *Server) toJobConfig(req startJobRequest) (crawler.JobConfig, error) {
	if req.CatalogURL == "" {
		return crawler.JobConfig{}, errors.New("catalog_url required")
	}
	catalogURL, err := crawler.NormalizeURL(req.CatalogURL)
	if err != nil {
		return crawler.JobConfig{}, fmt.Errorf("catalog_url: %w", err)
	}
	cfg := s.defaults
	cfg.CatalogURL = catalogURL
	if req.InterItemDelayMs != nil {
		cfg.InterItemDelay = time.Duration(*req.InterItemDelayMs) * time.Millisecond
	}
	if req.SettleDelayMs != nil {
		cfg.SettleDelay = time.Duration(*req.SettleDelayMs) * time.Millisecond
	}
	cfg.DiscoveryStabilityThreshold = valueOrDefault(req.DiscoveryStabilityThreshold, cfg.DiscoveryStabilityThreshold)
	cfg.MaxDiscoveryRounds = valueOrDefault(req.MaxDiscoveryRounds, cfg.MaxDiscoveryRounds)
	cfg.MaxItems = valueOrDefault(req.MaxItems, cfg.MaxItems)
	if err := cfg.Validate(); err != nil {
		return crawler.JobConfig{}, err
	}
	return cfg, nil
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	snaps := s.jobs.List()
	views := make([]jobView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, toJobView(snap, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	snap, err := s.jobs.Get(jobID)
	if err != nil {
		writeError(w, statusFor(err), "job not found")
		return
	}
	withRecords := r.URL.Query().Get("records") == "true"
	writeJSON(w, http.StatusOK, map[string]any{"job": toJobView(snap, withRecords)})
}

func (s *Server) control(op func(JobController, string) error, done string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if err := op(s.jobs, jobID); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		snap, err := s.jobs.Get(jobID)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		s.logger.Info("job control", zap.String("job_id", jobID), zap.String("result", done))
		writeJSON(w, http.StatusOK, map[string]any{"job": toJobView(snap, false), "result": done})
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownJob), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrInvalidState), errors.Is(err, crawler.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func countActive(snaps []crawler.JobRunSnapshot) int {
	n := 0
	for _, snap := range snaps {
		if snap.State.IsActive() {
			n++
		}
	}
	return n
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
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
						zap.String("request_id", requestID(r.Context())),
						zap.Any("panic", rec),
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

type requestIDKey struct{}

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
