package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NeilCic/nappatzim-sub001/internal/observability"
)

// Server exposes the climbing API plus health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	api        API
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics and the
// /v1 API routes.
func NewServer(addr string, api API, ready sharedobs.ReadinessChecker, metrics *observability.Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		api:     api,
		metrics: metrics,
		logger:  logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	s.route(mux, "GET /v1/catalog", s.handleCatalog)
	s.route(mux, "POST /v1/grades/validate", s.handleValidateGrade)
	s.route(mux, "POST /v1/grades/convert", s.handleConvertGrades)

	s.route(mux, "POST /v1/climbs", s.handleCreateClimb)
	s.route(mux, "DELETE /v1/climbs/{id}", s.handleDeleteClimb)
	s.route(mux, "PUT /v1/climbs/{id}/votes/{user}", s.handleSubmitVote)
	s.route(mux, "GET /v1/climbs/{id}/consensus", s.handleConsensus)
	s.route(mux, "GET /v1/climbs/{id}/statistics", s.handleStatistics)

	s.route(mux, "POST /v1/sessions", s.handleStartSession)
	s.route(mux, "POST /v1/sessions/{id}/end", s.handleEndSession)
	s.route(mux, "POST /v1/sessions/{id}/routes", s.handleLogRoute)
	s.route(mux, "POST /v1/routes/{id}/refresh", s.handleRefreshRoute)

	s.route(mux, "GET /v1/users/{id}/insights", s.handleInsights)

	return s
}

// AllReady combines readiness checks. The first failing check decides the
// /readyz response.
func AllReady(checks ...sharedobs.ReadinessChecker) sharedobs.ReadinessChecker {
	return readinessChecks(checks)
}

type readinessChecks []sharedobs.ReadinessChecker

func (rc readinessChecks) CheckReadiness(ctx context.Context) error {
	for _, c := range rc {
		if err := c.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// route registers an API handler and counts its responses by pattern and status.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
