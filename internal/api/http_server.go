package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"slotwatch/internal/config"
	"slotwatch/internal/database"
	"slotwatch/internal/metrics"
	"slotwatch/internal/models"
	"slotwatch/internal/pool"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// Store is the read side of the database used by the admin API.
type Store interface {
	Ping(ctx context.Context) error
	ListTargetHealth(ctx context.Context) ([]database.TargetHealth, error)
	ListDetections(ctx context.Context, since time.Time, limit int) ([]models.Detection, error)
}

type Catalog interface {
	List() []models.Target
	Allowed(id string) bool
	AllowList() []string
	SetAllowList(ids []string) error
}

type Resumer interface {
	Resume(ctx context.Context, id string) error
}

type PoolStats interface {
	Stats() pool.Stats
}

// Deps are the components the admin API drives.
type Deps struct {
	Store   Store
	Catalog Catalog
	Health  Resumer
	Pool    PoolStats
}

// HTTPServer exposes the admin API, health check and metrics.
type HTTPServer struct {
	cfg     config.APIConfig
	deps    Deps
	server  *http.Server
	auth    *HTTPAuth
	logger  *zerolog.Logger
	metrics bool
}

func NewHTTPServer(cfg config.APIConfig, exposeMetrics bool, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "http").Logger()
	srv := &HTTPServer{cfg: cfg, deps: deps, logger: &l, metrics: exposeMetrics}
	srv.auth = NewHTTPAuth(cfg)

	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/v1/targets", srv.handleTargets)
	admin.HandleFunc("POST /api/v1/targets/{id}/resume", srv.handleResume)
	admin.HandleFunc("GET /api/v1/allowlist", srv.handleGetAllowList)
	admin.HandleFunc("PUT /api/v1/allowlist", srv.handlePutAllowList)
	admin.HandleFunc("GET /api/v1/pool", srv.handlePool)
	admin.HandleFunc("GET /api/v1/detections/export", srv.handleExport)

	mux := http.NewServeMux()
	mux.Handle("/api/", srv.auth.Wrap(admin))
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	if exposeMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.requestID(srv.logRequests(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

// Handler returns the root handler, used by tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Bool("metrics", s.metrics).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *HTTPServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)
		s.logger.Debug().
			Str("request_id", r.Header.Get(requestIDHeader)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
