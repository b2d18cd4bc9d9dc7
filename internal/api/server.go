// Package api exposes the HTTP interface for the digest service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/config"
	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/telemetry"
)

// Runner executes one digest request end to end.
type Runner interface {
	Run(ctx context.Context, req digest.Request) (digest.Result, error)
}

// Spender reports today's token consumption.
type Spender interface {
	SpentToday() int64
}

// Server wires HTTP handlers to the pipeline and stores.
type Server struct {
	router       chi.Router
	runner       Runner
	store        digest.ArticleStore
	spender      Spender
	breakerState func() string
	clock        digest.Clock
	cfg          config.Config
	logger       *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runner Runner,
	store digest.ArticleStore,
	spender Spender,
	breakerState func() string,
	clock digest.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		runner:       runner,
		store:        store,
		spender:      spender,
		breakerState: breakerState,
		clock:        clock,
		cfg:          cfg,
		logger:       logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Digest runs scrape and call the model synchronously; they get a
		// generous budget while the read endpoints stay snappy.
		r.With(timeoutMiddleware(5*time.Minute)).Post("/digest", s.runDigest)
		r.With(timeoutMiddleware(15*time.Second)).Get("/stats", s.getStats)
		r.With(timeoutMiddleware(15*time.Second)).Get("/sources/latest", s.getLatestScrape)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency; one cheap query proves it.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.CountBySource(ctx, s.clock.Now()); err != nil {
		writeError(s.logger, w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type digestRequest struct {
	Sources     []string `json:"sources"`
	SourceSet   string   `json:"source_set"`
	DaysBack    int      `json:"days_back"`
	MaxClusters int      `json:"max_clusters"`
}

func (s *Server) runDigest(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sources := req.Sources
	if req.SourceSet != "" {
		set, ok := s.cfg.SourceSets[req.SourceSet]
		if !ok {
			writeError(s.logger, w, http.StatusNotFound, fmt.Sprintf("source set %q not found", req.SourceSet))
			return
		}
		sources = append(append([]string{}, sources...), set.Sources...)
	}

	result, err := s.runner.Run(r.Context(), digest.Request{
		CallerID:    callerID(r, s.cfg),
		Sources:     sources,
		DaysBack:    req.DaysBack,
		MaxClusters: req.MaxClusters,
	})
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}

// writeRunError maps pipeline failures onto HTTP statuses. Caller mistakes
// are 4xx; everything downstream is a 5xx.
func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	var clientErr *digest.ClientError
	if errors.As(err, &clientErr) {
		writeError(s.logger, w, http.StatusBadRequest, clientErr.Error())
		return
	}
	var limited *digest.RateLimitedError
	if errors.As(err, &limited) {
		if limited.RetryAfter > 0 {
			seconds := int(limited.RetryAfter / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
		}
		writeError(s.logger, w, http.StatusTooManyRequests, limited.Error())
		return
	}
	if errors.Is(err, digest.ErrCircuitOpen) {
		writeError(s.logger, w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(s.logger, w, http.StatusGatewayTimeout, "digest run timed out")
		return
	}
	s.logger.Error("digest run failed", zap.Error(err))
	writeError(s.logger, w, http.StatusInternalServerError, "digest run failed")
}

type statsResponse struct {
	ArticlesBySource map[string]int `json:"articles_by_source"`
	TokensSpentToday int64          `json:"tokens_spent_today"`
	BreakerState     string         `json:"breaker_state"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days_back"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(s.logger, w, http.StatusBadRequest, "days_back must be a positive integer")
			return
		}
		days = parsed
	}
	since := s.clock.Now().AddDate(0, 0, -days)
	counts, err := s.store.CountBySource(r.Context(), since)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "count articles failed")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, statsResponse{
		ArticlesBySource: counts,
		TokensSpentToday: s.spender.SpentToday(),
		BreakerState:     s.breakerState(),
	})
}

func (s *Server) getLatestScrape(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		writeError(s.logger, w, http.StatusBadRequest, "source query parameter is required")
		return
	}
	run, err := s.store.LatestScrape(r.Context(), source)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "latest scrape lookup failed")
		return
	}
	if run == nil {
		writeError(s.logger, w, http.StatusNotFound, "source never scraped")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, run)
}

// callerID identifies the caller for rate limiting. Authenticated callers
// are keyed by API key, anonymous ones by remote host.
func callerID(r *http.Request, cfg config.Config) string {
	if cfg.Auth.Enabled {
		if key := r.Header.Get("X-API-Key"); key != "" {
			return key
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
