package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/config"
	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/telemetry"
)

type stubRunner struct {
	mu     sync.Mutex
	last   digest.Request
	result digest.Result
	err    error
}

func (s *stubRunner) Run(_ context.Context, req digest.Request) (digest.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = req
	if s.err != nil {
		return digest.Result{}, s.err
	}
	return s.result, nil
}

func (s *stubRunner) lastRequest() digest.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type stubStore struct {
	counts    map[string]int
	countsErr error
	latest    *digest.ScrapeRun
	latestErr error
}

func (s *stubStore) UpsertArticle(context.Context, digest.Article) (digest.UpsertOutcome, error) {
	return digest.Inserted, nil
}

func (s *stubStore) QueryWindow(context.Context, []string, time.Time) ([]digest.Article, error) {
	return nil, nil
}

func (s *stubStore) RecordScrapeRun(context.Context, digest.ScrapeRun) error {
	return nil
}

func (s *stubStore) LatestScrape(context.Context, string) (*digest.ScrapeRun, error) {
	return s.latest, s.latestErr
}

func (s *stubStore) CountBySource(context.Context, time.Time) (map[string]int, error) {
	return s.counts, s.countsErr
}

type stubSpender struct{ spent int64 }

func (s stubSpender) SpentToday() int64 { return s.spent }

type stubClock struct{ now time.Time }

func (s stubClock) Now() time.Time { return s.now }

func newTestServer(t *testing.T, runner *stubRunner, store *stubStore, cfg config.Config) *Server {
	t.Helper()
	telemetry.Init()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	return NewServer(
		runner,
		store,
		stubSpender{spent: 1234},
		func() string { return "closed" },
		stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		cfg,
		zap.NewNop(),
	)
}

func postDigest(t *testing.T, srv *Server, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/digest", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:52214"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRunDigestSuccess(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{result: digest.Result{
		Success:       true,
		TotalArticles: 45,
		Clusters:      []digest.ClusterSummary{{TopicName: "LLM releases", ArticleCount: 45}},
	}}
	srv := newTestServer(t, runner, &stubStore{}, config.Config{})

	rec := postDigest(t, srv, `{"sources":["https://example.com/feed"],"days_back":3}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result digest.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.True(t, result.Success)
	require.Equal(t, 45, result.TotalArticles)

	last := runner.lastRequest()
	require.Equal(t, []string{"https://example.com/feed"}, last.Sources)
	require.Equal(t, 3, last.DaysBack)
	// Anonymous callers are keyed by remote host.
	require.Equal(t, "203.0.113.9", last.CallerID)
}

func TestRunDigestSourceSetExpansion(t *testing.T) {
	t.Parallel()

	cfg := config.Config{SourceSets: map[string]config.SourceSet{
		"ai-news": {Sources: []string{"https://a.example/feed", "https://b.example/feed"}},
	}}
	runner := &stubRunner{result: digest.Result{Success: true}}
	srv := newTestServer(t, runner, &stubStore{}, cfg)

	rec := postDigest(t, srv, `{"source_set":"ai-news"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"https://a.example/feed", "https://b.example/feed"}, runner.lastRequest().Sources)

	rec = postDigest(t, srv, `{"source_set":"nope"}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunDigestInvalidJSON(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubRunner{}, &stubStore{}, config.Config{})
	rec := postDigest(t, srv, `{"sources":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunDigestErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"client error", &digest.ClientError{Reason: "days_back out of range"}, http.StatusBadRequest},
		{"rate limited", &digest.RateLimitedError{Reason: "ceiling", RetryAfter: 90 * time.Second}, http.StatusTooManyRequests},
		{"circuit open", digest.ErrCircuitOpen, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"internal", context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, &stubRunner{err: tc.err}, &stubStore{}, config.Config{})
			rec := postDigest(t, srv, `{"sources":["https://example.com/feed"]}`, nil)
			require.Equal(t, tc.wantStatus, rec.Code)
		})
	}
}

func TestRunDigestRetryAfterHeader(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{err: &digest.RateLimitedError{Reason: "daily token budget exhausted", RetryAfter: 2 * time.Minute}}
	srv := newTestServer(t, runner, &stubStore{}, config.Config{})

	rec := postDigest(t, srv, `{"sources":["https://example.com/feed"]}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "120", rec.Header().Get("Retry-After"))
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"}}
	runner := &stubRunner{result: digest.Result{Success: true}}
	srv := newTestServer(t, runner, &stubStore{}, cfg)

	rec := postDigest(t, srv, `{"sources":["https://example.com/feed"]}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = postDigest(t, srv, `{"sources":["https://example.com/feed"]}`, map[string]string{"X-API-Key": "sekrit"})
	require.Equal(t, http.StatusOK, rec.Code)
	// Authenticated callers are keyed by API key, not remote host.
	require.Equal(t, "sekrit", runner.lastRequest().CallerID)
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	store := &stubStore{counts: map[string]int{"https://example.com/feed": 12}}
	srv := newTestServer(t, &stubRunner{}, store, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 12, resp.ArticlesBySource["https://example.com/feed"])
	require.Equal(t, int64(1234), resp.TokensSpentToday)
	require.Equal(t, "closed", resp.BreakerState)

	req = httptest.NewRequest(http.MethodGet, "/v1/stats?days_back=zero", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetLatestScrape(t *testing.T) {
	t.Parallel()

	run := &digest.ScrapeRun{
		ID:         "scrape-1",
		SourceID:   "https://example.com/feed",
		SourceKind: digest.SourceFeed,
		StartedAt:  time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	}
	srv := newTestServer(t, &stubRunner{}, &stubStore{latest: run}, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/sources/latest?source=https%3A%2F%2Fexample.com%2Ffeed", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got digest.ScrapeRun
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "scrape-1", got.ID)

	// Missing query parameter.
	req = httptest.NewRequest(http.MethodGet, "/v1/sources/latest", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Source never scraped.
	srv = newTestServer(t, &stubRunner{}, &stubStore{}, config.Config{})
	req = httptest.NewRequest(http.MethodGet, "/v1/sources/latest?source=unknown", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubRunner{}, &stubStore{counts: map[string]int{}}, config.Config{})

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "digest_")
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &stubRunner{}, &stubStore{counts: map[string]int{}}, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
