package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSocialFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tweets/search/recent", r.URL.Path)
		require.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		require.Equal(t, "from:karpathy -is:retweet -is:reply", r.URL.Query().Get("query"))
		require.Equal(t, "10", r.URL.Query().Get("max_results"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": [
				{"id": "111", "text": "New blog post is up https://t.co/abc123", "created_at": "2025-05-30T10:00:00Z"},
				{"id": "222", "text": "Old thoughts", "created_at": "2025-05-01T10:00:00Z"},
				{"id": "333", "text": "https://t.co/onlylink", "created_at": "2025-05-31T10:00:00Z"}
			]
		}`))
	}))
	defer srv.Close()

	clk, ids := testDeps()
	social := NewSocial(Config{
		Timeout:           5 * time.Second,
		SocialAPIURL:      srv.URL,
		SocialBearerToken: "token-123",
	}, zap.NewNop(), clk, ids, nil)

	since := time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC)
	articles, run := social.Fetch(context.Background(), "@karpathy", since)

	require.False(t, run.Failed())
	// The stale post is window-filtered and the link-only post is dropped
	// once URLs are stripped.
	require.Len(t, articles, 1)
	require.Equal(t, "New blog post is up", articles[0].Content)
	require.Equal(t, "https://x.com/karpathy/status/111", articles[0].Link)
	require.Equal(t, "@karpathy", articles[0].SourceID)
	require.Empty(t, articles[0].Title)
}

func TestSocialFetchProfileURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "from:sama -is:retweet -is:reply", r.URL.Query().Get("query"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	clk, ids := testDeps()
	social := NewSocial(Config{
		Timeout:           5 * time.Second,
		SocialAPIURL:      srv.URL,
		SocialBearerToken: "token-123",
	}, zap.NewNop(), clk, ids, nil)

	articles, run := social.Fetch(context.Background(), "https://x.com/sama", time.Time{})
	require.False(t, run.Failed())
	require.Empty(t, articles)
}

func TestSocialFetchMissingToken(t *testing.T) {
	t.Parallel()

	clk, ids := testDeps()
	social := NewSocial(Config{Timeout: 5 * time.Second}, zap.NewNop(), clk, ids, nil)

	articles, run := social.Fetch(context.Background(), "@karpathy", time.Time{})
	require.Empty(t, articles)
	require.True(t, run.Failed())
	require.Contains(t, run.ErrorText, "bearer token")
}

func TestSocialFetchAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"title":"Too Many Requests"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	clk, ids := testDeps()
	social := NewSocial(Config{
		Timeout:           5 * time.Second,
		SocialAPIURL:      srv.URL,
		SocialBearerToken: "token-123",
	}, zap.NewNop(), clk, ids, nil)

	articles, run := social.Fetch(context.Background(), "@karpathy", time.Time{})
	require.Empty(t, articles)
	require.True(t, run.Failed())
	require.Contains(t, run.ErrorText, "status 429")
}
