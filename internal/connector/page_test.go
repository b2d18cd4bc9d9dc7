package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPageFetch(t *testing.T) {
	t.Parallel()

	published := time.Date(2025, 5, 30, 10, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>Example Newsletter</title>
<item>
  <title>Deep Dive</title>
  <link>%s/p/deep-dive</link>
  <description>excerpt only</description>
  <pubDate>%s</pubDate>
</item>
</channel>
</rss>`, srv.URL, published.Format(time.RFC1123Z))
	})
	mux.HandleFunc("/p/deep-dive", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
<nav><p>skip this</p></nav>
<article>
  <p>First paragraph.</p>
  <p>Second paragraph.</p>
</article>
</body></html>`))
	})

	clk, ids := testDeps()
	page := NewPage(Config{Timeout: 5 * time.Second, UserAgent: "test-agent"}, zap.NewNop(), clk, ids, nil)

	since := time.Date(2025, 5, 25, 0, 0, 0, 0, time.UTC)
	articles, run := page.Fetch(context.Background(), srv.URL, since)

	require.False(t, run.Failed())
	require.Len(t, articles, 1)
	require.Equal(t, "Deep Dive", articles[0].Title)
	require.Equal(t, "First paragraph.\n\nSecond paragraph.", articles[0].Content)
	require.Equal(t, srv.URL+"/p/deep-dive", articles[0].Link)
	require.Equal(t, srv.URL, articles[0].SourceID)
}

func TestPageFetchFallsBackToExcerpt(t *testing.T) {
	t.Parallel()

	published := time.Date(2025, 5, 30, 10, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
<title>Example Newsletter</title>
<item>
  <title>Broken Post</title>
  <link>%s/p/broken</link>
  <description>&lt;p&gt;excerpt text&lt;/p&gt;</description>
  <pubDate>%s</pubDate>
</item>
</channel>
</rss>`, srv.URL, published.Format(time.RFC1123Z))
	})
	mux.HandleFunc("/p/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	clk, ids := testDeps()
	page := NewPage(Config{Timeout: 5 * time.Second}, zap.NewNop(), clk, ids, nil)

	articles, run := page.Fetch(context.Background(), srv.URL, time.Time{})

	require.False(t, run.Failed())
	require.Len(t, articles, 1)
	require.Equal(t, "excerpt text", articles[0].Content)
}

func TestPageFetchFeedUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	clk, ids := testDeps()
	page := NewPage(Config{Timeout: 5 * time.Second}, zap.NewNop(), clk, ids, nil)

	articles, run := page.Fetch(context.Background(), srv.URL, time.Time{})
	require.Empty(t, articles)
	require.True(t, run.Failed())
	require.Contains(t, run.ErrorText, "discover posts")
}

func TestSetRoutesByKind(t *testing.T) {
	t.Parallel()

	clk, ids := testDeps()
	set := NewSet(Config{Timeout: time.Second}, zap.NewNop(), clk, ids, nil)

	if _, ok := set.For("@handle").(*Social); !ok {
		t.Fatalf("expected social connector for handle")
	}
	if _, ok := set.For("https://a.substack.com").(*Page); !ok {
		t.Fatalf("expected page connector for substack")
	}
	if _, ok := set.For("https://example.com/rss").(*Feed); !ok {
		t.Fatalf("expected feed connector for rss url")
	}
}
