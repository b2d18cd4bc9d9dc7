package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQdrantUpsert(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/collections/articles/points", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("wait"))

		var req upsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Points, 1)
		require.Equal(t, "a-1", req.Points[0].ID)
		require.Equal(t, []float32{0.1, 0.2}, req.Points[0].Vector)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	q, err := NewQdrant(Config{URL: srv.URL, Collection: "articles"}, zap.NewNop())
	require.NoError(t, err)

	err = q.Upsert(context.Background(), "a-1", []float32{0.1, 0.2}, map[string]any{"source": "s"})
	require.NoError(t, err)
}

func TestQdrantQuery(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/collections/articles/points/search", r.URL.Path)

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 3, req.Limit)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":[{"id":"a-1","score":0.9},{"id":"a-2","score":0.5}]}`))
	}))
	defer srv.Close()

	q, err := NewQdrant(Config{URL: srv.URL, Collection: "articles"}, zap.NewNop())
	require.NoError(t, err)

	ids, err := q.Query(context.Background(), []float32{0.1}, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"a-1", "a-2"}, ids)
}

func TestQdrantErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"collection not found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	q, err := NewQdrant(Config{URL: srv.URL, Collection: "articles"}, zap.NewNop())
	require.NoError(t, err)

	err = q.Upsert(context.Background(), "a-1", []float32{0.1}, nil)
	require.ErrorContains(t, err, "status 404")
}

func TestNewQdrantValidates(t *testing.T) {
	t.Parallel()

	_, err := NewQdrant(Config{Collection: "articles"}, zap.NewNop())
	require.Error(t, err)
	_, err = NewQdrant(Config{URL: "http://localhost:6333"}, zap.NewNop())
	require.Error(t, err)
}
