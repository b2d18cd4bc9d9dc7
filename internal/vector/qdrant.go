// Package vector indexes article embeddings in a Qdrant-compatible
// service. The index is a retrieval cache; Postgres stays authoritative.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config points at the Qdrant HTTP API.
type Config struct {
	URL        string
	Collection string
	Timeout    time.Duration
}

// Qdrant talks to the Qdrant points API over HTTP.
type Qdrant struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewQdrant creates a Qdrant-backed index.
func NewQdrant(cfg Config, logger *zap.Logger) (*Qdrant, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("vector.url is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("vector.collection is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Qdrant{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

type upsertRequest struct {
	Points []point `json:"points"`
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Upsert writes one embedding point.
func (q *Qdrant) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	if id == "" {
		return fmt.Errorf("point id is required")
	}
	body := upsertRequest{Points: []point{{ID: id, Vector: vector, Payload: payload}}}
	endpoint := fmt.Sprintf("%s/collections/%s/points?wait=true", strings.TrimSuffix(q.cfg.URL, "/"), q.cfg.Collection)
	if err := q.do(ctx, http.MethodPut, endpoint, body, nil); err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	Limit  int       `json:"limit"`
}

type searchResponse struct {
	Result []struct {
		ID string `json:"id"`
	} `json:"result"`
}

// Query returns the ids of the topK nearest points.
func (q *Qdrant) Query(ctx context.Context, vector []float32, topK int) ([]string, error) {
	if topK <= 0 {
		topK = 5
	}
	endpoint := fmt.Sprintf("%s/collections/%s/points/search", strings.TrimSuffix(q.cfg.URL, "/"), q.cfg.Collection)
	var resp searchResponse
	if err := q.do(ctx, http.MethodPost, endpoint, searchRequest{Vector: vector, Limit: topK}, &resp); err != nil {
		return nil, fmt.Errorf("search points: %w", err)
	}
	ids := make([]string, 0, len(resp.Result))
	for _, r := range resp.Result {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (q *Qdrant) do(ctx context.Context, method, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
