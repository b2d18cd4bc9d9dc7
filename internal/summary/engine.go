// Package summary produces per-cluster digests through the model gateway.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/gateway"
)

const (
	// snippetLen bounds per-article text in the summarization prompt.
	snippetLen = 500
	// maxPromptArticles caps how many cluster members reach the prompt.
	maxPromptArticles = 10
	// Placeholder shown when summarization fails for a cluster.
	placeholder = "Summary unavailable for this topic."
)

// Invoker is the slice of the gateway the engine needs.
type Invoker interface {
	InvokeJSON(ctx context.Context, prompt string, out gateway.Validator) (int64, error)
}

// Engine writes summaries onto clusters.
type Engine struct {
	inv         Invoker
	logger      *zap.Logger
	concurrency int
}

// New creates an Engine with the given summarization concurrency.
func New(inv Invoker, logger *zap.Logger, concurrency int) *Engine {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Engine{inv: inv, logger: logger, concurrency: concurrency}
}

type response struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// Validate checks the decoded model response shape.
func (r *response) Validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("summary is empty")
	}
	return nil
}

// Summarize fills in one cluster's summary and key points. Failures leave a
// placeholder and mark the cluster degraded rather than failing the run.
// The returned token count includes attempts behind a failure, so the spend
// ledger sees what the provider billed either way.
func (e *Engine) Summarize(ctx context.Context, c *digest.Cluster) int64 {
	var resp response
	tokens, err := e.inv.InvokeJSON(ctx, buildPrompt(*c), &resp)
	if err != nil {
		e.logger.Warn("summarization degraded",
			zap.String("topic", c.TopicName),
			zap.Error(err),
		)
		c.Summary = placeholder
		c.Degraded = true
		return tokens
	}
	c.Summary = strings.TrimSpace(resp.Summary)
	c.KeyPoints = resp.KeyPoints
	return tokens
}

// SummarizeAll summarizes every cluster with bounded concurrency and
// returns the total token spend.
func (e *Engine) SummarizeAll(ctx context.Context, clusters []digest.Cluster) int64 {
	sem := make(chan struct{}, e.concurrency)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for i := range clusters {
		wg.Add(1)
		go func(c *digest.Cluster) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			tokens := e.Summarize(ctx, c)
			mu.Lock()
			total += tokens
			mu.Unlock()
		}(&clusters[i])
	}
	wg.Wait()
	return total
}

func buildPrompt(c digest.Cluster) string {
	type promptArticle struct {
		Title   string `json:"title,omitempty"`
		Source  string `json:"source"`
		Snippet string `json:"snippet"`
	}
	members := c.Members
	if len(members) > maxPromptArticles {
		members = members[:maxPromptArticles]
	}
	items := make([]promptArticle, 0, len(members))
	for _, a := range members {
		items = append(items, promptArticle{
			Title:   a.Title,
			Source:  a.SourceID,
			Snippet: digest.Snippet(a.Content, snippetLen),
		})
	}
	payload, _ := json.Marshal(items)

	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the topic %q based on the following articles.\n", c.TopicName)
	b.WriteString("Respond with only a raw JSON object of the form:\n")
	b.WriteString(`{"summary":"two or three sentences","key_points":["...","..."]}`)
	b.WriteString("\nDo not wrap the JSON in a markdown code block.\n\nArticles:\n")
	b.Write(payload)
	return b.String()
}
