// Package filter narrows an article window to topic-relevant entries with
// a cheap keyword pass followed by an optional model pass.
package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/gateway"
)

const (
	// chunkSize bounds how many articles one relevance prompt carries.
	chunkSize = 20
	// snippetLen bounds per-article text in the relevance prompt.
	snippetLen = 300
)

// defaultKeywords is the cheap prefilter vocabulary. An article matching
// any keyword skips straight to the keep set.
var defaultKeywords = []string{
	"ai", "artificial intelligence", "machine learning", "ml",
	"llm", "language model", "gpt", "claude", "gemini", "transformer",
	"neural", "deep learning", "agent", "inference", "fine-tun",
	"prompt", "embedding", "diffusion", "openai", "anthropic", "deepmind",
}

// Invoker is the slice of the gateway the filter needs.
type Invoker interface {
	InvokeJSON(ctx context.Context, prompt string, out gateway.Validator) (int64, error)
}

// Config controls filtering behavior.
type Config struct {
	Keywords []string
	UseModel bool
}

// Filter drops articles that are not relevant to the digest's topic focus.
type Filter struct {
	cfg    Config
	inv    Invoker
	logger *zap.Logger
}

// New creates a Filter.
func New(cfg Config, inv Invoker, logger *zap.Logger) *Filter {
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = defaultKeywords
	}
	return &Filter{cfg: cfg, inv: inv, logger: logger}
}

type relevanceResponse struct {
	RelevantIDs []int `json:"relevant_ids"`
}

// Validate checks the decoded model response shape. An empty id list is a
// legitimate answer.
func (r *relevanceResponse) Validate() error {
	for _, id := range r.RelevantIDs {
		if id < 0 {
			return fmt.Errorf("negative article id %d", id)
		}
	}
	return nil
}

// Apply returns the relevant subset of articles and the token spend. The
// keyword pass keeps obvious matches without model cost; the remainder is
// judged by the model in chunks. A failed chunk is kept wholesale so a
// model outage can only over-include, never silently drop articles.
func (f *Filter) Apply(ctx context.Context, articles []digest.Article) ([]digest.Article, int64) {
	if len(articles) == 0 {
		return articles, 0
	}

	var kept, undecided []digest.Article
	for _, a := range articles {
		if f.matchesKeyword(a) {
			kept = append(kept, a)
		} else {
			undecided = append(undecided, a)
		}
	}

	// Without a model pass the keyword matches are the final keep set.
	if !f.cfg.UseModel || f.inv == nil || len(undecided) == 0 {
		return kept, 0
	}

	var tokens int64
	for start := 0; start < len(undecided); start += chunkSize {
		end := start + chunkSize
		if end > len(undecided) {
			end = len(undecided)
		}
		chunk := undecided[start:end]

		var resp relevanceResponse
		spent, err := f.inv.InvokeJSON(ctx, buildPrompt(chunk), &resp)
		tokens += spent
		if err != nil {
			f.logger.Warn("relevance chunk kept wholesale", zap.Error(err))
			kept = append(kept, chunk...)
			continue
		}
		for _, id := range resp.RelevantIDs {
			if id >= len(chunk) {
				continue
			}
			kept = append(kept, chunk[id])
		}
	}
	return kept, tokens
}

// matchesKeyword checks the prefilter vocabulary. Short keywords like "ai"
// and "ml" match whole words only so that "plain" or "html" do not count.
func (f *Filter) matchesKeyword(a digest.Article) bool {
	text := strings.ToLower(a.Title + " " + a.Content)
	var words map[string]bool
	for _, kw := range f.cfg.Keywords {
		if len(kw) <= 3 && !strings.Contains(kw, " ") {
			if words == nil {
				words = make(map[string]bool)
				for _, w := range strings.FieldsFunc(text, func(r rune) bool {
					return !unicode.IsLetter(r) && !unicode.IsNumber(r)
				}) {
					words[w] = true
				}
			}
			if words[kw] {
				return true
			}
			continue
		}
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func buildPrompt(chunk []digest.Article) string {
	type promptArticle struct {
		ID      int    `json:"id"`
		Title   string `json:"title,omitempty"`
		Snippet string `json:"snippet"`
	}
	items := make([]promptArticle, 0, len(chunk))
	for i, a := range chunk {
		items = append(items, promptArticle{
			ID:      i,
			Title:   a.Title,
			Snippet: digest.Snippet(a.Content, snippetLen),
		})
	}
	payload, _ := json.Marshal(items)

	var b strings.Builder
	b.WriteString("Identify which of the following articles are about artificial intelligence, ")
	b.WriteString("machine learning or closely related technology.\n")
	b.WriteString("Respond with only a raw JSON object of the form:\n")
	b.WriteString(`{"relevant_ids":[0,2]}`)
	b.WriteString("\nDo not wrap the JSON in a markdown code block.\n\nArticles:\n")
	b.Write(payload)
	return b.String()
}
