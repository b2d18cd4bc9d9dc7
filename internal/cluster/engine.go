// Package cluster groups a window of articles into topic-coherent clusters
// using the model gateway.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/gateway"
)

// snippetLen bounds how much article text goes into the clustering prompt.
const snippetLen = 200

// fallbackTopic names the single cluster produced when the model is
// unavailable.
const fallbackTopic = "Uncategorized"

// otherTopic collects articles the model left unassigned or that spill
// over the cluster cap.
const otherTopic = "Other"

// Invoker is the slice of the gateway the engine needs.
type Invoker interface {
	InvokeJSON(ctx context.Context, prompt string, out gateway.Validator) (int64, error)
}

// Engine clusters articles by topic.
type Engine struct {
	inv    Invoker
	logger *zap.Logger
}

// New creates an Engine.
func New(inv Invoker, logger *zap.Logger) *Engine {
	return &Engine{inv: inv, logger: logger}
}

type response struct {
	Clusters []clusterItem `json:"clusters"`
}

type clusterItem struct {
	TopicName   string `json:"topic_name"`
	Description string `json:"description"`
	ArticleIDs  []int  `json:"article_ids"`
}

// Validate checks the decoded model response shape.
func (r *response) Validate() error {
	if len(r.Clusters) == 0 {
		return fmt.Errorf("no clusters in response")
	}
	for i, c := range r.Clusters {
		if strings.TrimSpace(c.TopicName) == "" {
			return fmt.Errorf("cluster %d has no topic_name", i)
		}
	}
	return nil
}

// Cluster partitions the articles into at most maxClusters topic groups.
// Every input article lands in exactly one cluster. When the model cannot
// be reached the whole window falls back to a single degraded cluster.
func (e *Engine) Cluster(ctx context.Context, articles []digest.Article, maxClusters int) ([]digest.Cluster, int64) {
	if len(articles) == 0 {
		return nil, 0
	}
	if maxClusters < 1 {
		maxClusters = 1
	}

	prompt := buildPrompt(articles, maxClusters)
	var resp response
	tokens, err := e.inv.InvokeJSON(ctx, prompt, &resp)
	if err != nil {
		e.logger.Warn("clustering degraded to single cluster", zap.Error(err))
		return []digest.Cluster{{
			TopicName:   fallbackTopic,
			Description: "Automatic grouping was unavailable for this run.",
			Members:     articles,
			Degraded:    true,
		}}, tokens
	}

	clusters := partition(articles, resp, maxClusters)
	return clusters, tokens
}

// partition enforces the exactly-once membership invariant over the model's
// proposed assignment: the first assignment of an article wins, indexes
// outside the window are dropped, and unassigned articles collect in an
// overflow cluster. Clusters beyond the cap fold into the overflow as well,
// smallest first.
func partition(articles []digest.Article, resp response, maxClusters int) []digest.Cluster {
	assigned := make([]bool, len(articles))

	var clusters []digest.Cluster
	for _, item := range resp.Clusters {
		var members []digest.Article
		for _, id := range item.ArticleIDs {
			if id < 0 || id >= len(articles) || assigned[id] {
				continue
			}
			assigned[id] = true
			members = append(members, articles[id])
		}
		if len(members) == 0 {
			continue
		}
		clusters = append(clusters, digest.Cluster{
			TopicName:   strings.TrimSpace(item.TopicName),
			Description: strings.TrimSpace(item.Description),
			Members:     members,
		})
	}

	var leftovers []digest.Article
	for i, done := range assigned {
		if !done {
			leftovers = append(leftovers, articles[i])
		}
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		return len(clusters[i].Members) > len(clusters[j].Members)
	})

	// Reserve one slot for the overflow cluster when folding is needed.
	limit := maxClusters
	if len(clusters) > maxClusters || len(leftovers) > 0 {
		limit = maxClusters - 1
		if limit < 1 {
			limit = 1
		}
	}
	if len(clusters) > limit {
		for _, c := range clusters[limit:] {
			leftovers = append(leftovers, c.Members...)
		}
		clusters = clusters[:limit]
	}
	if len(leftovers) > 0 {
		clusters = append(clusters, digest.Cluster{
			TopicName:   otherTopic,
			Description: "Articles that did not fit the main topics.",
			Members:     leftovers,
		})
	}
	if len(clusters) > maxClusters {
		// A cap of one leaves no slot for overflow; merge it back.
		last := len(clusters) - 1
		clusters[0].Members = append(clusters[0].Members, clusters[last].Members...)
		clusters = clusters[:maxClusters]
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		return len(clusters[i].Members) > len(clusters[j].Members)
	})
	return clusters
}

func buildPrompt(articles []digest.Article, maxClusters int) string {
	type promptArticle struct {
		ID      int    `json:"id"`
		Title   string `json:"title,omitempty"`
		Source  string `json:"source"`
		Snippet string `json:"snippet"`
	}
	items := make([]promptArticle, 0, len(articles))
	for i, a := range articles {
		items = append(items, promptArticle{
			ID:      i,
			Title:   a.Title,
			Source:  a.SourceID,
			Snippet: digest.Snippet(a.Content, snippetLen),
		})
	}
	payload, _ := json.Marshal(items)

	var b strings.Builder
	fmt.Fprintf(&b, "Group the following articles into at most %d topic clusters.\n", maxClusters)
	b.WriteString("Every article id must appear in exactly one cluster.\n")
	b.WriteString("Respond with only a raw JSON object of the form:\n")
	b.WriteString(`{"clusters":[{"topic_name":"...","description":"...","article_ids":[0,1]}]}`)
	b.WriteString("\nDo not wrap the JSON in a markdown code block.\n\nArticles:\n")
	b.Write(payload)
	return b.String()
}
