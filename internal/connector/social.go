package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// Social pulls recent posts for a handle from a Twitter-compatible v2 API.
type Social struct {
	cfg      Config
	client   *http.Client
	logger   *zap.Logger
	clock    digest.Clock
	ids      digest.IDGenerator
	archiver digest.Archiver
}

// NewSocial creates a social connector.
func NewSocial(cfg Config, logger *zap.Logger, clock digest.Clock, ids digest.IDGenerator, archiver digest.Archiver) *Social {
	if cfg.SocialMaxResults <= 0 {
		cfg.SocialMaxResults = 10
	}
	return &Social{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		clock:    clock,
		ids:      ids,
		archiver: archiver,
	}
}

type searchResponse struct {
	Data []struct {
		ID        string    `json:"id"`
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"data"`
}

// Fetch returns the handle's recent original posts published at or after
// since. Retweets and replies are excluded by the search query.
func (s *Social) Fetch(ctx context.Context, sourceID string, since time.Time) ([]digest.Article, digest.ScrapeRun) {
	run := newRun(s.ids, s.clock, sourceID, digest.SourceSocial)

	handle := extractHandle(sourceID)
	if handle == "" {
		run.ErrorText = fmt.Sprintf("no handle in source %q", sourceID)
		finishRun(&run, s.clock, nil)
		return nil, run
	}
	if s.cfg.SocialBearerToken == "" {
		run.ErrorText = "social bearer token not configured"
		finishRun(&run, s.clock, nil)
		return nil, run
	}

	resp, err := s.search(ctx, handle)
	if err != nil {
		run.ErrorText = err.Error()
		finishRun(&run, s.clock, nil)
		s.logger.Warn("social fetch failed",
			zap.String("source", sourceID),
			zap.Error(err),
		)
		return nil, run
	}

	scrapedAt := s.clock.Now()
	var articles []digest.Article
	for _, post := range resp.Data {
		if post.CreatedAt.Before(since) {
			continue
		}
		content := strings.TrimSpace(urlPattern.ReplaceAllString(post.Text, ""))
		if content == "" {
			continue
		}
		articles = append(articles, digest.Article{
			SourceKind:  digest.SourceSocial,
			SourceID:    sourceID,
			Content:     content,
			Link:        "https://x.com/" + handle + "/status/" + post.ID,
			PublishedAt: post.CreatedAt.UTC(),
			ScrapedAt:   scrapedAt,
		})
	}

	finishRun(&run, s.clock, articles)
	archiveBatch(ctx, s.archiver, s.logger, run, articles)
	return articles, run
}

func (s *Social) search(ctx context.Context, handle string) (*searchResponse, error) {
	query := url.Values{}
	query.Set("query", fmt.Sprintf("from:%s -is:retweet -is:reply", handle))
	query.Set("max_results", strconv.Itoa(s.cfg.SocialMaxResults))
	query.Set("tweet.fields", "created_at")

	endpoint := strings.TrimSuffix(s.cfg.SocialAPIURL, "/") + "/tweets/search/recent?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.SocialBearerToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search recent posts: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search recent posts: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &out, nil
}

// extractHandle pulls the account name out of an @handle or a profile URL.
func extractHandle(sourceID string) string {
	s := strings.TrimSpace(sourceID)
	if strings.HasPrefix(s, "@") {
		return strings.TrimPrefix(s, "@")
	}
	for _, host := range []string{"twitter.com/", "x.com/"} {
		idx := strings.Index(strings.ToLower(s), host)
		if idx < 0 {
			continue
		}
		rest := s[idx+len(host):]
		if cut := strings.IndexAny(rest, "/?#"); cut >= 0 {
			rest = rest[:cut]
		}
		return strings.TrimPrefix(rest, "@")
	}
	return ""
}
