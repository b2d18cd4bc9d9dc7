// Package connector fetches raw items from external sources and normalizes
// them into canonical articles. A connector never fails its batch: broken
// sources yield an empty slice and a scrape run with the error recorded.
package connector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
)

// Config controls connector behavior.
type Config struct {
	Timeout           time.Duration
	UserAgent         string
	SocialAPIURL      string
	SocialBearerToken string
	SocialMaxResults  int
}

// DetectKind maps a source identifier onto the connector that handles it.
// Handles and twitter/x URLs are social, substack domains and bare pages
// are page sources, anything that looks like a feed URL is a feed.
func DetectKind(sourceID string) digest.SourceKind {
	s := strings.ToLower(strings.TrimSpace(sourceID))
	if strings.HasPrefix(s, "@") {
		return digest.SourceSocial
	}
	if strings.Contains(s, "twitter.com/") || strings.Contains(s, "x.com/") {
		return digest.SourceSocial
	}
	if strings.Contains(s, "substack.com") {
		return digest.SourcePage
	}
	if strings.Contains(s, "rss") || strings.Contains(s, "feed") ||
		strings.Contains(s, "atom") || strings.HasSuffix(s, ".xml") {
		return digest.SourceFeed
	}
	return digest.SourceFeed
}

// Set routes each source identifier to the connector for its kind.
type Set struct {
	social digest.Connector
	feed   digest.Connector
	page   digest.Connector
}

// NewSet builds the full connector set.
func NewSet(cfg Config, logger *zap.Logger, clock digest.Clock, ids digest.IDGenerator, archiver digest.Archiver) *Set {
	return &Set{
		social: NewSocial(cfg, logger, clock, ids, archiver),
		feed:   NewFeed(cfg, logger, clock, ids, archiver),
		page:   NewPage(cfg, logger, clock, ids, archiver),
	}
}

// For returns the connector handling the given source.
func (s *Set) For(sourceID string) digest.Connector {
	switch DetectKind(sourceID) {
	case digest.SourceSocial:
		return s.social
	case digest.SourcePage:
		return s.page
	default:
		return s.feed
	}
}

// Fetch dispatches to the connector for the source's kind.
func (s *Set) Fetch(ctx context.Context, sourceID string, since time.Time) ([]digest.Article, digest.ScrapeRun) {
	return s.For(sourceID).Fetch(ctx, sourceID, since)
}

// newRun starts the audit record for one connector invocation.
func newRun(ids digest.IDGenerator, clock digest.Clock, sourceID string, kind digest.SourceKind) digest.ScrapeRun {
	run := digest.ScrapeRun{
		SourceID:   sourceID,
		SourceKind: kind,
		StartedAt:  clock.Now(),
	}
	if id, err := ids.NewID(); err == nil {
		run.ID = id
	}
	return run
}

// finishRun stamps the duration and article count on the audit record.
func finishRun(run *digest.ScrapeRun, clock digest.Clock, articles []digest.Article) {
	run.Duration = clock.Now().Sub(run.StartedAt)
	run.ArticlesFound = len(articles)
}

// archiveBatch stores the normalized batch as a raw-payload snapshot.
// Archival is best effort and never fails the fetch.
func archiveBatch(ctx context.Context, archiver digest.Archiver, logger *zap.Logger, run digest.ScrapeRun, articles []digest.Article) {
	if archiver == nil || len(articles) == 0 {
		return
	}
	data, err := json.Marshal(articles)
	if err != nil {
		return
	}
	path := string(run.SourceKind) + "/" + run.ID + ".json"
	if _, err := archiver.Put(ctx, path, "application/json", data); err != nil {
		logger.Warn("archive batch failed",
			zap.String("source", run.SourceID),
			zap.Error(err),
		)
	}
}
