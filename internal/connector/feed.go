package connector

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
)

// Feed pulls articles from RSS and Atom feeds.
type Feed struct {
	cfg      Config
	parser   *gofeed.Parser
	logger   *zap.Logger
	clock    digest.Clock
	ids      digest.IDGenerator
	archiver digest.Archiver
}

// NewFeed creates a feed connector.
func NewFeed(cfg Config, logger *zap.Logger, clock digest.Clock, ids digest.IDGenerator, archiver digest.Archiver) *Feed {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: cfg.Timeout}
	if cfg.UserAgent != "" {
		parser.UserAgent = cfg.UserAgent
	}
	return &Feed{
		cfg:      cfg,
		parser:   parser,
		logger:   logger,
		clock:    clock,
		ids:      ids,
		archiver: archiver,
	}
}

// Fetch parses the feed and returns every item published at or after since.
func (f *Feed) Fetch(ctx context.Context, sourceID string, since time.Time) ([]digest.Article, digest.ScrapeRun) {
	run := newRun(f.ids, f.clock, sourceID, digest.SourceFeed)

	feed, err := f.parser.ParseURLWithContext(sourceID, ctx)
	if err != nil {
		run.ErrorText = "parse feed: " + err.Error()
		finishRun(&run, f.clock, nil)
		f.logger.Warn("feed fetch failed",
			zap.String("source", sourceID),
			zap.Error(err),
		)
		return nil, run
	}

	scrapedAt := f.clock.Now()
	var articles []digest.Article
	for _, item := range feed.Items {
		published := itemPublished(item)
		if published.IsZero() || published.Before(since) {
			continue
		}
		content := item.Content
		if content == "" {
			content = item.Description
		}
		articles = append(articles, digest.Article{
			SourceKind:  digest.SourceFeed,
			SourceID:    sourceID,
			Title:       strings.TrimSpace(item.Title),
			Content:     textFromHTML(content),
			Link:        item.Link,
			PublishedAt: published.UTC(),
			ScrapedAt:   scrapedAt,
		})
	}

	finishRun(&run, f.clock, articles)
	archiveBatch(ctx, f.archiver, f.logger, run, articles)
	return articles, run
}

func itemPublished(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

// textFromHTML flattens an HTML fragment into plain text.
func textFromHTML(fragment string) string {
	if fragment == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
