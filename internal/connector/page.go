package connector

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
)

// maxPageFetches caps how many post bodies one page scrape will pull.
const maxPageFetches = 10

// Page pulls newsletter posts from substack-style sites. It discovers the
// post list through the site's feed and extracts each post's body from the
// rendered article markup.
type Page struct {
	cfg      Config
	parser   *gofeed.Parser
	base     *colly.Collector
	logger   *zap.Logger
	clock    digest.Clock
	ids      digest.IDGenerator
	archiver digest.Archiver
}

// NewPage creates a page connector.
func NewPage(cfg Config, logger *zap.Logger, clock digest.Clock, ids digest.IDGenerator, archiver digest.Archiver) *Page {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: cfg.Timeout}
	if cfg.UserAgent != "" {
		parser.UserAgent = cfg.UserAgent
	}

	base := colly.NewCollector(colly.Async(false))
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	base.IgnoreRobotsTxt = false
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	base.SetRequestTimeout(timeout)

	return &Page{
		cfg:      cfg,
		parser:   parser,
		base:     base,
		logger:   logger,
		clock:    clock,
		ids:      ids,
		archiver: archiver,
	}
}

// Fetch lists recent posts via the site feed and scrapes each post body.
func (p *Page) Fetch(ctx context.Context, sourceID string, since time.Time) ([]digest.Article, digest.ScrapeRun) {
	run := newRun(p.ids, p.clock, sourceID, digest.SourcePage)

	feedURL := strings.TrimSuffix(sourceID, "/") + "/feed"
	feed, err := p.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		run.ErrorText = "discover posts: " + err.Error()
		finishRun(&run, p.clock, nil)
		p.logger.Warn("page fetch failed",
			zap.String("source", sourceID),
			zap.Error(err),
		)
		return nil, run
	}

	scrapedAt := p.clock.Now()
	var articles []digest.Article
	fetched := 0
	for _, item := range feed.Items {
		published := itemPublished(item)
		if published.IsZero() || published.Before(since) {
			continue
		}
		content := ""
		if fetched < maxPageFetches && item.Link != "" {
			content = p.scrapeBody(ctx, item.Link)
			fetched++
		}
		if content == "" {
			// Fall back to the feed excerpt when the post page gives
			// nothing usable.
			content = textFromHTML(item.Description)
		}
		if content == "" {
			continue
		}
		articles = append(articles, digest.Article{
			SourceKind:  digest.SourcePage,
			SourceID:    sourceID,
			Title:       strings.TrimSpace(item.Title),
			Content:     content,
			Link:        item.Link,
			PublishedAt: published.UTC(),
			ScrapedAt:   scrapedAt,
		})
	}

	finishRun(&run, p.clock, articles)
	archiveBatch(ctx, p.archiver, p.logger, run, articles)
	return articles, run
}

// scrapeBody extracts the paragraph text inside the post's article element.
func (p *Page) scrapeBody(ctx context.Context, link string) string {
	var paragraphs []string

	collector := p.base.Clone()
	collector.OnHTML("article p", func(e *colly.HTMLElement) {
		text := strings.TrimSpace(e.Text)
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(link)
	}()
	select {
	case <-ctx.Done():
		return ""
	case err := <-done:
		if err != nil {
			p.logger.Debug("post scrape failed",
				zap.String("link", link),
				zap.Error(err),
			)
			return ""
		}
	}
	return strings.Join(paragraphs, "\n\n")
}
