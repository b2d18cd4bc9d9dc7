// Package pipeline orchestrates one digest run end to end: admission,
// scraping, persistence, clustering, summarization and result assembly.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/events"
	"github.com/trendsift/trendsift/internal/telemetry"
)

// Fetcher routes one source to its connector.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID string, since time.Time) ([]digest.Article, digest.ScrapeRun)
}

// Admitter guards the front door.
type Admitter interface {
	Authorize(req digest.Request) (int64, error)
	Reconcile(callerID string, estimated, actual int64)
}

// Clusterer groups a window of articles by topic.
type Clusterer interface {
	Cluster(ctx context.Context, articles []digest.Article, maxClusters int) ([]digest.Cluster, int64)
}

// Summarizer fills in cluster summaries.
type Summarizer interface {
	SummarizeAll(ctx context.Context, clusters []digest.Cluster) int64
}

// Relevance narrows the window to on-topic articles.
type Relevance interface {
	Apply(ctx context.Context, articles []digest.Article) ([]digest.Article, int64)
}

// Embedder produces embedding vectors for semantic indexing.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds orchestration settings.
type Config struct {
	DaysBackDefault    int
	MaxClustersDefault int
	ScrapeTimeout      time.Duration
	Freshness          time.Duration
	EventTopic         string
}

// Pipeline runs digests.
type Pipeline struct {
	cfg       Config
	store     digest.ArticleStore
	fetcher   Fetcher
	admitter  Admitter
	relevance Relevance
	clusterer Clusterer
	summarize Summarizer
	embedder  Embedder
	index     digest.VectorIndex
	publisher digest.Publisher
	clock     digest.Clock
	ids       digest.IDGenerator
	logger    *zap.Logger
}

// Deps bundles the pipeline's collaborators.
type Deps struct {
	Store     digest.ArticleStore
	Fetcher   Fetcher
	Admitter  Admitter
	Relevance Relevance
	Clusterer Clusterer
	Summarize Summarizer
	Embedder  Embedder
	Index     digest.VectorIndex
	Publisher digest.Publisher
	Clock     digest.Clock
	IDs       digest.IDGenerator
	Logger    *zap.Logger
}

// New creates a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.DaysBackDefault <= 0 {
		cfg.DaysBackDefault = 7
	}
	if cfg.MaxClustersDefault <= 0 {
		cfg.MaxClustersDefault = 5
	}
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 45 * time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		admitter:  deps.Admitter,
		relevance: deps.Relevance,
		clusterer: deps.Clusterer,
		summarize: deps.Summarize,
		embedder:  deps.Embedder,
		index:     deps.Index,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    deps.Logger,
	}
}

// sourceOutcome carries one source's scrape result back to the run.
type sourceOutcome struct {
	run      digest.ScrapeRun
	skipped  bool
	storeErr error
}

// Run executes one digest request. Source failures and model degradation
// produce a degraded-but-successful result; only admission rejections,
// storage failures and caller cancellation fail the run.
func (p *Pipeline) Run(ctx context.Context, req digest.Request) (digest.Result, error) {
	req = p.applyDefaults(req)

	estimate, err := p.admitter.Authorize(req)
	if err != nil {
		return digest.Result{}, err
	}

	started := p.clock.Now()
	runID, idErr := p.ids.NewID()
	if idErr != nil {
		runID = fmt.Sprintf("run-%d", started.UnixNano())
	}
	log := p.logger.With(zap.String("run_id", runID))
	p.publish(ctx, events.Event{RunID: runID, Stage: events.StageRunStart, TS: started})

	since := started.AddDate(0, 0, -req.DaysBack)
	var tokens int64

	outcomes, err := p.scrapeAll(ctx, log, runID, req.Sources, since)
	if err != nil {
		p.admitter.Reconcile(req.CallerID, estimate, tokens)
		telemetry.ObservePipelineRun("storage_error", p.clock.Now().Sub(started))
		return digest.Result{}, err
	}
	if ctx.Err() != nil {
		p.admitter.Reconcile(req.CallerID, estimate, tokens)
		telemetry.ObservePipelineRun("canceled", p.clock.Now().Sub(started))
		return digest.Result{}, fmt.Errorf("run canceled: %w", ctx.Err())
	}

	var degraded []string
	for _, o := range outcomes {
		if o.run.Failed() {
			degraded = append(degraded, fmt.Sprintf("source %s failed: %s", o.run.SourceID, o.run.ErrorText))
		}
	}

	// Cluster over the full persisted window, not just this run's
	// inserts, so fresh-skipped sources and earlier runs contribute.
	window, err := p.store.QueryWindow(ctx, req.Sources, since)
	if err != nil {
		p.admitter.Reconcile(req.CallerID, estimate, tokens)
		telemetry.ObservePipelineRun("storage_error", p.clock.Now().Sub(started))
		return digest.Result{}, fmt.Errorf("query window: %w", err)
	}

	if p.relevance != nil {
		var spent int64
		window, spent = p.relevance.Apply(ctx, window)
		tokens += spent
	}

	clusters, spent := p.clusterer.Cluster(ctx, window, req.MaxClusters)
	tokens += spent
	tokens += p.summarize.SummarizeAll(ctx, clusters)

	if ctx.Err() != nil {
		p.admitter.Reconcile(req.CallerID, estimate, tokens)
		telemetry.ObservePipelineRun("canceled", p.clock.Now().Sub(started))
		return digest.Result{}, fmt.Errorf("run canceled: %w", ctx.Err())
	}

	p.indexClusters(ctx, log, clusters)

	for _, c := range clusters {
		if c.Degraded {
			degraded = append(degraded, fmt.Sprintf("topic %q degraded", c.TopicName))
		}
	}
	sort.Strings(degraded)

	p.admitter.Reconcile(req.CallerID, estimate, tokens)

	finished := p.clock.Now()
	result := digest.Result{
		Success:           true,
		Clusters:          project(clusters),
		TotalArticles:     len(window),
		ProcessingSeconds: finished.Sub(started).Seconds(),
		Timestamp:         finished,
		Degraded:          degraded,
	}

	p.publish(ctx, events.Event{
		RunID:    runID,
		Stage:    events.StageRunDone,
		Articles: result.TotalArticles,
		Duration: finished.Sub(started),
		TS:       finished,
	})
	telemetry.ObservePipelineRun("ok", finished.Sub(started))
	log.Info("digest run complete",
		zap.Int("articles", result.TotalArticles),
		zap.Int("clusters", len(result.Clusters)),
		zap.Int64("tokens", tokens),
		zap.Int("degraded", len(degraded)),
	)
	return result, nil
}

// scrapeAll fans out one goroutine per source, each with its own timeout.
// Connector failures are recorded and tolerated; a storage failure aborts
// the run.
func (p *Pipeline) scrapeAll(ctx context.Context, log *zap.Logger, runID string, sources []string, since time.Time) ([]sourceOutcome, error) {
	outcomes := make([]sourceOutcome, len(sources))
	now := p.clock.Now()

	var wg sync.WaitGroup
	for i, source := range sources {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()
			outcomes[i] = p.scrapeOne(ctx, log, runID, source, since, now)
		}(i, source)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.storeErr != nil {
			return nil, o.storeErr
		}
	}
	return outcomes, nil
}

func (p *Pipeline) scrapeOne(ctx context.Context, log *zap.Logger, runID, source string, since, now time.Time) sourceOutcome {
	if p.cfg.Freshness > 0 {
		latest, err := p.store.LatestScrape(ctx, source)
		if err != nil {
			return sourceOutcome{storeErr: fmt.Errorf("latest scrape for %s: %w", source, err)}
		}
		if latest != nil && !latest.Failed() && now.Sub(latest.StartedAt) < p.cfg.Freshness {
			log.Debug("source fresh, skipping scrape", zap.String("source", source))
			return sourceOutcome{skipped: true, run: *latest}
		}
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.ScrapeTimeout)
	articles, run := p.fetcher.Fetch(sctx, source, since)
	cancel()

	inserted := 0
	for _, a := range articles {
		outcome, err := p.store.UpsertArticle(ctx, a)
		if err != nil {
			return sourceOutcome{storeErr: fmt.Errorf("upsert article from %s: %w", source, err)}
		}
		telemetry.ObserveIngest(source, string(outcome))
		if outcome == digest.Inserted {
			inserted++
		}
	}
	run.ArticlesInserted = inserted

	if err := p.store.RecordScrapeRun(ctx, run); err != nil {
		return sourceOutcome{storeErr: fmt.Errorf("record scrape run for %s: %w", source, err)}
	}
	telemetry.ObserveScrapeRun(string(run.SourceKind), run.Failed(), run.Duration)

	p.publish(ctx, events.Event{
		RunID:    runID,
		Stage:    events.StageSourceScraped,
		Source:   source,
		Articles: run.ArticlesFound,
		Duration: run.Duration,
		Note:     run.ErrorText,
		TS:       p.clock.Now(),
	})
	return sourceOutcome{run: run}
}

// indexClusters embeds each summarized topic and upserts it into the
// vector index. Indexing is best effort.
func (p *Pipeline) indexClusters(ctx context.Context, log *zap.Logger, clusters []digest.Cluster) {
	if p.embedder == nil || p.index == nil {
		return
	}
	for _, c := range clusters {
		if c.Degraded || c.Summary == "" {
			continue
		}
		vec, err := p.embedder.Embed(ctx, c.TopicName+": "+c.Summary)
		if err != nil {
			log.Debug("embed topic failed", zap.String("topic", c.TopicName), zap.Error(err))
			continue
		}
		id, err := p.ids.NewID()
		if err != nil {
			continue
		}
		payload := map[string]any{
			"topic":   c.TopicName,
			"sources": c.Sources(),
		}
		if err := p.index.Upsert(ctx, id, vec, payload); err != nil {
			log.Debug("index topic failed", zap.String("topic", c.TopicName), zap.Error(err))
		}
	}
}

func (p *Pipeline) publish(ctx context.Context, e events.Event) {
	if p.publisher == nil {
		return
	}
	if err := e.Validate(); err != nil {
		p.logger.Warn("dropping invalid event", zap.Error(err))
		return
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.EventTopic, e); err != nil {
		p.logger.Warn("publish event failed", zap.String("stage", e.Stage), zap.Error(err))
	}
}

func (p *Pipeline) applyDefaults(req digest.Request) digest.Request {
	if req.DaysBack == 0 {
		req.DaysBack = p.cfg.DaysBackDefault
	}
	if req.MaxClusters == 0 {
		req.MaxClusters = p.cfg.MaxClustersDefault
	}
	req.Sources = dedupe(req.Sources)
	return req
}

func dedupe(sources []string) []string {
	seen := make(map[string]bool, len(sources))
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func project(clusters []digest.Cluster) []digest.ClusterSummary {
	out := make([]digest.ClusterSummary, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, digest.ClusterSummary{
			TopicName:    c.TopicName,
			ArticleCount: len(c.Members),
			Summary:      c.Summary,
			KeyPoints:    c.KeyPoints,
			Sources:      c.Sources(),
		})
	}
	return out
}
