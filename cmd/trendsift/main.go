// Package main wires together the digest service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/api"
	archivegcs "github.com/trendsift/trendsift/internal/archive/gcs"
	archivememory "github.com/trendsift/trendsift/internal/archive/memory"
	"github.com/trendsift/trendsift/internal/clock/system"
	"github.com/trendsift/trendsift/internal/cluster"
	"github.com/trendsift/trendsift/internal/config"
	"github.com/trendsift/trendsift/internal/connector"
	"github.com/trendsift/trendsift/internal/digest"
	eventsmemory "github.com/trendsift/trendsift/internal/events/memory"
	eventspubsub "github.com/trendsift/trendsift/internal/events/pubsub"
	"github.com/trendsift/trendsift/internal/filter"
	"github.com/trendsift/trendsift/internal/gateway"
	"github.com/trendsift/trendsift/internal/guardrail"
	"github.com/trendsift/trendsift/internal/id/uuid"
	"github.com/trendsift/trendsift/internal/logging"
	"github.com/trendsift/trendsift/internal/pipeline"
	"github.com/trendsift/trendsift/internal/storage/postgres"
	"github.com/trendsift/trendsift/internal/summary"
	"github.com/trendsift/trendsift/internal/telemetry"
	"github.com/trendsift/trendsift/internal/vector"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	idGen := uuid.New()

	store, err := postgres.NewArticleStore(ctx, postgres.ArticleStoreConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("open article store: %w", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	archiver, err := newArchiver(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init archiver: %w", err)
	}

	publisher, cleanup, err := newPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	defer cleanup()

	connectors := connector.NewSet(connector.Config{
		Timeout:           cfg.ScrapeTimeout(),
		UserAgent:         cfg.Scrape.UserAgent,
		SocialAPIURL:      cfg.Scrape.SocialAPIURL,
		SocialBearerToken: cfg.Scrape.SocialBearerToken,
		SocialMaxResults:  cfg.Scrape.SocialMaxResults,
	}, logger.Named("connector"), clock, idGen, archiver)

	modelClient, err := gateway.NewGenAIClient(ctx, cfg.Gateway.APIKey, cfg.Gateway.Model, cfg.Gateway.EmbedModel)
	if err != nil {
		return fmt.Errorf("init model client: %w", err)
	}
	gw := gateway.New(modelClient, gateway.Config{
		Timeout:          cfg.GatewayTimeout(),
		MaxRetries:       cfg.Gateway.MaxRetries,
		BackoffInitial:   time.Duration(cfg.Gateway.BackoffInitialMs) * time.Millisecond,
		BackoffMax:       time.Duration(cfg.Gateway.BackoffMaxMs) * time.Millisecond,
		BreakerThreshold: cfg.Gateway.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Gateway.BreakerCooldownSeconds) * time.Second,
	}, logger.Named("gateway"), clock)

	guard := guardrail.New(guardrail.Config{
		RequestsPerMinute: cfg.Guardrail.RequestsPerMinute,
		RequestsPerHour:   cfg.Guardrail.RequestsPerHour,
		DailyTokens:       cfg.Guardrail.DailyTokens,
		TokensPerSource:   cfg.Guardrail.TokensPerSource,
	}, clock)

	var relevance pipeline.Relevance
	if cfg.Pipeline.FilterEnabled {
		relevance = filter.New(filter.Config{UseModel: cfg.Pipeline.LLMFilterEnabled}, gw, logger.Named("filter"))
	}

	var index digest.VectorIndex = vector.NewNoOp()
	if cfg.Vector.URL != "" {
		index, err = vector.NewQdrant(vector.Config{
			URL:        cfg.Vector.URL,
			Collection: cfg.Vector.Collection,
		}, logger.Named("vector"))
		if err != nil {
			return fmt.Errorf("init vector index: %w", err)
		}
	}

	pipe := pipeline.New(pipeline.Config{
		DaysBackDefault:    cfg.Pipeline.DaysBackDefault,
		MaxClustersDefault: cfg.Pipeline.MaxClustersDefault,
		ScrapeTimeout:      cfg.ScrapeTimeout(),
		Freshness:          cfg.FreshnessWindow(),
		EventTopic:         cfg.Events.TopicName,
	}, pipeline.Deps{
		Store:     store,
		Fetcher:   connectors,
		Admitter:  guard,
		Relevance: relevance,
		Clusterer: cluster.New(gw, logger.Named("cluster")),
		Summarize: summary.New(gw, logger.Named("summary"), cfg.Pipeline.SummaryConcurrency),
		Embedder:  gw,
		Index:     index,
		Publisher: publisher,
		Clock:     clock,
		IDs:       idGen,
		Logger:    logger.Named("pipeline"),
	})

	apiServer := api.NewServer(
		pipe,
		store,
		guard,
		func() string { return gw.Breaker().State().String() },
		clock,
		cfg,
		logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func newArchiver(ctx context.Context, cfg config.Config) (digest.Archiver, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return archivegcs.New(client, archivegcs.Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
		})
	case "memory":
		return archivememory.New(), nil
	case "noop", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}

func newPublisher(ctx context.Context, cfg config.Config) (digest.Publisher, func(), error) {
	switch cfg.Events.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		pub, err := eventspubsub.NewFromClient(client, cfg.Events.TopicName)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		cleanup := func() {
			pub.Stop()
			_ = client.Close()
		}
		return pub, cleanup, nil
	case "memory", "":
		return eventsmemory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown events provider %q", cfg.Events.Provider)
	}
}
