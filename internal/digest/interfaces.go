package digest

import (
	"context"
	"time"
)

// Connector fetches raw items from one source kind and normalizes them into
// canonical Articles. Connectors never fail the batch: a broken source
// yields zero articles and a ScrapeRun with ErrorText set. Exactly one
// ScrapeRun is returned per invocation.
type Connector interface {
	Fetch(ctx context.Context, sourceID string, since time.Time) ([]Article, ScrapeRun)
}

// ArticleStore persists articles and scrape audit rows. UpsertArticle must
// be atomic with respect to the (SourceID, PublishedAt) uniqueness
// invariant under concurrent writers.
type ArticleStore interface {
	UpsertArticle(ctx context.Context, a Article) (UpsertOutcome, error)
	QueryWindow(ctx context.Context, sourceIDs []string, since time.Time) ([]Article, error)
	RecordScrapeRun(ctx context.Context, run ScrapeRun) error
	LatestScrape(ctx context.Context, sourceID string) (*ScrapeRun, error)
	CountBySource(ctx context.Context, since time.Time) (map[string]int, error)
}

// ModelClient is the raw provider API: one prompt in, generated text out.
// The resilient gateway wraps this; nothing else calls it directly.
type ModelClient interface {
	Generate(ctx context.Context, prompt string) (Completion, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is an opaque upsert/query service used for semantic
// retrieval. It is a cache external to the core, never authoritative.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	Query(ctx context.Context, vector []float32, topK int) ([]string, error)
}

// Publisher pushes structured pipeline events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver stores raw fetched payloads and returns a URI.
type Archiver interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and request IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
