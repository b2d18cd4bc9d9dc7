// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trendsift/trendsift/internal/digest"
)

// ArticleStoreConfig controls the Postgres connection pool used for article rows.
type ArticleStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ArticleStore persists articles and scrape audit rows in Postgres.
type ArticleStore struct {
	pool dbPool
}

// NewArticleStore creates a Postgres-backed ArticleStore using the provided config.
func NewArticleStore(ctx context.Context, cfg ArticleStoreConfig) (*ArticleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ArticleStore{pool: pool}, nil
}

// NewArticleStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArticleStoreWithPool(pool dbPool) (*ArticleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ArticleStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ArticleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the article and scrape run tables if they do not exist.
func (s *ArticleStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("article store is not configured")
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS articles (
	id BIGSERIAL PRIMARY KEY,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	link TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ NOT NULL,
	scraped_at TIMESTAMPTZ NOT NULL,
	UNIQUE (source_id, published_at)
);
CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles (published_at DESC);

CREATE TABLE IF NOT EXISTS scrape_runs (
	id UUID PRIMARY KEY,
	source_id TEXT NOT NULL,
	source_type TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	articles_found INT NOT NULL,
	articles_inserted INT NOT NULL,
	error_text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_scrape_runs_source ON scrape_runs (source_id, started_at DESC);
`

// UpsertArticle inserts an article row. A row with the same
// (source_id, published_at) pair already present leaves the stored row
// untouched and reports SkippedDuplicate. The conflict clause makes the
// check-and-insert atomic under concurrent writers.
func (s *ArticleStore) UpsertArticle(ctx context.Context, a digest.Article) (digest.UpsertOutcome, error) {
	if s == nil || s.pool == nil {
		return "", fmt.Errorf("article store is not configured")
	}
	if a.SourceID == "" {
		return "", fmt.Errorf("article source_id is required")
	}
	if a.PublishedAt.IsZero() {
		return "", fmt.Errorf("article published_at is required")
	}
	query := `
INSERT INTO articles (
	source_type,
	source_id,
	title,
	content,
	link,
	published_at,
	scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
) ON CONFLICT (source_id, published_at) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		string(a.SourceKind),
		a.SourceID,
		a.Title,
		a.Content,
		a.Link,
		a.PublishedAt,
		a.ScrapedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert article: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return digest.SkippedDuplicate, nil
	}
	return digest.Inserted, nil
}

// QueryWindow returns all articles from the given sources published at or
// after since, newest first.
func (s *ArticleStore) QueryWindow(ctx context.Context, sourceIDs []string, since time.Time) ([]digest.Article, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("article store is not configured")
	}
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	query := `
SELECT id, source_type, source_id, title, content, link, published_at, scraped_at
FROM articles
WHERE source_id = ANY($1) AND published_at >= $2
ORDER BY published_at DESC`

	rows, err := s.pool.Query(ctx, query, sourceIDs, since)
	if err != nil {
		return nil, fmt.Errorf("query article window: %w", err)
	}
	defer rows.Close()

	var out []digest.Article
	for rows.Next() {
		var (
			a    digest.Article
			kind string
		)
		if err := rows.Scan(&a.ID, &kind, &a.SourceID, &a.Title, &a.Content, &a.Link, &a.PublishedAt, &a.ScrapedAt); err != nil {
			return nil, fmt.Errorf("scan article row: %w", err)
		}
		a.SourceKind = digest.SourceKind(kind)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate article rows: %w", err)
	}
	return out, nil
}

// RecordScrapeRun appends one scrape audit row.
func (s *ArticleStore) RecordScrapeRun(ctx context.Context, run digest.ScrapeRun) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("article store is not configured")
	}
	if run.ID == "" {
		return fmt.Errorf("scrape run id is required")
	}
	query := `
INSERT INTO scrape_runs (
	id,
	source_id,
	source_type,
	started_at,
	duration_ms,
	articles_found,
	articles_inserted,
	error_text
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`
	_, err := s.pool.Exec(ctx, query,
		run.ID,
		run.SourceID,
		string(run.SourceKind),
		run.StartedAt,
		run.Duration.Milliseconds(),
		run.ArticlesFound,
		run.ArticlesInserted,
		run.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("insert scrape run: %w", err)
	}
	return nil
}

// LatestScrape returns the most recent scrape run for a source, or nil when
// the source has never been scraped.
func (s *ArticleStore) LatestScrape(ctx context.Context, sourceID string) (*digest.ScrapeRun, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("article store is not configured")
	}
	query := `
SELECT id, source_id, source_type, started_at, duration_ms, articles_found, articles_inserted, error_text
FROM scrape_runs
WHERE source_id = $1
ORDER BY started_at DESC
LIMIT 1`

	var (
		run        digest.ScrapeRun
		kind       string
		durationMs int64
	)
	err := s.pool.QueryRow(ctx, query, sourceID).Scan(
		&run.ID,
		&run.SourceID,
		&kind,
		&run.StartedAt,
		&durationMs,
		&run.ArticlesFound,
		&run.ArticlesInserted,
		&run.ErrorText,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest scrape: %w", err)
	}
	run.SourceKind = digest.SourceKind(kind)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return &run, nil
}

// CountBySource returns per-source article counts since the given time.
func (s *ArticleStore) CountBySource(ctx context.Context, since time.Time) (map[string]int, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("article store is not configured")
	}
	query := `
SELECT source_id, COUNT(*)
FROM articles
WHERE published_at >= $1
GROUP BY source_id`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query article counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			sourceID string
			count    int
		)
		if err := rows.Scan(&sourceID, &count); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		out[sourceID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count rows: %w", err)
	}
	return out, nil
}
