package digest

import "time"

// SourceKind tags the origin format of a source identifier.
type SourceKind string

// Source kinds recognized by the connector layer.
const (
	SourceSocial SourceKind = "social"
	SourceFeed   SourceKind = "feed"
	SourcePage   SourceKind = "page"
)

// Article is the canonical record every connector normalizes into,
// regardless of origin format. The pair (SourceID, PublishedAt) is the sole
// deduplication key; articles are never mutated after insert.
type Article struct {
	ID          int64      `json:"id,omitempty"`
	SourceKind  SourceKind `json:"source_type"`
	SourceID    string     `json:"source_id"`
	Title       string     `json:"title,omitempty"`
	Content     string     `json:"content"`
	Link        string     `json:"link,omitempty"`
	PublishedAt time.Time  `json:"published_at"`
	ScrapedAt   time.Time  `json:"scraped_at"`
}

// UpsertOutcome reports what a duplicate-safe insert did.
type UpsertOutcome string

// Upsert outcomes. A conflicting (SourceID, PublishedAt) pair is a no-op,
// not an error.
const (
	Inserted         UpsertOutcome = "inserted"
	SkippedDuplicate UpsertOutcome = "skipped_duplicate"
)

// ScrapeRun is the append-only audit record written once per connector
// invocation, success or failure.
type ScrapeRun struct {
	ID               string        `json:"id"`
	SourceID         string        `json:"source_id"`
	SourceKind       SourceKind    `json:"source_type"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	ArticlesFound    int           `json:"articles_found"`
	ArticlesInserted int           `json:"articles_inserted"`
	ErrorText        string        `json:"error_text,omitempty"`
}

// Failed reports whether the run recorded a connector-level error.
func (r ScrapeRun) Failed() bool {
	return r.ErrorText != ""
}

// Cluster is a topic-coherent group of articles produced per pipeline run.
// Clusters are not persisted; only the underlying articles are durable.
type Cluster struct {
	TopicName   string
	Description string
	Members     []Article
	Summary     string
	KeyPoints   []string
	Degraded    bool
}

// Sources returns the distinct source identifiers contributing to the
// cluster, in first-seen order.
func (c Cluster) Sources() []string {
	seen := make(map[string]bool, len(c.Members))
	out := make([]string, 0, len(c.Members))
	for _, a := range c.Members {
		if seen[a.SourceID] {
			continue
		}
		seen[a.SourceID] = true
		out = append(out, a.SourceID)
	}
	return out
}

// Request captures one digest run as submitted by a caller.
type Request struct {
	CallerID    string   `json:"-"`
	Sources     []string `json:"sources"`
	DaysBack    int      `json:"days_back"`
	MaxClusters int      `json:"max_clusters"`
}

// ClusterSummary is the caller-facing projection of a Cluster.
type ClusterSummary struct {
	TopicName    string   `json:"topic_name"`
	ArticleCount int      `json:"article_count"`
	Summary      string   `json:"summary"`
	KeyPoints    []string `json:"key_points"`
	Sources      []string `json:"sources"`
}

// Result is the final caller-facing output of a pipeline run. Degraded
// carries notes about fallbacks taken (failed sources, placeholder
// summaries); degradation does not flip Success.
type Result struct {
	Success           bool             `json:"success"`
	Clusters          []ClusterSummary `json:"clusters"`
	TotalArticles     int              `json:"total_articles"`
	ProcessingSeconds float64          `json:"processing_time"`
	Timestamp         time.Time        `json:"timestamp"`
	Degraded          []string         `json:"degraded,omitempty"`
}

// Completion is a single successful model invocation.
type Completion struct {
	Text       string
	TokensUsed int64
}
