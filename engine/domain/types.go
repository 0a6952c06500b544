// Package domain defines the core entities of the news pipeline — Article,
// Feed, and the ephemeral per-stage results that flow between pipeline
// nodes — plus the validation gate at pipeline entry points.
package domain

import "time"

// ContentStatus tracks an article's position in the content lifecycle.
type ContentStatus string

const (
	ContentPending         ContentStatus = "pending"
	ContentFetched         ContentStatus = "fetched"
	ContentPartial         ContentStatus = "partial"
	ContentEmbedded        ContentStatus = "embedded"
	ContentFailed          ContentStatus = "failed"
	ContentBlocked         ContentStatus = "blocked"
	ContentDeleted         ContentStatus = "deleted"
	ContentEmbeddingFailed ContentStatus = "embedding_failed"
)

// terminalContentStatuses are statuses update_db must not downgrade from.
var terminalContentStatuses = map[ContentStatus]bool{
	ContentEmbedded: true,
	ContentDeleted:  true,
}

// IsTerminal reports whether s is a terminal content status.
func (s ContentStatus) IsTerminal() bool { return terminalContentStatuses[s] }

// FilterStatus tracks an article's position in the filter/triage lifecycle.
type FilterStatus string

const (
	FilterPending    FilterStatus = "pending"
	FilterUseful     FilterStatus = "useful"
	FilterUncertain  FilterStatus = "uncertain"
	FilterSkipped    FilterStatus = "skipped"
	FilterKeep       FilterStatus = "keep"
	FilterDelete     FilterStatus = "delete"
	FilterFineKeep   FilterStatus = "fine_keep"
	FilterFineDelete FilterStatus = "fine_delete"
)

// Routing is a Layer 1 routing decision.
type Routing string

const (
	RoutingDiscard      Routing = "discard"
	RoutingLightweight  Routing = "lightweight"
	RoutingFullAnalysis Routing = "full_analysis"
)

// Sentiment is the Layer 2 sentiment tag.
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

// EntityType classifies a related entity.
type EntityType string

const (
	EntityStock EntityType = "stock"
	EntityIndex EntityType = "index"
	EntityMacro EntityType = "macro"
)

// IndustryTags and EventTags enumerate the closed taxonomies from §4.9.
var IndustryTags = map[string]bool{
	"tech": true, "finance": true, "healthcare": true, "energy": true,
	"consumer": true, "industrial": true, "materials": true, "utilities": true,
	"realestate": true, "telecom": true,
}

var EventTags = map[string]bool{
	"earnings": true, "merger": true, "ipo": true, "regulatory": true,
	"executive": true, "product": true, "lawsuit": true, "dividend": true,
	"buyback": true, "guidance": true, "macro": true,
}

// Entity is a related entity extracted by Layer 2.
type Entity struct {
	Entity string     `json:"entity"`
	Type   EntityType `json:"type"`
	Score  float64    `json:"score"`
}

// Article is the central pipeline entity.
type Article struct {
	ID              string        `json:"id"`
	Source          string        `json:"source"`
	URL             string        `json:"url"`
	Title           string        `json:"title"`
	Summary         string        `json:"summary"`
	Symbol          string        `json:"symbol,omitempty"`
	MarketRegion    string        `json:"market_region,omitempty"`
	PublishedAt     time.Time     `json:"published_at"`
	IngestedAt      time.Time     `json:"ingested_at"`
	ContentStatus   ContentStatus `json:"content_status"`
	FilterStatus    FilterStatus  `json:"filter_status"`
	ContentFilePath string        `json:"content_file_path,omitempty"`

	RelatedEntities   []Entity  `json:"related_entities,omitempty"`
	IndustryTags      []string  `json:"industry_tags,omitempty"`
	EventTags         []string  `json:"event_tags,omitempty"`
	SentimentTag      Sentiment `json:"sentiment_tag,omitempty"`
	InvestmentSummary string    `json:"investment_summary,omitempty"`
	DetailedSummary   string    `json:"detailed_summary,omitempty"`
	AnalysisReport    string    `json:"analysis_report,omitempty"`
	PrimaryEntity     string    `json:"primary_entity,omitempty"`
	MaxEntityScore    float64   `json:"max_entity_score,omitempty"`
}

// HasEntities reports whether the article carries any related entities.
func (a *Article) HasEntities() bool { return len(a.RelatedEntities) > 0 }

// Feed is a subscription descriptor polled by the dispatcher (C10).
type Feed struct {
	ID                string        `json:"id"`
	Route             string        `json:"route"`
	Category          string        `json:"category"`
	PollInterval      time.Duration `json:"poll_interval"`
	FulltextMode      bool          `json:"fulltext_mode"`
	Enabled           bool          `json:"enabled"`
	LastPoll          time.Time     `json:"last_poll"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	ArticleCount      int64         `json:"article_count"`
}

// Due reports whether the feed is due for another poll at instant now.
func (f *Feed) Due(now time.Time) bool {
	return f.Enabled && now.Sub(f.LastPoll) >= f.PollInterval
}

// AgentScore is one perspective's contribution to a ScoreResult.
type AgentScore struct {
	Agent  string `json:"agent"`
	Tier   string `json:"tier"`
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// ScoreResult is the ephemeral Layer 1 per-article output.
type ScoreResult struct {
	ArticleURL string       `json:"article_url"`
	Scores     []AgentScore `json:"scores"`
	Total      int          `json:"total"`
	Routing    Routing      `json:"routing"`
	IsCritical bool         `json:"is_critical"`
	Rationale  string       `json:"rationale"`
}

// ImpactBlock is the Layer 2 impact-assessor agent's structured output.
type ImpactBlock struct {
	MarketImpact    string `json:"market_impact"`
	SectorImpact    string `json:"sector_impact"`
	StockImpact     string `json:"stock_impact"`
	TimeHorizon     string `json:"time_horizon"`     // short_term | medium_term | long_term
	ImpactMagnitude string `json:"impact_magnitude"` // high | medium | low
}

// DefaultImpactBlock is the fail-open default per §4.9.
func DefaultImpactBlock() ImpactBlock {
	return ImpactBlock{TimeHorizon: "medium_term", ImpactMagnitude: "medium"}
}

// PerAgentStats records token usage for one of the five Layer 2 agents.
type PerAgentStats struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	CachedTokens     int  `json:"cached_tokens"`
	Succeeded        bool `json:"succeeded"`
}

// CacheStats is the cache-efficacy block attached to an AnalysisResult.
type CacheStats struct {
	TotalTokens      int                      `json:"total_tokens"`
	PromptTokens     int                      `json:"prompt_tokens"`
	CompletionTokens int                      `json:"completion_tokens"`
	CachedTokens     int                      `json:"cached_tokens"`
	CacheHitRate     float64                  `json:"cache_hit_rate"`
	AgentsSucceeded  int                      `json:"agents_succeeded"`
	AgentsFailed     int                      `json:"agents_failed"`
	ElapsedMS        int64                    `json:"elapsed_ms"`
	PerAgent         map[string]PerAgentStats `json:"per_agent"`
}

// AnalysisResult is the ephemeral Layer 2 (C9) per-article output.
type AnalysisResult struct {
	Decision          string      `json:"decision"` // always "keep"
	Entities          []Entity    `json:"entities"`
	Sentiment         Sentiment   `json:"sentiment"`
	IndustryTags      []string    `json:"industry_tags"`
	EventTags         []string    `json:"event_tags"`
	InvestmentSummary string      `json:"investment_summary"`
	DetailedSummary   string      `json:"detailed_summary"`
	AnalysisReport    string      `json:"analysis_report"`
	Impact            ImpactBlock `json:"impact"`
	Cache             CacheStats  `json:"cache"`
	Error             string      `json:"error,omitempty"`
}

// EventStatus is a TraceEvent outcome.
type EventStatus string

const (
	EventSuccess EventStatus = "success"
	EventError   EventStatus = "error"
	EventSkip    EventStatus = "skip"
)

// TraceEvent is one append-only pipeline node execution record.
type TraceEvent struct {
	ID         int64          `json:"id,omitempty"`
	ArticleID  string         `json:"article_id"`
	Layer      string         `json:"layer"`
	Node       string         `json:"node"`
	Status     EventStatus    `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// maxTraceErrorLen bounds the truncated error string stored on a TraceEvent (§7).
const maxTraceErrorLen = 200

// NewTraceEvent builds a TraceEvent, truncating err to maxTraceErrorLen.
func NewTraceEvent(articleID, layer, node string, status EventStatus, dur time.Duration, meta map[string]any, errMsg string) TraceEvent {
	if len(errMsg) > maxTraceErrorLen {
		errMsg = errMsg[:maxTraceErrorLen]
	}
	return TraceEvent{
		ArticleID:  articleID,
		Layer:      layer,
		Node:       node,
		Status:     status,
		DurationMS: dur.Milliseconds(),
		Metadata:   meta,
		Error:      errMsg,
	}
}

// ContentFile is the payload persisted by Content Storage (C3).
type ContentFile struct {
	URL       string         `json:"url"`
	Title     string         `json:"title"`
	FullText  string         `json:"full_text"`
	WordCount int            `json:"word_count"`
	Language  string         `json:"language,omitempty"`
	Authors   []string       `json:"authors,omitempty"`
	Keywords  []string       `json:"keywords,omitempty"`
	TopImage  string         `json:"top_image,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
	Source    string         `json:"source"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
