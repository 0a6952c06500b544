// Package workflow implements Layer 2's per-article state machine (C8):
// read the fetched content file, filter it (two-phase deep analysis or the
// legacy single-stage check), embed on keep or delete on reject, then
// persist the outcome and the accumulated trace events in one pass.
// Grounded on news_pipeline.py's node/edge graph.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/settings"
)

// ContentReader is the subset of pkg/content.Store this package needs.
type ContentReader interface {
	Read(ctx context.Context, articleID string) (domain.ContentFile, error)
	Delete(ctx context.Context, articleID, path string) error
}

// ArticleStore is the subset of pgrepo.ArticleRepo this package needs.
type ArticleStore interface {
	Get(ctx context.Context, id string) (domain.Article, error)
	Update(ctx context.Context, a domain.Article) (domain.Article, error)
}

// TraceRecorder is the subset of pgrepo.TraceStore this package needs.
type TraceRecorder interface {
	RecordMany(ctx context.Context, evs []domain.TraceEvent) error
}

// Analyzer is the subset of engine/analysis.Service this package needs.
type Analyzer interface {
	FullAnalysis(ctx context.Context, title, cleanedText, imageInsights, symbol string) (domain.AnalysisResult, error)
}

// EmbedWriter is the subset of engine/semantic.Writer this package needs.
type EmbedWriter interface {
	Replace(ctx context.Context, sourceType, sourceID, content, symbol string) error
}

// StatsIncrementer is the subset of pkg/statsstore.Store this package needs.
type StatsIncrementer interface {
	Increment(ctx context.Context, name string) error
}

const (
	sourceTypeNews = "news"
	nodeTimeout    = 120 * time.Second
)

// Service runs the per-article Layer 2 workflow.
type Service struct {
	content  ContentReader
	articles ArticleStore
	trace    TraceRecorder
	analyzer Analyzer
	embedder EmbedWriter
	stats    StatsIncrementer
	gateway  *llm.Gateway
	resolver *settings.Resolver
	log      *slog.Logger
}

func NewService(content ContentReader, articles ArticleStore, trace TraceRecorder, analyzer Analyzer, embedder EmbedWriter, stats StatsIncrementer, gw *llm.Gateway, resolver *settings.Resolver, log *slog.Logger) *Service {
	return &Service{
		content: content, articles: articles, trace: trace,
		analyzer: analyzer, embedder: embedder, stats: stats,
		gateway: gw, resolver: resolver, log: log,
	}
}

// state is the mutable bag threaded through the node sequence — the Go
// analogue of the graph's per-run state dict.
type state struct {
	article     domain.Article
	useTwoPhase bool

	fullText string

	decision string
	analysis domain.AnalysisResult

	finalStatus string
	errString   string
	events      []domain.TraceEvent
}

func (st *state) record(node string, status domain.EventStatus, dur time.Duration, meta map[string]any, errMsg string) {
	st.events = append(st.events, domain.NewTraceEvent(st.article.ID, "2", node, status, dur, meta, errMsg))
}

// Run executes the full node sequence for one article and returns the final
// Article state plus every trace event recorded along the way. It never
// returns an error itself — every node failure defaults to an in-state
// outcome (typically "keep"), matching the graph's fail-open design.
func (s *Service) Run(ctx context.Context, articleID string, useTwoPhase bool) (domain.Article, []domain.TraceEvent) {
	article, err := s.articles.Get(ctx, articleID)
	if err != nil {
		return domain.Article{ID: articleID}, []domain.TraceEvent{
			domain.NewTraceEvent(articleID, "2", "read_file", domain.EventError, 0, nil, fmt.Sprintf("load article: %v", err)),
		}
	}

	st := &state{article: article, useTwoPhase: useTwoPhase}

	if !s.readFile(ctx, st) {
		s.updateDB(ctx, st)
		return st.article, st.events
	}

	if st.useTwoPhase {
		s.deepFilter(ctx, st)
	} else {
		s.singleFilter(ctx, st)
	}

	if st.decision == "delete" {
		s.markDeleted(ctx, st)
	} else {
		s.embed(ctx, st)
	}

	s.updateDB(ctx, st)
	return st.article, st.events
}

// readFile loads the content file Layer 1.5 saved. A missing or empty file
// is terminal — there is nothing to filter or embed.
func (s *Service) readFile(ctx context.Context, st *state) bool {
	start := time.Now()
	if st.article.ContentFilePath == "" {
		st.finalStatus = "failed"
		st.errString = "no content_file_path — content not fetched by layer 1.5"
		st.record("read_file", domain.EventError, time.Since(start), nil, st.errString)
		return false
	}

	cf, err := s.content.Read(ctx, st.article.ID)
	if err != nil || strings.TrimSpace(cf.FullText) == "" {
		st.finalStatus = "failed"
		if err != nil {
			st.errString = fmt.Sprintf("read content: %v", err)
		} else {
			st.errString = "content file has no full_text"
		}
		st.record("read_file", domain.EventError, time.Since(start), nil, st.errString)
		return false
	}

	st.fullText = cf.FullText
	st.record("read_file", domain.EventSuccess, time.Since(start),
		map[string]any{"word_count": cf.WordCount, "language": cf.Language}, "")
	return true
}

// deepFilter runs the five-agent analyzer and takes its Decision as the
// article's decision; an analyzer error or an empty Decision defaults to
// keep.
func (s *Service) deepFilter(ctx context.Context, st *state) {
	start := time.Now()
	agentCtx, cancel := context.WithTimeout(ctx, nodeTimeout)
	defer cancel()

	result, err := s.analyzer.FullAnalysis(agentCtx, st.article.Title, st.fullText, "", st.article.Symbol)
	if err != nil {
		st.decision = "keep"
		_ = s.stats.Increment(ctx, "fine_keep")
		st.record("deep_filter", domain.EventError, time.Since(start), nil, err.Error())
		return
	}

	st.analysis = result
	st.decision = result.Decision
	if st.decision == "" {
		st.decision = "keep"
	}

	if st.decision == "delete" {
		_ = s.stats.Increment(ctx, "fine_delete")
	} else {
		_ = s.stats.Increment(ctx, "fine_keep")
	}

	st.record("deep_filter", domain.EventSuccess, time.Since(start), map[string]any{
		"decision": st.decision, "entity_count": len(result.Entities), "sentiment_tag": string(result.Sentiment),
	}, "")
}

// singleFilter runs the legacy one-shot relevance check, ported from the
// evaluate_relevance task. Any failure defaults to keep.
func (s *Service) singleFilter(ctx context.Context, st *state) {
	start := time.Now()
	st.decision = "keep"

	cfg, err := s.resolver.Resolve(ctx, settings.PurposeNewsFilter)
	if err != nil {
		st.record("single_filter", domain.EventError, time.Since(start), nil, err.Error())
		return
	}

	excerpt := st.fullText
	if len(excerpt) > 4000 {
		excerpt = excerpt[:4000]
	}
	prompt := fmt.Sprintf(
		"Title: %s\nSummary: %s\nSymbol: %s\nContent:\n%s\n\nIs this article relevant to financial/market analysis? Reply with exactly one word: KEEP or DELETE.",
		st.article.Title, st.article.Summary, st.article.Symbol, excerpt)

	agentCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := s.gateway.Chat(agentCtx, cfg.ProviderType, llm.Request{
		Model: cfg.Model, Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		st.record("single_filter", domain.EventError, time.Since(start), nil, err.Error())
		return
	}

	if strings.Contains(strings.ToUpper(strings.TrimSpace(resp.Content)), "DELETE") {
		st.decision = "delete"
	}
	st.record("single_filter", domain.EventSuccess, time.Since(start), map[string]any{"decision": st.decision}, "")
}

// embed hands the article's full text to the Index/Embedding Writer (C11).
func (s *Service) embed(ctx context.Context, st *state) {
	start := time.Now()

	content := st.article.Title
	if st.fullText != "" {
		content = content + "\n\n" + st.fullText
	}
	if strings.TrimSpace(content) == "" {
		st.finalStatus = "failed"
		st.errString = "no content to embed"
		st.record("embed", domain.EventError, time.Since(start), nil, st.errString)
		return
	}

	embedCtx, cancel := context.WithTimeout(ctx, nodeTimeout)
	defer cancel()
	if err := s.embedder.Replace(embedCtx, sourceTypeNews, st.article.ID, content, st.article.Symbol); err != nil {
		st.finalStatus = "failed"
		st.errString = "embed: " + err.Error()
		_ = s.stats.Increment(ctx, "embedding_error")
		st.record("embed", domain.EventError, time.Since(start), nil, err.Error())
		return
	}

	st.finalStatus = "embedded"
	_ = s.stats.Increment(ctx, "embedding_success")
	st.record("embed", domain.EventSuccess, time.Since(start), nil, "")
}

// markDeleted flags the article as rejected and best-effort deletes its
// content file: a delete failure doesn't change the decision, matching
// mark_deleted_node's try/except around delete_content in the original
// pipeline.
func (s *Service) markDeleted(ctx context.Context, st *state) {
	start := time.Now()
	st.finalStatus = "deleted"

	if err := s.content.Delete(ctx, st.article.ID, st.article.ContentFilePath); err != nil {
		s.log.Warn("workflow: delete content file failed", "article_id", st.article.ID, "error", err)
	}

	st.record("mark_deleted", domain.EventSuccess, time.Since(start), map[string]any{"content_file_path": st.article.ContentFilePath}, "")
}

// updateDB folds the accumulated state into the Article record, writes the
// record, then persists the buffered trace events with one RecordMany call.
// The two writes are separate, not one transaction: a failed trace write
// does not undo the article update.
func (s *Service) updateDB(ctx context.Context, st *state) {
	start := time.Now()

	switch st.finalStatus {
	case "embedded":
		st.article.ContentStatus = domain.ContentEmbedded
		if len(st.analysis.Entities) > 0 {
			st.article.RelatedEntities = st.analysis.Entities
			st.article.MaxEntityScore = maxScore(st.analysis.Entities)
			st.article.PrimaryEntity, _ = primaryEntity(st.analysis.Entities)
		}
		if len(st.analysis.IndustryTags) > 0 {
			st.article.IndustryTags = st.analysis.IndustryTags
		}
		if len(st.analysis.EventTags) > 0 {
			st.article.EventTags = st.analysis.EventTags
		}
		if st.analysis.Sentiment != "" {
			st.article.SentimentTag = st.analysis.Sentiment
		}
		if st.analysis.InvestmentSummary != "" {
			st.article.InvestmentSummary = st.analysis.InvestmentSummary
		}
		if st.analysis.DetailedSummary != "" {
			st.article.DetailedSummary = st.analysis.DetailedSummary
		}
		if st.analysis.AnalysisReport != "" {
			st.article.AnalysisReport = st.analysis.AnalysisReport
		}
		if st.useTwoPhase {
			st.article.FilterStatus = domain.FilterFineKeep
		}
	case "deleted":
		st.article.ContentStatus = domain.ContentDeleted
		st.article.ContentFilePath = ""
		if st.useTwoPhase {
			st.article.FilterStatus = domain.FilterFineDelete
		}
	case "failed":
		if st.article.ContentStatus != domain.ContentFailed && st.article.ContentStatus != domain.ContentBlocked {
			if strings.Contains(strings.ToLower(st.errString), "embed") {
				st.article.ContentStatus = domain.ContentEmbeddingFailed
			}
		}
	}

	updated, err := s.articles.Update(ctx, st.article)
	if err != nil {
		st.record("update_db", domain.EventError, time.Since(start), nil, err.Error())
	} else {
		st.article = updated
		st.record("update_db", domain.EventSuccess, time.Since(start),
			map[string]any{"final_status": st.finalStatus, "content_status": string(st.article.ContentStatus)}, "")
	}

	if err := s.trace.RecordMany(ctx, st.events); err != nil {
		s.log.Warn("workflow: record trace events failed", "article_id", st.article.ID, "error", err)
	}
}

func maxScore(entities []domain.Entity) float64 {
	var max float64
	for _, e := range entities {
		if e.Score > max {
			max = e.Score
		}
	}
	return max
}

// primaryEntity prefers the first stock-typed entity, falling back to the
// first entity of any type, matching update_db_node's selection order.
func primaryEntity(entities []domain.Entity) (string, domain.EntityType) {
	for _, e := range entities {
		if e.Type == domain.EntityStock {
			return e.Entity, e.Type
		}
	}
	if len(entities) > 0 {
		return entities[0].Entity, entities[0].Type
	}
	return "", ""
}
