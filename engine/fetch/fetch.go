// Package fetch implements Layer 1.5 — content fetch and batch dispatch
// (C7): for each routed article, walk a provider chain (scraper first,
// vendor API fallback) under a bounded per-call timeout, persist whatever
// text comes back, and hand successful articles off to Layer 2 in fixed-size
// batches so downstream workers see steady load instead of bursts.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/fn"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/natsutil"
	"github.com/avesed/webstock/pkg/settings"
)

// FetchItem is one article queued for Layer 1.5.
type FetchItem struct {
	ArticleID     string
	URL           string
	Symbol        string
	MarketRegion  string
	ProviderChain []string // provider names, tried in order; empty means Service.defaultChain
	LegacyFilter  bool     // routed by the legacy single-stage filter, not C6
}

// Layer2Job is what gets enqueued to the Layer-2 NATS subject on success.
type Layer2Job struct {
	ArticleID       string `json:"article_id"`
	ContentFilePath string `json:"content_file_path"`
	ContentStatus   string `json:"content_status"`
	Symbol          string `json:"symbol"`
}

// ContentSaver is the subset of pkg/content.Store this package needs.
type ContentSaver interface {
	Save(ctx context.Context, articleID string, cf domain.ContentFile) (string, error)
}

// ArticleUpdater is the subset of pgrepo.ArticleRepo this package needs.
type ArticleUpdater interface {
	Get(ctx context.Context, id string) (domain.Article, error)
	Update(ctx context.Context, a domain.Article) (domain.Article, error)
}

// TraceRecorder is the subset of pgrepo.TraceStore this package needs.
type TraceRecorder interface {
	RecordMany(ctx context.Context, evs []domain.TraceEvent) error
}

// Publisher is the subset of pkg/natsutil this package needs, narrowed to an
// interface so batch dispatch can be tested without a live NATS connection.
type Publisher interface {
	Publish(ctx context.Context, subject string, job Layer2Job) error
}

const (
	SubjectLayer2     = "jobs.layer2"
	fetchTimeout      = 20 * time.Second
	fetchRetryBackoff = 2 * time.Second
	minWordCount      = 80 // below this, a successful fetch is still "partial"
)

const defaultChunkSize = 10

// Service is the Layer 1.5 content fetcher and dispatcher.
type Service struct {
	chain     *ProviderChain
	content   ContentSaver
	articles  ArticleUpdater
	trace     TraceRecorder
	publisher Publisher
	gateway   *llm.Gateway
	resolver  *settings.Resolver
	log       *slog.Logger
}

func NewService(chain *ProviderChain, content ContentSaver, articles ArticleUpdater, trace TraceRecorder, publisher Publisher, gw *llm.Gateway, resolver *settings.Resolver, log *slog.Logger) *Service {
	return &Service{
		chain: chain, content: content, articles: articles, trace: trace,
		publisher: publisher, gateway: gw, resolver: resolver, log: log,
	}
}

// itemOutcome is one item's result, before trace/dispatch side effects.
type itemOutcome struct {
	item    FetchItem
	article domain.Article
	job     *Layer2Job // nil if the item should not be enqueued
	event   domain.TraceEvent
}

// BatchFetch fetches every item, persisting and updating state as it goes,
// then dispatches successful items to Layer 2 in chunkSize groups (default
// ~10) so the downstream subject never sees the whole batch at once.
func (s *Service) BatchFetch(ctx context.Context, items []FetchItem, chunkSize int) error {
	if len(items) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	outcomes := fn.ParMap(items, 8, func(it FetchItem) itemOutcome {
		return s.fetchOne(ctx, it)
	})

	events := make([]domain.TraceEvent, 0, len(outcomes))
	var toEnqueue []Layer2Job
	for _, o := range outcomes {
		events = append(events, o.event)
		if o.job != nil {
			toEnqueue = append(toEnqueue, *o.job)
		}
	}
	if err := s.trace.RecordMany(ctx, events); err != nil {
		s.log.Warn("fetch: record trace events failed", "error", err)
	}

	for _, chunk := range fn.Chunk(toEnqueue, chunkSize) {
		for _, job := range chunk {
			if err := s.publisher.Publish(ctx, SubjectLayer2, job); err != nil {
				s.log.Error("fetch: enqueue layer2 job failed", "article_id", job.ArticleID, "error", err)
			}
		}
	}
	return nil
}

func (s *Service) fetchOne(ctx context.Context, item FetchItem) itemOutcome {
	start := time.Now()
	result, provider, err := s.fetchWithRetry(ctx, item)
	dur := time.Since(start)

	article, getErr := s.articles.Get(ctx, item.ArticleID)
	if getErr != nil {
		return itemOutcome{item: item, event: domain.NewTraceEvent(item.ArticleID, "layer1_5", "fetch",
			domain.EventError, dur, nil, fmt.Sprintf("load article: %v", getErr))}
	}

	if err != nil {
		article.ContentStatus = classifyFailure(err)
		if _, uerr := s.articles.Update(ctx, article); uerr != nil {
			s.log.Error("fetch: mark failed article failed", "article_id", item.ArticleID, "error", uerr)
		}
		return itemOutcome{
			item: item, article: article,
			event: domain.NewTraceEvent(item.ArticleID, "layer1_5", "fetch", domain.EventError, dur,
				map[string]any{"provider": provider, "category": errorCategory(err)}, err.Error()),
		}
	}

	cf := domain.ContentFile{
		URL: item.URL, Title: article.Title, FullText: result.Text,
		WordCount: result.WordCount, Language: result.Language,
		Authors: result.Authors, FetchedAt: time.Now(), Source: provider,
	}
	path, err := s.content.Save(ctx, item.ArticleID, cf)
	if err != nil {
		article.ContentStatus = domain.ContentFailed
		if _, uerr := s.articles.Update(ctx, article); uerr != nil {
			s.log.Error("fetch: mark failed after save error failed", "article_id", item.ArticleID, "error", uerr)
		}
		return itemOutcome{
			item: item, article: article,
			event: domain.NewTraceEvent(item.ArticleID, "layer1_5", "fetch", domain.EventError, dur,
				map[string]any{"provider": provider}, fmt.Sprintf("persist content: %v", err)),
		}
	}

	partial := result.WordCount < minWordCount
	if partial {
		article.ContentStatus = domain.ContentPartial
	} else {
		article.ContentStatus = domain.ContentFetched
	}
	article.ContentFilePath = path

	if item.LegacyFilter {
		if !s.legacyRelevanceCheck(ctx, article, result.Text) {
			article.ContentStatus = domain.ContentDeleted
			if _, uerr := s.articles.Update(ctx, article); uerr != nil {
				s.log.Error("fetch: mark deleted by legacy filter failed", "article_id", item.ArticleID, "error", uerr)
			}
			return itemOutcome{
				item: item, article: article,
				event: domain.NewTraceEvent(item.ArticleID, "layer1_5", "fetch", domain.EventSuccess, dur,
					map[string]any{"provider": provider, "word_count": result.WordCount, "legacy_filtered": true}, ""),
			}
		}
	}

	if _, err := s.articles.Update(ctx, article); err != nil {
		s.log.Error("fetch: update fetched article failed", "article_id", item.ArticleID, "error", err)
	}

	return itemOutcome{
		item: item, article: article,
		job: &Layer2Job{ArticleID: item.ArticleID, ContentFilePath: path, ContentStatus: string(article.ContentStatus), Symbol: item.Symbol},
		event: domain.NewTraceEvent(item.ArticleID, "layer1_5", "fetch", domain.EventSuccess, dur,
			map[string]any{"provider": provider, "word_count": result.WordCount, "partial": partial}, ""),
	}
}

// NatsPublisher adapts a live *nats.Conn to the Publisher interface.
type NatsPublisher struct {
	Conn *nats.Conn
}

func (p NatsPublisher) Publish(ctx context.Context, subject string, job Layer2Job) error {
	return natsutil.Publish(ctx, p.Conn, subject, job)
}

// classifyFailure distinguishes a blocked/paywalled source from a transient
// transport failure (§4.7) so the article lands in content_status=blocked vs
// content_status=failed.
func classifyFailure(err error) domain.ContentStatus {
	if errors.Is(err, ErrBlocked) {
		return domain.ContentBlocked
	}
	return domain.ContentFailed
}

// classifyProcessing wraps a provider error with the processing-error
// category it belongs to (§7): blocked sources are content errors, a
// missing vendor config is a configuration error, an unparseable page is a
// parse error, and everything else (timeouts, connection resets, non-200
// statuses) is presumed transient.
func classifyProcessing(err error) error {
	switch {
	case errors.Is(err, ErrBlocked):
		return fmt.Errorf("%w: %w", domain.ErrContent, err)
	case errors.Is(err, ErrNoVendorConfig):
		return fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	case errors.Is(err, ErrUnparseable):
		return fmt.Errorf("%w: %w", domain.ErrParse, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
}

// errorCategory renders classifyProcessing's category as a string for trace
// event metadata, so the admin events endpoint can filter/group failures by
// category without parsing error text.
func errorCategory(err error) string {
	switch wrapped := classifyProcessing(err); {
	case errors.Is(wrapped, domain.ErrContent):
		return "content"
	case errors.Is(wrapped, domain.ErrConfiguration):
		return "configuration"
	case errors.Is(wrapped, domain.ErrParse):
		return "parse"
	default:
		return "transient"
	}
}

// fetchWithRetry runs the provider chain once, and once more after a fixed
// backoff if the first attempt's failure classifies as transient — the only
// category worth a same-process retry, since core NATS carries no message
// redelivery to fall back on.
func (s *Service) fetchWithRetry(ctx context.Context, item FetchItem) (FetchResult, string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	result, provider, err := s.chain.Fetch(fetchCtx, item.URL, item.ProviderChain)
	if err == nil || !errors.Is(classifyProcessing(err), domain.ErrTransient) {
		return result, provider, err
	}

	select {
	case <-time.After(fetchRetryBackoff):
	case <-ctx.Done():
		return result, provider, err
	}

	retryCtx, retryCancel := context.WithTimeout(ctx, fetchTimeout)
	defer retryCancel()
	return s.chain.Fetch(retryCtx, item.URL, item.ProviderChain)
}
