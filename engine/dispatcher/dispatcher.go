// Package dispatcher implements the RSS/vendor ingest dispatcher (C10): on
// each tick it polls every feed past its poll interval, dedups new headlines
// against the article store, and splits survivors into the fulltext-mode
// path (straight to Layer 2) and the standard path (an optional cheap
// relevance check, then a Layer 1 scoring job). Grounded on
// rss_monitor.py's monitor_rss_feeds task.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/engine/fetch"
	"github.com/avesed/webstock/pkg/fn"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/natsutil"
	"github.com/avesed/webstock/pkg/repo"
	"github.com/avesed/webstock/pkg/settings"
	"github.com/avesed/webstock/pkg/statsstore"
)

// SubjectScore is the NATS subject standard-mode articles are published to
// for cmd/worker to drain into Layer 1 scoring batches.
const SubjectScore = "jobs.score"

// ScoreJob is one standard-mode article queued for Layer 1 scoring. Layer 1
// itself only knows a Candidate by URL (§4.6); ScoreJob carries the
// article's ID alongside so the consumer can correlate a ScoreResult back
// to the row it came from.
type ScoreJob struct {
	ArticleID    string `json:"article_id"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	Symbol       string `json:"symbol"`
	MarketRegion string `json:"market_region"`
	UseTwoPhase  bool   `json:"use_two_phase"`
}

// Headline is one candidate article surfaced by a feed poll, before it
// becomes a domain.Article row.
type Headline struct {
	URL          string
	Title        string
	Summary      string
	Symbol       string
	MarketRegion string
	PublishedAt  time.Time
}

// FeedFetcher fetches headline candidates for one feed. Implementations
// cover RSS (RSSFetcher) and vendor HTTP APIs.
type FeedFetcher interface {
	FetchHeadlines(ctx context.Context, feed domain.Feed) ([]Headline, error)
}

// FeedStore is the subset of pgrepo.FeedRepo this package needs.
type FeedStore interface {
	List(ctx context.Context, opts repo.ListOpts) ([]domain.Feed, error)
	Update(ctx context.Context, f domain.Feed) (domain.Feed, error)
}

// ArticleCreator is the subset of pgrepo.ArticleRepo this package needs.
// Create is dedup-aware: a (source, url) conflict returns the pre-existing
// row rather than erroring (§4.10's dedup invariant).
type ArticleCreator interface {
	Create(ctx context.Context, a domain.Article) (domain.Article, error)
}

// ScorePublisher publishes standard-mode articles onto the score subject.
type ScorePublisher interface {
	Publish(ctx context.Context, subject string, job ScoreJob) error
}

// Layer2Publisher publishes fulltext-mode articles directly onto Layer 2,
// skipping both scoring and fetch-dispatch batching.
type Layer2Publisher interface {
	Publish(ctx context.Context, subject string, job fetch.Layer2Job) error
}

// ProgressRecorder is the subset of pkg/statsstore.Store this package needs.
// Redis progress fields are numeric only (percent, counts); human-readable
// stage narration goes to the logger instead, since a dispatcher run's
// stage/message pair doesn't fit a single int64 HSET field.
type ProgressRecorder interface {
	SetProgress(ctx context.Context, key statsstore.ProgressKey, field string, value int64, ttl time.Duration) error
}

// Stage codes written to the numeric "stage" progress field.
const (
	StageIdle        int64 = 0
	StagePolling     int64 = 1
	StageDispatching int64 = 2
	StageDone        int64 = 3
)

const (
	feedConcurrency      = 3
	progressTTL          = 10 * time.Minute
	headlineFetchTimeout = 20 * time.Second
	initialFilterTimeout = 15 * time.Second
	initialFilterMaxLen  = 300
)

// ProgressKey is the Redis progress key a tick's stage/percent counters are
// written under, read back by the admin monitor-status endpoint.
const ProgressKey statsstore.ProgressKey = "dispatcher"

// SubjectTrigger is the NATS subject an operator-triggered tick is published
// to, letting an admin endpoint kick off a poll outside the cron schedule.
const SubjectTrigger = "jobs.dispatcher.trigger"

// TriggerJob requests an out-of-band tick, tagged with a task ID the
// triggering caller can hand back to its own client.
type TriggerJob struct {
	TaskID string `json:"task_id"`
}

// TickOptions mirrors the two settings rss_monitor.py reads at the top of
// every run: whether Layer 2 should run the full two-phase filter, and
// whether the cheap title/summary prefilter runs at all before scoring.
type TickOptions struct {
	UseTwoPhase      bool
	RunInitialFilter bool
}

// Stats summarizes one Tick.
type Stats struct {
	FeedsDue           int
	FeedsPolled        int
	FeedErrors         int
	HeadlinesSeen      int
	NewArticles        int
	Duplicates         int
	FulltextDispatched int
	ScoreDispatched    int
	FilteredOut        int
}

// Service polls due feeds and dispatches new articles downstream.
type Service struct {
	feeds    FeedStore
	articles ArticleCreator
	fetcher  FeedFetcher
	scores   ScorePublisher
	layer2   Layer2Publisher
	progress ProgressRecorder
	gateway  *llm.Gateway
	resolver *settings.Resolver
	log      *slog.Logger
}

func NewService(feeds FeedStore, articles ArticleCreator, fetcher FeedFetcher, scores ScorePublisher, layer2 Layer2Publisher, progress ProgressRecorder, gw *llm.Gateway, resolver *settings.Resolver, log *slog.Logger) *Service {
	return &Service{
		feeds: feeds, articles: articles, fetcher: fetcher,
		scores: scores, layer2: layer2, progress: progress,
		gateway: gw, resolver: resolver, log: log,
	}
}

// Tick polls every due feed once, bounded to feedConcurrency in parallel,
// and dispatches every new article it finds. It never returns an error for
// a single feed's failure — that feed's consecutive_errors counter is
// bumped and the tick continues with the rest.
func (s *Service) Tick(ctx context.Context, opts TickOptions) (Stats, error) {
	s.setProgress(ctx, "stage", StagePolling)

	due, err := s.feeds.List(ctx, repo.ListOpts{Filter: map[string]any{"due": "true"}})
	if err != nil {
		s.setProgress(ctx, "stage", StageIdle)
		return Stats{}, fmt.Errorf("dispatcher: list due feeds: %w", err)
	}

	stats := Stats{FeedsDue: len(due)}
	if len(due) == 0 {
		s.setProgress(ctx, "stage", StageDone)
		s.setProgress(ctx, "percent", 100)
		return stats, nil
	}

	s.log.Info("dispatcher: tick started", "feeds_due", len(due))
	s.setProgress(ctx, "stage", StageDispatching)

	outcomes := fn.ParMap(due, feedConcurrency, func(feed domain.Feed) feedOutcome {
		return s.pollFeed(ctx, feed, opts)
	})

	for i, o := range outcomes {
		stats.FeedsPolled++
		if o.err != nil {
			stats.FeedErrors++
			s.log.Error("dispatcher: poll feed failed", "feed_id", o.feedID, "route", o.route, "error", o.err)
		}
		stats.HeadlinesSeen += o.headlinesSeen
		stats.NewArticles += o.newArticles
		stats.Duplicates += o.duplicates
		stats.FulltextDispatched += o.fulltextDispatched
		stats.ScoreDispatched += o.scoreDispatched
		stats.FilteredOut += o.filteredOut
		s.setProgress(ctx, "percent", int64((i+1)*100/len(due)))
	}

	s.setProgress(ctx, "stage", StageDone)
	s.setProgress(ctx, "new_articles", int64(stats.NewArticles))
	s.setProgress(ctx, "feed_errors", int64(stats.FeedErrors))
	s.log.Info("dispatcher: tick finished",
		"feeds_polled", stats.FeedsPolled, "new_articles", stats.NewArticles,
		"duplicates", stats.Duplicates, "fulltext", stats.FulltextDispatched,
		"scored", stats.ScoreDispatched, "filtered_out", stats.FilteredOut,
		"feed_errors", stats.FeedErrors)
	return stats, nil
}

func (s *Service) setProgress(ctx context.Context, field string, value int64) {
	if s.progress == nil {
		return
	}
	if err := s.progress.SetProgress(ctx, ProgressKey, field, value, progressTTL); err != nil {
		s.log.Warn("dispatcher: set progress failed", "field", field, "error", err)
	}
}

type feedOutcome struct {
	feedID, route                                                       string
	err                                                                  error
	headlinesSeen, newArticles, duplicates, fulltextDispatched, scoreDispatched, filteredOut int
}

func (s *Service) pollFeed(ctx context.Context, feed domain.Feed, opts TickOptions) feedOutcome {
	out := feedOutcome{feedID: feed.ID, route: feed.Route}

	fetchCtx, cancel := context.WithTimeout(ctx, headlineFetchTimeout)
	headlines, err := s.fetcher.FetchHeadlines(fetchCtx, feed)
	cancel()
	if err != nil {
		feed.ConsecutiveErrors++
		if _, uerr := s.feeds.Update(ctx, feed); uerr != nil {
			s.log.Error("dispatcher: record feed error failed", "feed_id", feed.ID, "error", uerr)
		}
		out.err = err
		return out
	}

	feed.ConsecutiveErrors = 0
	feed.LastPoll = time.Now()
	out.headlinesSeen = len(headlines)

	// Persist every headline first, so feed progress can be committed before
	// the (potentially slow, LLM-backed) initial-filter pass below ever runs.
	var toRoute []domain.Article
	for _, h := range headlines {
		candidate := domain.Article{
			ID: uuid.NewString(), Source: feed.Route, URL: h.URL, Title: h.Title,
			Summary: h.Summary, Symbol: h.Symbol, MarketRegion: h.MarketRegion,
			PublishedAt: h.PublishedAt, ContentStatus: domain.ContentPending,
			FilterStatus: domain.FilterPending,
		}
		created, err := s.articles.Create(ctx, candidate)
		if err != nil {
			s.log.Error("dispatcher: create article failed", "feed_id", feed.ID, "url", h.URL, "error", err)
			continue
		}
		if created.ID != candidate.ID {
			out.duplicates++
			continue
		}
		out.newArticles++
		feed.ArticleCount++
		toRoute = append(toRoute, created)
	}

	if _, err := s.feeds.Update(ctx, feed); err != nil {
		s.log.Error("dispatcher: update feed after poll failed", "feed_id", feed.ID, "error", err)
	}

	for _, created := range toRoute {
		if feed.FulltextMode {
			s.dispatchFulltext(ctx, created)
			out.fulltextDispatched++
			continue
		}

		if opts.RunInitialFilter && s.shouldSkip(ctx, created) {
			out.filteredOut++
			continue
		}
		s.dispatchScore(ctx, created, opts.UseTwoPhase)
		out.scoreDispatched++
	}

	return out
}

// dispatchFulltext sends a fulltext-mode article directly to Layer 2,
// skipping Layer 1 scoring and Layer 1.5's fetch-dispatch batching (§4.10).
func (s *Service) dispatchFulltext(ctx context.Context, a domain.Article) {
	job := fetch.Layer2Job{
		ArticleID: a.ID, ContentFilePath: a.ContentFilePath,
		ContentStatus: string(a.ContentStatus), Symbol: a.Symbol,
	}
	if err := s.layer2.Publish(ctx, fetch.SubjectLayer2, job); err != nil {
		s.log.Error("dispatcher: publish layer2 job failed", "article_id", a.ID, "error", err)
	}
}

func (s *Service) dispatchScore(ctx context.Context, a domain.Article, useTwoPhase bool) {
	job := ScoreJob{
		ArticleID: a.ID, URL: a.URL, Title: a.Title, Summary: a.Summary,
		Symbol: a.Symbol, MarketRegion: a.MarketRegion, UseTwoPhase: useTwoPhase,
	}
	if err := s.scores.Publish(ctx, SubjectScore, job); err != nil {
		s.log.Error("dispatcher: publish score job failed", "article_id", a.ID, "error", err)
	}
}

// shouldSkip runs the cheap title/summary prefilter ported from
// _run_initial_filter_if_enabled, truncating the summary to
// initialFilterMaxLen chars. Any resolver/provider failure fails open
// (article is not skipped) so a flaky prefilter never silently drops
// coverage.
func (s *Service) shouldSkip(ctx context.Context, a domain.Article) bool {
	cfg, err := s.resolver.Resolve(ctx, settings.PurposeNewsFilter)
	if err != nil {
		return false
	}

	summary := a.Summary
	if len(summary) > initialFilterMaxLen {
		summary = summary[:initialFilterMaxLen]
	}
	prompt := fmt.Sprintf(
		"Title: %s\nSummary: %s\n\nIs this article worth a full financial/market relevance check? Reply with exactly one word: KEEP or SKIP.",
		a.Title, summary)

	filterCtx, cancel := context.WithTimeout(ctx, initialFilterTimeout)
	defer cancel()
	resp, err := s.gateway.Chat(filterCtx, cfg.ProviderType, llm.Request{
		Model: cfg.Model, Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToUpper(strings.TrimSpace(resp.Content)), "SKIP")
}

// NatsScorePublisher adapts a live *nats.Conn to ScorePublisher.
type NatsScorePublisher struct {
	Conn *nats.Conn
}

func (p NatsScorePublisher) Publish(ctx context.Context, subject string, job ScoreJob) error {
	return natsutil.Publish(ctx, p.Conn, subject, job)
}
