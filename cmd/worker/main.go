// Command worker drains the pipeline's NATS job subjects: it batches
// "jobs.score" messages into Layer 1 scoring runs, batches the survivors
// into Layer 1.5 fetch dispatch, and runs the Layer 2 per-article workflow
// for every "jobs.layer2" message, whether it arrived via Layer 1.5 or was
// dispatched directly by a fulltext-mode feed.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/avesed/webstock/engine/analysis"
	"github.com/avesed/webstock/engine/dispatcher"
	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/engine/fetch"
	"github.com/avesed/webstock/engine/scoring"
	"github.com/avesed/webstock/engine/semantic"
	"github.com/avesed/webstock/engine/workflow"
	"github.com/avesed/webstock/pkg/content"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/metrics"
	"github.com/avesed/webstock/pkg/natsutil"
	"github.com/avesed/webstock/pkg/pgrepo"
	"github.com/avesed/webstock/pkg/settings"
	"github.com/avesed/webstock/pkg/statsstore"
)

var met = metrics.New()

var (
	mScoreJobsTotal  = met.Counter("webstock_worker_score_jobs_total", "Score jobs consumed off jobs.score")
	mScoreBatches    = met.Counter("webstock_worker_score_batches_total", "Layer 1 batches scored")
	mRoutingTotal    = func(routing string) *metrics.Counter { return met.Counter(metrics.WithLabels("webstock_worker_routing_total", "routing", routing), "Articles by Layer 1 routing decision") }
	mFetchBatches    = met.Counter("webstock_worker_fetch_batches_total", "Layer 1.5 batches dispatched")
	mLayer2JobsTotal = met.Counter("webstock_worker_layer2_jobs_total", "Layer 2 jobs consumed off jobs.layer2")
	mLayer2Dur       = met.Histogram("webstock_worker_layer2_duration_seconds", "Per-article Layer 2 workflow time", nil)
	mWorkflowResult  = func(status string) *metrics.Counter { return met.Counter(metrics.WithLabels("webstock_worker_workflow_result_total", "status", status), "Layer 2 outcomes by final content status") }
)

type config struct {
	NatsURL          string
	PostgresDSN      string
	RedisURL         string
	ContentDir       string
	QdrantURL        string
	QdrantCollection string
	MetricsPort      int

	OpenAIBaseURL    string
	OpenAIAPIKey     string
	AnthropicBaseURL string
	AnthropicAPIKey  string
	OllamaBaseURL    string

	ScoreFlushInterval time.Duration
	ScoreBatchSize     int
	FetchBatchSize     int
}

func loadConfig() config {
	return config{
		NatsURL:          envOr("NATS_URL", nats.DefaultURL),
		PostgresDSN:      envOr("POSTGRES_DSN", "postgres://localhost:5432/webstock"),
		RedisURL:         envOr("REDIS_URL", "redis://localhost:6379/0"),
		ContentDir:       envOr("CONTENT_DIR", "/var/lib/webstock/content"),
		QdrantURL:        envOr("QDRANT_URL", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "webstock_news"),
		MetricsPort:      9091,

		OpenAIBaseURL:    envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicBaseURL: envOr("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OllamaBaseURL:    envOr("OLLAMA_BASE_URL", "http://localhost:11434/v1"),

		ScoreFlushInterval: 5 * time.Second,
		ScoreBatchSize:     20,
		FetchBatchSize:     10,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

const embeddingDims = 1536 // text-embedding-3-small

// layer2JobTimeout is the hard wall-clock limit on a single Layer 2 job.
// Exceeding it fails the job and lets JetStream redeliver it rather than
// leaving a worker stuck mid-article forever.
const layer2JobTimeout = 5 * time.Minute

// layer2SoftTimeout only trips a warning log; layer2JobTimeout is what
// actually cancels the job.
const layer2SoftTimeout = 4 * time.Minute

const layer2MaxDeliver = 5

var layer2Backoff = []time.Duration{10 * time.Second, 30 * time.Second, time.Minute, 2 * time.Minute, 5 * time.Minute}

func run(cfg config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("webstock_worker", 15*time.Second)
	met.ServeAsync(cfg.MetricsPort)

	pool, err := pgrepo.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return err
	}
	defer nc.Close()

	statsDB, err := statsstore.New(cfg.RedisURL, log)
	if err != nil {
		return err
	}
	defer statsDB.Close()

	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		return err
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, embeddingDims); err != nil {
		return err
	}

	gateway := llm.NewGateway(map[string]llm.Provider{
		"openai":    llm.NewHTTPProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey),
		"anthropic": llm.NewHTTPProvider(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey),
		"ollama":    llm.NewHTTPProvider(cfg.OllamaBaseURL, ""),
	})
	resolver := settings.NewResolver(defaultPurposeAssignments())

	articles := pgrepo.NewArticleRepo(pool)
	traceStore := pgrepo.NewTraceStore(pool)
	contentMeta := pgrepo.NewContentFileMetaRepo(pool)
	contentStore := content.New(cfg.ContentDir, contentMeta)

	scoreSvc := scoring.NewService(gateway, resolver, statsDB, scoring.DefaultThresholds, log)

	httpClient := &http.Client{Timeout: 20 * time.Second}
	chain := fetch.NewProviderChain(
		fetch.NewScraperProvider(httpClient),
		fetch.NewVendorProvider(httpClient, "", ""),
	)
	fetchSvc := fetch.NewService(chain, contentStore, articles, traceStore, fetch.NatsPublisher{Conn: nc}, gateway, resolver, log)

	analyzer := analysis.NewService(gateway, resolver, statsDB, log)
	embedWriter := semantic.NewWriter(vectorStore, gateway, pool, "openai", "text-embedding-3-small")
	workflowSvc := workflow.NewService(contentStore, articles, traceStore, analyzer, embedWriter, statsDB, gateway, resolver, log)

	w := &worker{
		cfg: cfg, log: log,
		articles: articles, scorer: scoreSvc, fetchSvc: fetchSvc, workflowSvc: workflowSvc,
	}

	scoreSub, err := natsutil.Subscribe(nc, dispatcher.SubjectScore, w.onScoreJob)
	if err != nil {
		return err
	}
	defer scoreSub.Unsubscribe()

	js, err := nc.JetStream()
	if err != nil {
		return err
	}
	if err := natsutil.EnsureStream(js, "JOBS", fetch.SubjectLayer2); err != nil {
		return err
	}
	layer2Sub, err := natsutil.SubscribeJS(js, fetch.SubjectLayer2, "layer2-worker", layer2MaxDeliver, layer2Backoff, w.onLayer2Job)
	if err != nil {
		return err
	}
	defer layer2Sub.Unsubscribe()

	go w.runScoreFlushLoop(ctx)

	log.Info("worker ready", "nats", cfg.NatsURL, "score_subject", dispatcher.SubjectScore, "layer2_subject", fetch.SubjectLayer2)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// articleStore is the subset of pgrepo.ArticleRepo the worker needs.
type articleStore interface {
	Get(ctx context.Context, id string) (domain.Article, error)
	Update(ctx context.Context, a domain.Article) (domain.Article, error)
}

// scorer is the subset of engine/scoring.Service the worker needs.
type scorer interface {
	BatchScore(ctx context.Context, articles []scoring.Candidate, batchSize int) ([]domain.ScoreResult, error)
}

// fetcher is the subset of engine/fetch.Service the worker needs.
type fetcher interface {
	BatchFetch(ctx context.Context, items []fetch.FetchItem, chunkSize int) error
}

// workflowRunner is the subset of engine/workflow.Service the worker needs.
type workflowRunner interface {
	Run(ctx context.Context, articleID string, useTwoPhase bool) (domain.Article, []domain.TraceEvent)
}

func defaultPurposeAssignments() map[settings.Purpose]settings.ProviderConfig {
	return map[settings.Purpose]settings.ProviderConfig{
		settings.PurposeLayer1Scoring:     {ProviderType: "openai", Model: "gpt-4o-mini"},
		settings.PurposeLayer2Analysis:    {ProviderType: "openai", Model: "gpt-4o"},
		settings.PurposeLayer2Lightweight: {ProviderType: "openai", Model: "gpt-4o-mini"},
		settings.PurposeLayer15Cleaning:   {ProviderType: "openai", Model: "gpt-4o-mini"},
		settings.PurposeNewsFilter:        {ProviderType: "openai", Model: "gpt-4o-mini"},
		settings.PurposeContentExtraction: {ProviderType: "openai", Model: "gpt-4o-mini"},
	}
}

// worker holds the mutable batching state for the score-job consumer and
// wires every downstream service the two consumers drive.
type worker struct {
	cfg config
	log *slog.Logger

	articles    articleStore
	scorer      scorer
	fetchSvc    fetcher
	workflowSvc workflowRunner

	mu      sync.Mutex
	pending []dispatcher.ScoreJob
}

// onScoreJob buffers an incoming score job; the flush loop drains the
// buffer on a timer or once it reaches ScoreBatchSize, whichever comes
// first, so Layer 1 always sees steady batches instead of singleton calls.
func (w *worker) onScoreJob(ctx context.Context, job dispatcher.ScoreJob) {
	mScoreJobsTotal.Inc()
	w.mu.Lock()
	w.pending = append(w.pending, job)
	full := len(w.pending) >= w.cfg.ScoreBatchSize
	w.mu.Unlock()
	if full {
		w.flushScoreBatch(ctx)
	}
}

func (w *worker) runScoreFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ScoreFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flushScoreBatch(ctx)
		}
	}
}

func (w *worker) flushScoreBatch(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	mScoreBatches.Inc()
	candidates := make([]scoring.Candidate, len(batch))
	for i, j := range batch {
		candidates[i] = scoring.Candidate{URL: j.URL, Title: j.Title, Summary: j.Summary}
	}

	results, err := w.scorer.BatchScore(ctx, candidates, w.cfg.ScoreBatchSize)
	if err != nil {
		w.log.Error("worker: batch score failed", "error", err, "batch_size", len(batch))
		return
	}

	byURL := make(map[string]dispatcher.ScoreJob, len(batch))
	for _, j := range batch {
		byURL[j.URL] = j
	}

	var fetchItems []fetch.FetchItem
	for _, result := range results {
		job, ok := byURL[result.ArticleURL]
		if !ok {
			continue
		}
		mRoutingTotal(string(result.Routing)).Inc()
		w.routeScored(ctx, job, result, &fetchItems)
	}

	if len(fetchItems) > 0 {
		mFetchBatches.Inc()
		if err := w.fetchSvc.BatchFetch(ctx, fetchItems, w.cfg.FetchBatchSize); err != nil {
			w.log.Error("worker: batch fetch failed", "error", err, "items", len(fetchItems))
		}
	}
}

// routeScored applies one Layer 1 routing decision: discard terminates the
// article here, lightweight/full_analysis stamp the two-phase hint onto
// FilterStatus (read back by onLayer2Job, since Layer2Job itself carries no
// such field) and queue the article for Layer 1.5 fetch. The job's
// UseTwoPhase flag is the deployment-wide switch for the five-agent deep
// filter; a full_analysis routing only earns the deep filter when that
// switch is also on, so a deployment can force everything through the
// cheaper legacy single filter regardless of how Layer 1 scored it.
func (w *worker) routeScored(ctx context.Context, job dispatcher.ScoreJob, result domain.ScoreResult, fetchItems *[]fetch.FetchItem) {
	article, err := w.articles.Get(ctx, job.ArticleID)
	if err != nil {
		w.log.Error("worker: load scored article failed", "article_id", job.ArticleID, "error", err)
		return
	}

	switch {
	case result.Routing == domain.RoutingDiscard:
		article.FilterStatus = domain.FilterSkipped
		article.ContentStatus = domain.ContentDeleted
		if _, err := w.articles.Update(ctx, article); err != nil {
			w.log.Error("worker: mark discarded article failed", "article_id", job.ArticleID, "error", err)
		}
	case result.Routing == domain.RoutingFullAnalysis && job.UseTwoPhase:
		article.FilterStatus = domain.FilterUseful
		w.enqueueFetch(ctx, article, job, fetchItems)
	default: // lightweight, or full_analysis with the deep filter switched off
		article.FilterStatus = domain.FilterUncertain
		w.enqueueFetch(ctx, article, job, fetchItems)
	}
}

func (w *worker) enqueueFetch(ctx context.Context, article domain.Article, job dispatcher.ScoreJob, fetchItems *[]fetch.FetchItem) {
	if _, err := w.articles.Update(ctx, article); err != nil {
		w.log.Error("worker: stamp filter status failed", "article_id", job.ArticleID, "error", err)
	}
	*fetchItems = append(*fetchItems, fetch.FetchItem{
		ArticleID: job.ArticleID, URL: job.URL, Symbol: job.Symbol, MarketRegion: job.MarketRegion,
	})
}

// onLayer2Job runs the Layer 2 workflow for one article, whether it arrived
// via Layer 1.5 fetch or directly from a fulltext-mode feed. The two-phase
// flag is read back off the article's FilterStatus: Useful means Layer 1
// routed it to full analysis, anything else (including fulltext-mode
// articles, which never pass through Layer 1) runs the legacy single filter.
//
// A non-nil return naks the JetStream delivery so it gets redelivered per
// the consumer's backoff policy; workflow.Service.Run is itself fail-open
// and records its own per-node outcomes as trace events, so the only
// failure worth redelivering over is the job missing its wall-clock budget
// or the article record being unreadable in the first place.
func (w *worker) onLayer2Job(ctx context.Context, job fetch.Layer2Job) error {
	mLayer2JobsTotal.Inc()

	jobCtx, cancel := context.WithTimeout(ctx, layer2JobTimeout)
	defer cancel()

	softTimer := time.AfterFunc(layer2SoftTimeout, func() {
		w.log.Warn("worker: layer2 job past soft timeout", "article_id", job.ArticleID)
	})
	defer softTimer.Stop()

	article, err := w.articles.Get(jobCtx, job.ArticleID)
	if err != nil {
		return err
	}
	useTwoPhase := article.FilterStatus == domain.FilterUseful

	start := time.Now()
	result, _ := w.workflowSvc.Run(jobCtx, job.ArticleID, useTwoPhase)
	mLayer2Dur.Since(start)
	mWorkflowResult(string(result.ContentStatus)).Inc()

	return jobCtx.Err()
}
