// Command dispatcher drives the RSS/vendor ingest dispatcher (C10) on a
// cron schedule: each tick polls every feed due for another poll, dedups
// new headlines, and hands them off to the worker via NATS.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/avesed/webstock/engine/dispatcher"
	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/engine/fetch"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/metrics"
	"github.com/avesed/webstock/pkg/natsutil"
	"github.com/avesed/webstock/pkg/pgrepo"
	"github.com/avesed/webstock/pkg/settings"
	"github.com/avesed/webstock/pkg/statsstore"
)

var met = metrics.New()

var (
	mTicksTotal    = met.Counter("webstock_dispatcher_ticks_total", "Dispatcher ticks run")
	mTickErrors    = met.Counter("webstock_dispatcher_tick_errors_total", "Dispatcher ticks that failed outright")
	mNewArticles   = met.Counter("webstock_dispatcher_new_articles_total", "New articles created across all ticks")
	mDuplicates    = met.Counter("webstock_dispatcher_duplicates_total", "Duplicate headlines skipped across all ticks")
	mFeedErrors    = met.Counter("webstock_dispatcher_feed_errors_total", "Per-feed fetch failures across all ticks")
	mTickDur       = met.Histogram("webstock_dispatcher_tick_duration_seconds", "Tick wall-clock time", nil)
)

type config struct {
	NatsURL     string
	PostgresDSN string
	RedisURL    string
	MetricsPort int

	CronSchedule     string
	UseTwoPhase      bool
	RunInitialFilter bool

	VendorBaseURL string
	VendorAPIKey  string

	OpenAIBaseURL string
	OpenAIAPIKey  string
}

func loadConfig() config {
	return config{
		NatsURL:     envOr("NATS_URL", nats.DefaultURL),
		PostgresDSN: envOr("POSTGRES_DSN", "postgres://localhost:5432/webstock"),
		RedisURL:    envOr("REDIS_URL", "redis://localhost:6379/0"),
		MetricsPort: 9092,

		CronSchedule:     envOr("DISPATCHER_CRON", "*/5 * * * *"),
		UseTwoPhase:      envBool("DISPATCHER_USE_TWO_PHASE", true),
		RunInitialFilter: envBool("DISPATCHER_RUN_INITIAL_FILTER", true),

		VendorBaseURL: os.Getenv("VENDOR_NEWS_BASE_URL"),
		VendorAPIKey:  os.Getenv("VENDOR_NEWS_API_KEY"),

		OpenAIBaseURL: envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("dispatcher exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.CollectRuntime("webstock_dispatcher", 15*time.Second)
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

	gateway := llm.NewGateway(map[string]llm.Provider{
		"openai": llm.NewHTTPProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey),
	})
	resolver := settings.NewResolver(map[settings.Purpose]settings.ProviderConfig{
		settings.PurposeNewsFilter: {ProviderType: "openai", Model: "gpt-4o-mini"},
	})

	feeds := pgrepo.NewFeedRepo(pool)
	articles := pgrepo.NewArticleRepo(pool)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	rssFetcher := dispatcher.NewRSSFetcher(httpClient)
	vendorFetcher := dispatcher.NewVendorFetcher(httpClient, cfg.VendorBaseURL, cfg.VendorAPIKey)

	svc := dispatcher.NewService(
		feeds, articles, routedFetcher{rss: rssFetcher, vendor: vendorFetcher},
		dispatcher.NatsScorePublisher{Conn: nc}, fetch.NatsPublisher{Conn: nc},
		statsDB, gateway, resolver, log,
	)

	opts := dispatcher.TickOptions{UseTwoPhase: cfg.UseTwoPhase, RunInitialFilter: cfg.RunInitialFilter}

	c := cron.New()
	if _, err := c.AddFunc(cfg.CronSchedule, func() { runTick(ctx, svc, opts, log) }); err != nil {
		return err
	}
	// Daily trace retention sweep: drop trace events older than 7 days.
	traces := pgrepo.NewTraceStore(pool)
	if _, err := c.AddFunc("@daily", func() {
		n, err := traces.DeleteOlderThan(ctx, time.Now().AddDate(0, 0, -7))
		if err != nil {
			log.Error("dispatcher: trace retention sweep failed", "error", err)
			return
		}
		log.Info("dispatcher: trace retention sweep", "deleted", n)
	}); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	sub, err := natsutil.Subscribe(nc, dispatcher.SubjectTrigger, func(_ context.Context, job dispatcher.TriggerJob) {
		log.Info("dispatcher: manual trigger received", "task_id", job.TaskID)
		runTick(ctx, svc, opts, log)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	log.Info("dispatcher ready", "schedule", cfg.CronSchedule, "use_two_phase", cfg.UseTwoPhase)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func runTick(ctx context.Context, svc *dispatcher.Service, opts dispatcher.TickOptions, log *slog.Logger) {
	mTicksTotal.Inc()
	start := time.Now()
	stats, err := svc.Tick(ctx, opts)
	mTickDur.Since(start)
	if err != nil {
		mTickErrors.Inc()
		log.Error("dispatcher: tick failed", "error", err)
		return
	}
	mNewArticles.Add(int64(stats.NewArticles))
	mDuplicates.Add(int64(stats.Duplicates))
	mFeedErrors.Add(int64(stats.FeedErrors))
}

// routedFetcher picks RSS vs vendor parsing by whether the feed's route
// looks like a URL, since domain.Feed carries no explicit provider kind.
type routedFetcher struct {
	rss    *dispatcher.RSSFetcher
	vendor *dispatcher.VendorFetcher
}

func (r routedFetcher) FetchHeadlines(ctx context.Context, feed domain.Feed) ([]dispatcher.Headline, error) {
	if looksLikeURL(feed.Route) {
		return r.rss.FetchHeadlines(ctx, feed)
	}
	return r.vendor.FetchHeadlines(ctx, feed)
}

func looksLikeURL(route string) bool {
	return len(route) > 7 && (route[:7] == "http://" || route[:8] == "https://")
}
