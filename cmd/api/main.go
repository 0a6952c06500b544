// Command api serves the admin HTTP surface over the news pipeline: filter
// and pipeline stats, per-article trace lookups, and a manual trigger for
// the dispatcher's poll cycle. Everything else an operations console would
// eventually need (auth, user settings, market data, chat, billing) is left
// as a stub interface in adminstub.go — wired to nothing yet.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/avesed/webstock/engine/dispatcher"
	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/mid"
	"github.com/avesed/webstock/pkg/natsutil"
	"github.com/avesed/webstock/pkg/pgrepo"
	"github.com/avesed/webstock/pkg/repo"
	"github.com/avesed/webstock/pkg/statsstore"
)

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	NatsURL     string
	PostgresDSN string
	RedisURL    string
	CORSOrigin  string
}

func loadConfig() Config {
	return Config{
		Port:        envOr("PORT", "8080"),
		NatsURL:     envOr("NATS_URL", nats.DefaultURL),
		PostgresDSN: envOr("DATABASE_URL", "postgres://localhost:5432/webstock"),
		RedisURL:    envOr("REDIS_URL", "redis://localhost:6379/0"),
		CORSOrigin:  envOr("CORS_ORIGIN", "*"),
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
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgrepo.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	statsDB, err := statsstore.New(cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer statsDB.Close()

	srv := &adminServer{
		articles: pgrepo.NewArticleRepo(pool),
		trace:    pgrepo.NewTraceStore(pool),
		stats:    statsDB,
		nc:       nc,
		log:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/news/filter-stats", srv.handleFilterStats)
	mux.HandleFunc("GET /admin/news/filter-stats/daily", srv.handleFilterStatsDaily)
	mux.HandleFunc("GET /admin/news/layer15-stats", srv.handleLayer15Stats)
	mux.HandleFunc("GET /admin/news/news-pipeline-stats", srv.handlePipelineStats)
	mux.HandleFunc("GET /admin/pipeline/article/{id}", srv.handleArticle)
	mux.HandleFunc("GET /admin/pipeline/stats", srv.handlePipelineStats)
	mux.HandleFunc("GET /admin/pipeline/events", srv.handleEvents)
	mux.HandleFunc("POST /admin/news/trigger-monitor", srv.handleTriggerMonitor)
	mux.HandleFunc("GET /admin/news/monitor-status", srv.handleMonitorStatus)
	mux.HandleFunc("GET /api/health", handleHealth)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin api starting", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// adminServer holds the dependencies every admin handler needs. Narrow
// interfaces keep the handlers testable without a live Postgres/Redis/NATS.
type adminServer struct {
	articles articleGetter
	trace    eventSearcher
	stats    statsReader
	nc       *nats.Conn
	log      *slog.Logger
}

type articleGetter interface {
	Get(ctx context.Context, id string) (domain.Article, error)
}

type eventSearcher interface {
	Search(ctx context.Context, opts pgrepo.SearchOpts) ([]domain.TraceEvent, error)
	AggregateStats(ctx context.Context, since time.Time) ([]pgrepo.AggregateStat, error)
	Timeline(ctx context.Context, articleID string) ([]domain.TraceEvent, error)
}

type statsReader interface {
	RangeSnapshot(ctx context.Context, days int, names ...string) (map[string]int64, error)
	DailySnapshot(ctx context.Context, names ...string) (map[string]int64, error)
	GetProgress(ctx context.Context, key statsstore.ProgressKey) (map[string]string, error)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func daysParam(r *http.Request) int {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days <= 0 {
		return 7
	}
	return days
}

// layer1StatNames are the Redis counters scoring.Service.BatchScore bumps
// per routing decision, plus the critical-event override flag.
var layer1StatNames = []string{
	"layer1_" + string(domain.RoutingDiscard),
	"layer1_" + string(domain.RoutingLightweight),
	"layer1_" + string(domain.RoutingFullAnalysis),
	"layer1_critical_event",
}

func (s *adminServer) handleFilterStats(w http.ResponseWriter, r *http.Request) {
	days := daysParam(r)
	counts, err := s.stats.RangeSnapshot(r.Context(), days, layer1StatNames...)
	if err != nil {
		s.log.Error("filter-stats: range snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "counts": counts})
}

func (s *adminServer) handleFilterStatsDaily(w http.ResponseWriter, r *http.Request) {
	counts, err := s.stats.DailySnapshot(r.Context(), layer1StatNames...)
	if err != nil {
		s.log.Error("filter-stats/daily: snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": time.Now().UTC().Format("2006-01-02"), "counts": counts})
}

// handleLayer15Stats reports the fetch/dispatch stage's aggregate success and
// failure counts straight from the trace log, since C7 has no Redis counters
// of its own (§4.7's trace events already carry per-call duration/outcome).
func (s *adminServer) handleLayer15Stats(w http.ResponseWriter, r *http.Request) {
	days := daysParam(r)
	since := time.Now().AddDate(0, 0, -days)
	agg, err := s.trace.AggregateStats(r.Context(), since)
	if err != nil {
		s.log.Error("layer15-stats: aggregate failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	var out []pgrepo.AggregateStat
	for _, a := range agg {
		if a.Layer == "layer1_5" {
			out = append(out, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "stats": out})
}

// layer2StatNames are the Redis counters workflow.Service's deep/legacy
// filter and the embedding writer bump.
var layer2StatNames = []string{"fine_keep", "fine_delete", "embedding_success", "embedding_error"}

func (s *adminServer) handlePipelineStats(w http.ResponseWriter, r *http.Request) {
	days := daysParam(r)
	since := time.Now().AddDate(0, 0, -days)

	filterCounts, err := s.stats.RangeSnapshot(r.Context(), days, layer2StatNames...)
	if err != nil {
		s.log.Error("pipeline-stats: range snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	agg, err := s.trace.AggregateStats(r.Context(), since)
	if err != nil {
		s.log.Error("pipeline-stats: aggregate failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days":    days,
		"counts":  filterCounts,
		"by_node": agg,
	})
}

func (s *adminServer) handleArticle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.articles.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "article not found")
			return
		}
		s.log.Error("article lookup failed", "article_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	timeline, err := s.trace.Timeline(r.Context(), id)
	if err != nil {
		s.log.Warn("article timeline failed", "article_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"article": a, "events": timeline})
}

func (s *adminServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := daysParam(r)
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	opts := pgrepo.SearchOpts{
		Layer:  q.Get("layer"),
		Node:   q.Get("node"),
		Status: domain.EventStatus(q.Get("status")),
		Since:  time.Now().AddDate(0, 0, -days),
		Limit:  limit,
		Offset: offset,
	}
	events, err := s.trace.Search(r.Context(), opts)
	if err != nil {
		s.log.Error("events search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleTriggerMonitor publishes a trigger job and returns a task ID right
// away; the dispatcher process runs the actual tick asynchronously and
// progress is polled separately via handleMonitorStatus.
func (s *adminServer) handleTriggerMonitor(w http.ResponseWriter, r *http.Request) {
	taskID := uuid.NewString()
	job := dispatcher.TriggerJob{TaskID: taskID}
	if err := natsutil.Publish(r.Context(), s.nc, dispatcher.SubjectTrigger, job); err != nil {
		s.log.Error("trigger-monitor: publish failed", "error", err)
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *adminServer) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	progress, err := s.stats.GetProgress(r.Context(), dispatcher.ProgressKey)
	if err != nil {
		s.log.Error("monitor-status: get progress failed", "error", err)
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
