package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/settings"
)

type fakeProvider struct {
	name   string
	result FetchResult
	err    error
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Fetch(_ context.Context, _ string) (FetchResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeArticles struct {
	mu    sync.Mutex
	store map[string]domain.Article
}

func newFakeArticles(articles ...domain.Article) *fakeArticles {
	m := map[string]domain.Article{}
	for _, a := range articles {
		m[a.ID] = a
	}
	return &fakeArticles{store: m}
}

func (f *fakeArticles) Get(_ context.Context, id string) (domain.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.store[id]
	if !ok {
		return domain.Article{}, fmt.Errorf("not found: %s", id)
	}
	return a, nil
}

func (f *fakeArticles) Update(_ context.Context, a domain.Article) (domain.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[a.ID] = a
	return a, nil
}

type fakeContentStore struct {
	saved map[string]domain.ContentFile
}

func newFakeContentStore() *fakeContentStore { return &fakeContentStore{saved: map[string]domain.ContentFile{}} }

func (f *fakeContentStore) Save(_ context.Context, articleID string, cf domain.ContentFile) (string, error) {
	f.saved[articleID] = cf
	return "/tmp/" + articleID + ".json", nil
}

type fakeTrace struct {
	mu     sync.Mutex
	events []domain.TraceEvent
}

func (f *fakeTrace) RecordMany(_ context.Context, evs []domain.TraceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evs...)
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []Layer2Job
}

func (f *fakePublisher) Publish(_ context.Context, _ string, job Layer2Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestService(chain *ProviderChain, articles *fakeArticles, content *fakeContentStore, trace *fakeTrace, pub *fakePublisher) *Service {
	gw := llm.NewGateway(nil)
	resolver := settings.NewResolver(nil)
	return NewService(chain, content, articles, trace, pub, gw, resolver, testLogger())
}

func TestBatchFetch_SuccessPersistsAndEnqueues(t *testing.T) {
	scraper := &fakeProvider{name: "scraper", result: FetchResult{Text: longText(), WordCount: 500}}
	chain := NewProviderChain(scraper)
	articles := newFakeArticles(domain.Article{ID: "a1", Title: "t", Source: "reuters"})
	content := newFakeContentStore()
	trace := &fakeTrace{}
	pub := &fakePublisher{}

	svc := newTestService(chain, articles, content, trace, pub)
	err := svc.BatchFetch(context.Background(), []FetchItem{{ArticleID: "a1", URL: "https://example.com/a"}}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, _ := articles.Get(context.Background(), "a1")
	if a.ContentStatus != domain.ContentFetched {
		t.Fatalf("expected fetched status, got %s", a.ContentStatus)
	}
	if len(pub.jobs) != 1 || pub.jobs[0].ArticleID != "a1" {
		t.Fatalf("expected one enqueued job for a1, got %+v", pub.jobs)
	}
	if len(trace.events) != 1 || trace.events[0].Status != domain.EventSuccess {
		t.Fatalf("expected one success trace event, got %+v", trace.events)
	}
}

func TestBatchFetch_ShortTextMarkedPartial(t *testing.T) {
	scraper := &fakeProvider{name: "scraper", result: FetchResult{Text: "too short", WordCount: 2}}
	chain := NewProviderChain(scraper)
	articles := newFakeArticles(domain.Article{ID: "a1"})
	svc := newTestService(chain, articles, newFakeContentStore(), &fakeTrace{}, &fakePublisher{})

	if err := svc.BatchFetch(context.Background(), []FetchItem{{ArticleID: "a1", URL: "https://example.com/a"}}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := articles.Get(context.Background(), "a1")
	if a.ContentStatus != domain.ContentPartial {
		t.Fatalf("expected partial status, got %s", a.ContentStatus)
	}
}

func TestBatchFetch_AllProvidersFailMarksFailedNotBlocked(t *testing.T) {
	scraper := &fakeProvider{name: "scraper", err: fmt.Errorf("timeout")}
	chain := NewProviderChain(scraper)
	articles := newFakeArticles(domain.Article{ID: "a1"})
	pub := &fakePublisher{}
	svc := newTestService(chain, articles, newFakeContentStore(), &fakeTrace{}, pub)

	if err := svc.BatchFetch(context.Background(), []FetchItem{{ArticleID: "a1", URL: "https://example.com/a"}}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := articles.Get(context.Background(), "a1")
	if a.ContentStatus != domain.ContentFailed {
		t.Fatalf("expected failed status, got %s", a.ContentStatus)
	}
	if len(pub.jobs) != 0 {
		t.Fatalf("expected no enqueued jobs on failure, got %+v", pub.jobs)
	}
}

func TestBatchFetch_BlockedErrorMarksBlocked(t *testing.T) {
	scraper := &fakeProvider{name: "scraper", err: fmt.Errorf("403: %w", ErrBlocked)}
	chain := NewProviderChain(scraper)
	articles := newFakeArticles(domain.Article{ID: "a1"})
	svc := newTestService(chain, articles, newFakeContentStore(), &fakeTrace{}, &fakePublisher{})

	if err := svc.BatchFetch(context.Background(), []FetchItem{{ArticleID: "a1", URL: "https://example.com/a"}}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a, _ := articles.Get(context.Background(), "a1")
	if a.ContentStatus != domain.ContentBlocked {
		t.Fatalf("expected blocked status, got %s", a.ContentStatus)
	}
}

func TestBatchFetch_FallbackToSecondProvider(t *testing.T) {
	failing := &fakeProvider{name: "scraper", err: fmt.Errorf("boom")}
	working := &fakeProvider{name: "vendor", result: FetchResult{Text: longText(), WordCount: 300}}
	chain := NewProviderChain(failing, working)
	articles := newFakeArticles(domain.Article{ID: "a1"})
	svc := newTestService(chain, articles, newFakeContentStore(), &fakeTrace{}, &fakePublisher{})

	if err := svc.BatchFetch(context.Background(), []FetchItem{{ArticleID: "a1", URL: "https://example.com/a"}}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failing.calls != 1 || working.calls != 1 {
		t.Fatalf("expected both providers tried once, got failing=%d working=%d", failing.calls, working.calls)
	}
	a, _ := articles.Get(context.Background(), "a1")
	if a.ContentStatus != domain.ContentFetched {
		t.Fatalf("expected fetched via fallback, got %s", a.ContentStatus)
	}
}

func TestBatchFetch_MissingArticleRecordsErrorEvent(t *testing.T) {
	scraper := &fakeProvider{name: "scraper", result: FetchResult{Text: longText(), WordCount: 200}}
	chain := NewProviderChain(scraper)
	trace := &fakeTrace{}
	svc := newTestService(chain, newFakeArticles(), newFakeContentStore(), trace, &fakePublisher{})

	if err := svc.BatchFetch(context.Background(), []FetchItem{{ArticleID: "missing", URL: "https://example.com/a"}}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trace.events) != 1 || trace.events[0].Status != domain.EventError {
		t.Fatalf("expected one error trace event, got %+v", trace.events)
	}
}

func TestBatchFetch_TransientFailureRetriesOnce(t *testing.T) {
	scraper := &fakeProvider{name: "scraper", err: fmt.Errorf("connection reset")}
	chain := NewProviderChain(scraper)
	trace := &fakeTrace{}
	svc := newTestService(chain, newFakeArticles(domain.Article{ID: "a1"}), newFakeContentStore(), trace, &fakePublisher{})

	if err := svc.BatchFetch(context.Background(), []FetchItem{{ArticleID: "a1", URL: "https://example.com/a"}}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scraper.calls != 2 {
		t.Fatalf("expected one retry after a transient failure, got %d calls", scraper.calls)
	}
	if len(trace.events) != 1 || trace.events[0].Metadata["category"] != "transient" {
		t.Fatalf("expected transient category in trace metadata, got %+v", trace.events)
	}
}

func TestBatchFetch_ContentErrorDoesNotRetry(t *testing.T) {
	scraper := &fakeProvider{name: "scraper", err: fmt.Errorf("403: %w", ErrBlocked)}
	chain := NewProviderChain(scraper)
	trace := &fakeTrace{}
	svc := newTestService(chain, newFakeArticles(domain.Article{ID: "a1"}), newFakeContentStore(), trace, &fakePublisher{})

	if err := svc.BatchFetch(context.Background(), []FetchItem{{ArticleID: "a1", URL: "https://example.com/a"}}, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scraper.calls != 1 {
		t.Fatalf("expected no retry for a content error, got %d calls", scraper.calls)
	}
	if len(trace.events) != 1 || trace.events[0].Metadata["category"] != "content" {
		t.Fatalf("expected content category in trace metadata, got %+v", trace.events)
	}
}

func TestErrorCategory(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", ErrBlocked), "content"},
		{ErrNoVendorConfig, "configuration"},
		{fmt.Errorf("x: %w", ErrUnparseable), "parse"},
		{fmt.Errorf("boom"), "transient"},
	}
	for _, tc := range cases {
		if got := errorCategory(tc.err); got != tc.want {
			t.Fatalf("errorCategory(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func longText() string {
	words := make([]byte, 0, 4000)
	for i := 0; i < 500; i++ {
		words = append(words, []byte("word ")...)
	}
	return string(words)
}
