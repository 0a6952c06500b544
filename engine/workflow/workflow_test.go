package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/settings"
)

type fakeContent struct {
	files     map[string]domain.ContentFile
	err       error
	deleted   []string
	deleteErr error
}

func (f *fakeContent) Read(_ context.Context, articleID string) (domain.ContentFile, error) {
	if f.err != nil {
		return domain.ContentFile{}, f.err
	}
	cf, ok := f.files[articleID]
	if !ok {
		return domain.ContentFile{}, fmt.Errorf("no content for %s", articleID)
	}
	return cf, nil
}

func (f *fakeContent) Delete(_ context.Context, articleID, _ string) error {
	f.deleted = append(f.deleted, articleID)
	return f.deleteErr
}

type fakeArticles struct {
	byID map[string]domain.Article
}

func (f *fakeArticles) Get(_ context.Context, id string) (domain.Article, error) {
	a, ok := f.byID[id]
	if !ok {
		return domain.Article{}, fmt.Errorf("not found: %s", id)
	}
	return a, nil
}

func (f *fakeArticles) Update(_ context.Context, a domain.Article) (domain.Article, error) {
	f.byID[a.ID] = a
	return a, nil
}

type fakeTrace struct{ events []domain.TraceEvent }

func (f *fakeTrace) RecordMany(_ context.Context, evs []domain.TraceEvent) error {
	f.events = append(f.events, evs...)
	return nil
}

type fakeAnalyzer struct {
	result domain.AnalysisResult
	err    error
}

func (f *fakeAnalyzer) FullAnalysis(context.Context, string, string, string, string) (domain.AnalysisResult, error) {
	return f.result, f.err
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Replace(context.Context, string, string, string, string) error {
	f.calls++
	return f.err
}

type fakeStats struct{ counts map[string]int }

func (f *fakeStats) Increment(_ context.Context, name string) error {
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	f.counts[name]++
	return nil
}

type fakeProvider struct {
	content string
	err     error
}

func (f *fakeProvider) Chat(context.Context, llm.Request) (llm.Response, error) {
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Content: f.content}, nil
}

func (f *fakeProvider) ChatStream(context.Context, llm.Request) (<-chan llm.StreamEvent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Embed(context.Context, string, []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(content *fakeContent, articles *fakeArticles, trace *fakeTrace, analyzer *fakeAnalyzer, embedder *fakeEmbedder, stats *fakeStats, providerContent string, providerErr error) *Service {
	fp := &fakeProvider{content: providerContent, err: providerErr}
	gw := llm.NewGateway(map[string]llm.Provider{"fake": fp})
	resolver := settings.NewResolver(map[settings.Purpose]settings.ProviderConfig{
		settings.PurposeNewsFilter: {Model: "test-model", ProviderType: "fake"},
	})
	return NewService(content, articles, trace, analyzer, embedder, stats, gw, resolver, testLogger())
}

func baseArticle(id string) domain.Article {
	return domain.Article{
		ID: id, Title: "Acme beats estimates", Summary: "Solid quarter",
		Symbol: "ACME", ContentFilePath: "/data/" + id[:2] + "/" + id + ".json",
		ContentStatus: domain.ContentFetched, FilterStatus: domain.FilterPending,
	}
}

func TestRun_DeepFilterKeepEmbeds(t *testing.T) {
	article := baseArticle("aa-1")
	articles := &fakeArticles{byID: map[string]domain.Article{article.ID: article}}
	content := &fakeContent{files: map[string]domain.ContentFile{
		article.ID: {FullText: "Full article text about Acme's quarter.", WordCount: 120},
	}}
	trace := &fakeTrace{}
	analyzer := &fakeAnalyzer{result: domain.AnalysisResult{
		Decision: "keep", Sentiment: domain.SentimentBullish,
		Entities: []domain.Entity{{Entity: "ACME", Type: domain.EntityStock, Score: 0.9}},
	}}
	embedder := &fakeEmbedder{}
	stats := &fakeStats{}

	s := newTestService(content, articles, trace, analyzer, embedder, stats, "KEEP", nil)
	result, events := s.Run(context.Background(), article.ID, true)

	if result.ContentStatus != domain.ContentEmbedded {
		t.Fatalf("expected embedded status, got %q", result.ContentStatus)
	}
	if result.FilterStatus != domain.FilterFineKeep {
		t.Fatalf("expected fine_keep filter status, got %q", result.FilterStatus)
	}
	if result.PrimaryEntity != "ACME" {
		t.Fatalf("expected primary entity ACME, got %q", result.PrimaryEntity)
	}
	if embedder.calls != 1 {
		t.Fatalf("expected embedder called once, got %d", embedder.calls)
	}
	if len(events) == 0 {
		t.Fatalf("expected trace events recorded")
	}
	if stats.counts["fine_keep"] != 1 {
		t.Fatalf("expected fine_keep stat incremented, got %+v", stats.counts)
	}
}

func TestRun_DeepFilterDeleteMarksDeleted(t *testing.T) {
	article := baseArticle("bb-2")
	articles := &fakeArticles{byID: map[string]domain.Article{article.ID: article}}
	content := &fakeContent{files: map[string]domain.ContentFile{
		article.ID: {FullText: "Irrelevant local sports recap.", WordCount: 50},
	}}
	trace := &fakeTrace{}
	analyzer := &fakeAnalyzer{result: domain.AnalysisResult{Decision: "delete"}}
	embedder := &fakeEmbedder{}
	stats := &fakeStats{}

	s := newTestService(content, articles, trace, analyzer, embedder, stats, "", nil)
	result, _ := s.Run(context.Background(), article.ID, true)

	if result.ContentStatus != domain.ContentDeleted {
		t.Fatalf("expected deleted status, got %q", result.ContentStatus)
	}
	if result.FilterStatus != domain.FilterFineDelete {
		t.Fatalf("expected fine_delete filter status, got %q", result.FilterStatus)
	}
	if result.ContentFilePath != "" {
		t.Fatalf("expected content_file_path cleared, got %q", result.ContentFilePath)
	}
	if embedder.calls != 0 {
		t.Fatalf("expected embedder not called, got %d calls", embedder.calls)
	}
	if len(content.deleted) != 1 || content.deleted[0] != article.ID {
		t.Fatalf("expected content file deleted for %s, got %+v", article.ID, content.deleted)
	}
}

func TestRun_MarkDeletedToleratesDeleteFailure(t *testing.T) {
	article := baseArticle("bb-3")
	articles := &fakeArticles{byID: map[string]domain.Article{article.ID: article}}
	content := &fakeContent{
		files:     map[string]domain.ContentFile{article.ID: {FullText: "Irrelevant local sports recap.", WordCount: 50}},
		deleteErr: fmt.Errorf("disk unavailable"),
	}
	trace := &fakeTrace{}
	analyzer := &fakeAnalyzer{result: domain.AnalysisResult{Decision: "delete"}}
	embedder := &fakeEmbedder{}
	stats := &fakeStats{}

	s := newTestService(content, articles, trace, analyzer, embedder, stats, "", nil)
	result, _ := s.Run(context.Background(), article.ID, true)

	if result.ContentStatus != domain.ContentDeleted {
		t.Fatalf("expected deleted status despite delete error, got %q", result.ContentStatus)
	}
	if len(content.deleted) != 1 {
		t.Fatalf("expected delete to still be attempted, got %+v", content.deleted)
	}
}

func TestRun_DeepFilterFailureDefaultsToKeep(t *testing.T) {
	article := baseArticle("cc-3")
	articles := &fakeArticles{byID: map[string]domain.Article{article.ID: article}}
	content := &fakeContent{files: map[string]domain.ContentFile{
		article.ID: {FullText: "Some article text here.", WordCount: 80},
	}}
	trace := &fakeTrace{}
	analyzer := &fakeAnalyzer{err: errors.New("provider down")}
	embedder := &fakeEmbedder{}
	stats := &fakeStats{}

	s := newTestService(content, articles, trace, analyzer, embedder, stats, "", nil)
	result, _ := s.Run(context.Background(), article.ID, true)

	if result.ContentStatus != domain.ContentEmbedded {
		t.Fatalf("expected fail-open keep -> embedded, got %q", result.ContentStatus)
	}
	if embedder.calls != 1 {
		t.Fatalf("expected embedder still called on filter failure, got %d", embedder.calls)
	}
}

func TestRun_LegacySingleFilterKeep(t *testing.T) {
	article := baseArticle("dd-4")
	articles := &fakeArticles{byID: map[string]domain.Article{article.ID: article}}
	content := &fakeContent{files: map[string]domain.ContentFile{
		article.ID: {FullText: "Relevant market moving news.", WordCount: 90},
	}}
	trace := &fakeTrace{}
	analyzer := &fakeAnalyzer{}
	embedder := &fakeEmbedder{}
	stats := &fakeStats{}

	s := newTestService(content, articles, trace, analyzer, embedder, stats, "KEEP", nil)
	result, _ := s.Run(context.Background(), article.ID, false)

	if result.ContentStatus != domain.ContentEmbedded {
		t.Fatalf("expected embedded status, got %q", result.ContentStatus)
	}
	if result.FilterStatus == domain.FilterFineKeep {
		t.Fatalf("legacy path must not set the two-phase filter status")
	}
}

func TestRun_LegacySingleFilterDelete(t *testing.T) {
	article := baseArticle("ee-5")
	articles := &fakeArticles{byID: map[string]domain.Article{article.ID: article}}
	content := &fakeContent{files: map[string]domain.ContentFile{
		article.ID: {FullText: "Unrelated content.", WordCount: 40},
	}}
	trace := &fakeTrace{}
	analyzer := &fakeAnalyzer{}
	embedder := &fakeEmbedder{}
	stats := &fakeStats{}

	s := newTestService(content, articles, trace, analyzer, embedder, stats, "DELETE", nil)
	result, _ := s.Run(context.Background(), article.ID, false)

	if result.ContentStatus != domain.ContentDeleted {
		t.Fatalf("expected deleted status, got %q", result.ContentStatus)
	}
}

func TestRun_LegacyProviderErrorDefaultsToKeep(t *testing.T) {
	article := baseArticle("ff-6")
	articles := &fakeArticles{byID: map[string]domain.Article{article.ID: article}}
	content := &fakeContent{files: map[string]domain.ContentFile{
		article.ID: {FullText: "Some content.", WordCount: 60},
	}}
	trace := &fakeTrace{}
	analyzer := &fakeAnalyzer{}
	embedder := &fakeEmbedder{}
	stats := &fakeStats{}

	s := newTestService(content, articles, trace, analyzer, embedder, stats, "", llm.ErrAuth)
	result, _ := s.Run(context.Background(), article.ID, false)

	if result.ContentStatus != domain.ContentEmbedded {
		t.Fatalf("expected fail-open keep -> embedded, got %q", result.ContentStatus)
	}
}

func TestRun_MissingContentFilePathFailsWithoutFiltering(t *testing.T) {
	article := baseArticle("gg-7")
	article.ContentFilePath = ""
	articles := &fakeArticles{byID: map[string]domain.Article{article.ID: article}}
	content := &fakeContent{}
	trace := &fakeTrace{}
	analyzer := &fakeAnalyzer{}
	embedder := &fakeEmbedder{}
	stats := &fakeStats{}

	s := newTestService(content, articles, trace, analyzer, embedder, stats, "", nil)
	_, events := s.Run(context.Background(), article.ID, true)

	if embedder.calls != 0 {
		t.Fatalf("expected no embed attempt without content")
	}
	if len(events) != 2 {
		t.Fatalf("expected read_file error + update_db events, got %d: %+v", len(events), events)
	}
}

func TestRun_EmbedFailureMarksEmbeddingFailed(t *testing.T) {
	article := baseArticle("hh-8")
	articles := &fakeArticles{byID: map[string]domain.Article{article.ID: article}}
	content := &fakeContent{files: map[string]domain.ContentFile{
		article.ID: {FullText: "Content to embed.", WordCount: 70},
	}}
	trace := &fakeTrace{}
	analyzer := &fakeAnalyzer{result: domain.AnalysisResult{Decision: "keep"}}
	embedder := &fakeEmbedder{err: errors.New("qdrant unavailable")}
	stats := &fakeStats{}

	s := newTestService(content, articles, trace, analyzer, embedder, stats, "", nil)
	result, _ := s.Run(context.Background(), article.ID, true)

	if result.ContentStatus != domain.ContentEmbeddingFailed {
		t.Fatalf("expected embedding_failed status, got %q", result.ContentStatus)
	}
	if stats.counts["embedding_error"] != 1 {
		t.Fatalf("expected embedding_error stat incremented, got %+v", stats.counts)
	}
}
