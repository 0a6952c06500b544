package fetch

import (
	"context"
	"fmt"
	"strings"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/settings"
)

// legacyRelevanceCheck re-evaluates relevance with a single LLM call for
// items routed by the legacy single-stage filter rather than C6's
// tier-first scorer, grounded on evaluate_relevance_legacy in
// full_content_tasks.py. Any failure — no purpose configured, transport
// error, unparseable reply — defaults to keep, matching single_filter's
// fail-open posture in C8.
func (s *Service) legacyRelevanceCheck(ctx context.Context, article domain.Article, fullText string) bool {
	cfg, err := s.resolver.Resolve(ctx, settings.PurposeNewsFilter)
	if err != nil {
		s.log.Warn("fetch: legacy relevance check has no provider, keeping", "article_id", article.ID, "error", err)
		return true
	}

	excerpt := fullText
	if len(excerpt) > 4000 {
		excerpt = excerpt[:4000]
	}
	prompt := fmt.Sprintf(
		"Title: %s\nSource: %s\nSymbol: %s\nContent:\n%s\n\nIs this article relevant to financial/market analysis? Reply with exactly one word: KEEP or DELETE.",
		article.Title, article.Source, article.Symbol, excerpt)

	resp, err := s.gateway.Chat(ctx, cfg.ProviderType, llm.Request{
		Model:    cfg.Model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		s.log.Warn("fetch: legacy relevance check failed, keeping", "article_id", article.ID, "error", err)
		return true
	}

	decision := strings.ToUpper(strings.TrimSpace(resp.Content))
	return !strings.Contains(decision, "DELETE")
}
