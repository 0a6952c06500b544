// Package analysis implements Layer 2's five-agent deep analysis (C9):
// entity extraction, sentiment/tagging, summary generation, impact
// assessment, and report writing, run concurrently over one shared
// cache-tagged prompt prefix. Grounded on multi_agent_filter_service.py.
package analysis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/settings"
)

// maxContentLength bounds how much cleaned article text is sent to the LLM.
const maxContentLength = 20000

// agentTimeout bounds each agent's call per §5 (≤120s).
const agentTimeout = 120 * time.Second

// StatsRecorder is the subset of the Filter Stats Store (C5) this service
// needs for per-agent and aggregate token tracking.
type StatsRecorder interface {
	TrackTokens(ctx context.Context, stage string, input, output int) error
}

type noopStats struct{}

func (noopStats) TrackTokens(context.Context, string, int, int) error { return nil }

// Service is the Layer 2 five-agent analyzer.
type Service struct {
	gateway  *llm.Gateway
	resolver *settings.Resolver
	stats    StatsRecorder
	log      *slog.Logger
}

func NewService(gw *llm.Gateway, resolver *settings.Resolver, stats StatsRecorder, log *slog.Logger) *Service {
	if stats == nil {
		stats = noopStats{}
	}
	return &Service{gateway: gw, resolver: resolver, stats: stats, log: log}
}

// FullAnalysis runs all five agents concurrently over a shared cached
// prefix and merges their outputs. Missing credentials or an unresolvable
// model purpose yield an empty, fail-open result rather than an error —
// the caller (C8's deep_filter node) always treats the article as "keep".
func (s *Service) FullAnalysis(ctx context.Context, title, cleanedText, imageInsights, symbol string) (domain.AnalysisResult, error) {
	start := time.Now()

	if strings.TrimSpace(cleanedText) == "" {
		return emptyResult("empty cleaned text"), nil
	}

	cfg, err := s.resolver.Resolve(ctx, settings.PurposeLayer2Analysis)
	if err != nil {
		s.log.Warn("analysis: cannot resolve model config, returning empty result", "error", err)
		return emptyResult(err.Error()), nil
	}

	truncated := cleanedText
	if len(truncated) > maxContentLength {
		truncated = truncated[:maxContentLength]
	}

	var ctxParts []string
	ctxParts = append(ctxParts, "Title: "+title)
	if symbol != "" {
		ctxParts = append(ctxParts, "Related symbol: "+symbol)
	}
	if imageInsights != "" {
		ctxParts = append(ctxParts, "Image insights: "+imageInsights)
	}
	ctxParts = append(ctxParts, "\nFull text:\n"+truncated)
	articleContext := strings.Join(ctxParts, "\n")

	shared := []llm.Message{
		{Role: llm.RoleSystem, Content: baseSystemPrompt, CacheControl: llm.Ephemeral},
		{Role: llm.RoleUser, Content: articleContext, CacheControl: llm.Ephemeral},
	}

	calls := make([]llm.AgentCall, len(agentNames))
	for i, name := range agentNames {
		calls[i] = llm.AgentCall{Label: name, Instruction: agentPrompts[name]}
	}

	agentCtx, cancel := context.WithTimeout(ctx, agentTimeout)
	defer cancel()
	replies := s.gateway.CachedFanOut(agentCtx, cfg.ProviderType, cfg.Model, shared, calls, 0.3)

	byName := make(map[string]llm.AgentReply, len(replies))
	for _, r := range replies {
		byName[r.Label] = r
	}

	merged := mergeAgentResults(byName)
	merged.Cache = computeCacheStats(byName, start)

	for name, r := range byName {
		if r.Err == nil {
			_ = s.stats.TrackTokens(ctx, "agent_"+name, r.Response.Usage.PromptTokens, r.Response.Usage.CompletionTokens)
		}
	}
	_ = s.stats.TrackTokens(ctx, "deep_multi_agent", merged.Cache.PromptTokens, merged.Cache.CompletionTokens)

	return merged, nil
}

func emptyResult(errReason string) domain.AnalysisResult {
	return domain.AnalysisResult{
		Decision:  "keep",
		Sentiment: domain.SentimentNeutral,
		Impact:    domain.DefaultImpactBlock(),
		Error:     errReason,
	}
}

func computeCacheStats(byName map[string]llm.AgentReply, start time.Time) domain.CacheStats {
	cs := domain.CacheStats{PerAgent: make(map[string]domain.PerAgentStats, len(byName))}
	for name, r := range byName {
		succeeded := r.Err == nil
		if succeeded {
			cs.PromptTokens += r.Response.Usage.PromptTokens
			cs.CompletionTokens += r.Response.Usage.CompletionTokens
			cs.CachedTokens += r.Response.Usage.CachedTokens
			cs.AgentsSucceeded++
		} else {
			cs.AgentsFailed++
		}
		cs.PerAgent[name] = domain.PerAgentStats{
			PromptTokens:     r.Response.Usage.PromptTokens,
			CompletionTokens: r.Response.Usage.CompletionTokens,
			CachedTokens:     r.Response.Usage.CachedTokens,
			Succeeded:        succeeded,
		}
	}
	cs.TotalTokens = cs.PromptTokens + cs.CompletionTokens
	if cs.PromptTokens > 0 {
		cs.CacheHitRate = float64(cs.CachedTokens) / float64(cs.PromptTokens)
	}
	cs.ElapsedMS = time.Since(start).Milliseconds()
	return cs
}

// parseAgentJSON extracts an agent's JSON payload, falling back to the raw
// content string keyed under "_raw" when it doesn't parse — the
// report-writer recovery path needs the raw text even when it isn't valid
// JSON (§4.9).
func parseAgentJSON(r llm.AgentReply) map[string]any {
	if r.Err != nil {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(r.Response.Content), &data); err == nil {
		return data
	}
	content := strings.TrimSpace(r.Response.Content)
	if content == "" {
		return nil
	}
	return map[string]any{"_raw": content}
}
