// Package scoring implements Layer 1 — the three-agent batch scoring
// service (C6): tier-first rubric scoring across three independent
// perspectives, a critical-event keyword fast path, and threshold-based
// routing, all under a fail-open failure policy so no article is ever
// silently dropped.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/llm"
	"github.com/avesed/webstock/pkg/settings"
)

// Candidate is the minimal article view Layer 1 scores on.
type Candidate struct {
	URL     string
	Title   string
	Summary string
}

// Thresholds are the routing cut points, read once per batch from settings
// (§4.6). The (105, 195) pair is the documented fallback default for
// deployments predating these settings (§9 open question a).
type Thresholds struct {
	Discard      int
	FullAnalysis int
}

// DefaultThresholds is the fallback per §9(a). Do not re-guess other
// defaults beyond what the spec documents.
var DefaultThresholds = Thresholds{Discard: 105, FullAnalysis: 195}

// StatsRecorder is the subset of the Filter Stats Store (C5) this service
// needs. Counter/token-tracking failures are logged and otherwise ignored
// (§4.5: no correctness dependency).
type StatsRecorder interface {
	Increment(ctx context.Context, name string) error
	TrackTokens(ctx context.Context, stage string, input, output int) error
}

// noopStats discards everything; used when no C5 store is configured.
type noopStats struct{}

func (noopStats) Increment(context.Context, string) error                 { return nil }
func (noopStats) TrackTokens(context.Context, string, int, int) error { return nil }

// Service is the Layer 1 three-agent scorer.
type Service struct {
	gateway    *llm.Gateway
	resolver   *settings.Resolver
	stats      StatsRecorder
	thresholds Thresholds
	log        *slog.Logger
}

// NewService constructs a Service. A nil stats recorder becomes a no-op.
func NewService(gw *llm.Gateway, resolver *settings.Resolver, stats StatsRecorder, thresholds Thresholds, log *slog.Logger) *Service {
	if stats == nil {
		stats = noopStats{}
	}
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds
	}
	return &Service{gateway: gw, resolver: resolver, stats: stats, thresholds: thresholds, log: log}
}

const defaultBatchSize = 20

// BatchScore scores articles in batches of batchSize (default 20),
// preserving input order in the returned slice (§8: |C6(B)| == |B|).
func (s *Service) BatchScore(ctx context.Context, articles []Candidate, batchSize int) ([]domain.ScoreResult, error) {
	if len(articles) == 0 {
		return []domain.ScoreResult{}, nil
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	out := make([]domain.ScoreResult, 0, len(articles))
	for start := 0; start < len(articles); start += batchSize {
		end := min(start+batchSize, len(articles))
		results, err := s.scoreOneBatch(ctx, articles[start:end])
		if err != nil {
			// Service-level failure: every article in this sub-batch defaults
			// to lightweight with tier "error" (§4.6 failure semantics).
			s.log.Warn("scoring: batch-level failure, defaulting to lightweight", "error", err)
			for _, a := range articles[start:end] {
				out = append(out, failOpenResult(a.URL, err.Error()))
			}
			continue
		}
		out = append(out, results...)
	}
	return out, nil
}

func failOpenResult(url, reason string) domain.ScoreResult {
	errScore := domain.AgentScore{Tier: "error", Score: 50, Reason: "service error"}
	return domain.ScoreResult{
		ArticleURL: url,
		Scores:     []domain.AgentScore{errScore, errScore, errScore},
		Total:      150,
		Routing:    domain.RoutingLightweight,
		Rationale:  reason,
	}
}

func (s *Service) scoreOneBatch(ctx context.Context, batch []Candidate) ([]domain.ScoreResult, error) {
	results := make([]domain.ScoreResult, len(batch))

	// Critical-event fast path: scanned before any LLM call.
	nonCritical := make([]Candidate, 0, len(batch))
	nonCriticalOrigIdx := make([]int, 0, len(batch))
	for i, a := range batch {
		if IsCritical(a.Title, a.Summary) {
			results[i] = criticalResult(a.URL)
			_ = s.stats.Increment(ctx, "layer1_critical_event")
			continue
		}
		nonCritical = append(nonCritical, a)
		nonCriticalOrigIdx = append(nonCriticalOrigIdx, i)
	}

	if len(nonCritical) == 0 {
		return results, nil
	}

	cfg, err := s.resolver.Resolve(ctx, settings.PurposeLayer1Scoring)
	if err != nil {
		return nil, fmt.Errorf("scoring: resolve purpose: %w", err)
	}

	// Prompt-cache layout: exactly two shared messages, both cache_control
	// tagged. The three agent calls are shared[0], shared[1], perspective[i].
	// No unique content is ever interleaved before shared[1] (§4.6 critical).
	shared := []llm.Message{
		{Role: llm.RoleSystem, Content: rubricSystemPrompt, CacheControl: llm.Ephemeral},
		{Role: llm.RoleUser, Content: buildBatchUserPrompt(nonCritical), CacheControl: llm.Ephemeral},
	}

	calls := make([]llm.AgentCall, len(perspectives))
	for i, p := range perspectives {
		calls[i] = llm.AgentCall{Label: string(p), Instruction: perspectiveInstruction(p)}
	}
	// Each scoring call is bounded at 60s (§5).
	agentCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	replies := s.gateway.CachedFanOut(agentCtx, cfg.ProviderType, cfg.Model, shared, calls, 0)

	outcomes := make([]perspectiveOutcome, len(replies))
	for i, reply := range replies {
		outcomes[i] = s.parseReply(perspective(reply.Label), reply, len(nonCritical))
		_ = s.stats.TrackTokens(ctx, "layer1_"+reply.Label, outcomes[i].promptTokens, outcomes[i].completionTokens)
	}

	for localIdx, origIdx := range nonCriticalOrigIdx {
		scores := make([]domain.AgentScore, 0, len(outcomes))
		total := 0
		for _, o := range outcomes {
			sc := o.scores[localIdx]
			scores = append(scores, sc)
			total += sc.Score
		}
		routing := s.route(total)
		_ = s.stats.Increment(ctx, "layer1_"+string(routing))
		results[origIdx] = domain.ScoreResult{
			ArticleURL: batch[origIdx].URL,
			Scores:     scores,
			Total:      total,
			Routing:    routing,
		}
	}

	return results, nil
}

func (s *Service) route(total int) domain.Routing {
	switch {
	case total < s.thresholds.Discard:
		return domain.RoutingDiscard
	case total < s.thresholds.FullAnalysis:
		return domain.RoutingLightweight
	default:
		return domain.RoutingFullAnalysis
	}
}

func criticalResult(url string) domain.ScoreResult {
	sc := domain.AgentScore{Tier: "critical_event", Score: 100}
	return domain.ScoreResult{
		ArticleURL: url,
		Scores:     []domain.AgentScore{sc, sc, sc},
		Total:      300,
		Routing:    domain.RoutingFullAnalysis,
		IsCritical: true,
	}
}

// perspectiveOutcome is one agent's parsed contribution across the batch.
type perspectiveOutcome struct {
	perspective      perspective
	scores           []domain.AgentScore
	promptTokens     int
	completionTokens int
}

type agentJSONEntry struct {
	Tier   string `json:"tier"`
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// parseReply turns one CachedFanOut reply into a perspectiveOutcome, falling
// back to a uniform "error"/50 score per article on any transport or parse
// failure (§4.6 fail-open).
func (s *Service) parseReply(p perspective, reply llm.AgentReply, expectedN int) perspectiveOutcome {
	if reply.Err != nil {
		s.log.Warn("scoring: agent call failed, defaulting", "perspective", p, "error", reply.Err)
		return perspectiveOutcome{perspective: p, scores: defaultScores(p, expectedN)}
	}

	parsed := map[string]agentJSONEntry{}
	if err := json.Unmarshal([]byte(reply.Response.Content), &parsed); err != nil {
		s.log.Warn("scoring: unparseable agent JSON, defaulting", "perspective", p, "error", err)
		return perspectiveOutcome{
			perspective:      p,
			scores:           defaultScores(p, expectedN),
			promptTokens:     reply.Response.Usage.PromptTokens,
			completionTokens: reply.Response.Usage.CompletionTokens,
		}
	}

	scores := make([]domain.AgentScore, expectedN)
	for i := range scores {
		entry, ok := parsed[strconv.Itoa(i+1)]
		if !ok {
			scores[i] = domain.AgentScore{Agent: string(p), Tier: "error", Score: 50, Reason: "missing"}
			continue
		}
		scores[i] = domain.AgentScore{Agent: string(p), Tier: entry.Tier, Score: entry.Score, Reason: entry.Reason}
	}

	return perspectiveOutcome{
		perspective:      p,
		scores:           scores,
		promptTokens:     reply.Response.Usage.PromptTokens,
		completionTokens: reply.Response.Usage.CompletionTokens,
	}
}

func defaultScores(p perspective, n int) []domain.AgentScore {
	out := make([]domain.AgentScore, n)
	for i := range out {
		out[i] = domain.AgentScore{Agent: string(p), Tier: "error", Score: 50, Reason: "agent failure"}
	}
	return out
}
