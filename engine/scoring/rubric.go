package scoring

import "strconv"

// perspective identifies one of the three independent scoring agents.
type perspective string

const (
	perspectiveMacro  perspective = "macro"
	perspectiveMarket perspective = "market"
	perspectiveSignal perspective = "signal"
)

var perspectives = []perspective{perspectiveMacro, perspectiveMarket, perspectiveSignal}

// rubricSystemPrompt is the shared SYSTEM message (~800 tokens): the full
// six-tier rubric for all three perspectives, ported from
// layer1_scoring_service.py's rubric text. It is built once per batch and
// reused byte-for-byte across all three agent calls so the provider's
// prompt cache sees an identical prefix.
const rubricSystemPrompt = `You are one of three independent financial-news triage analysts. Score every article in the batch from your assigned perspective using this tier-first rubric. First classify into a tier, then assign a numeric score within that tier's range.

macro (macro-economic importance):
  extreme 90-100 | major 70-89 | important 50-69 | general 30-49 | marginal 10-29 | irrelevant 0-9

market (trading / capital-market impact):
  extreme 90-100 | major 70-89 | important 50-69 | general 30-49 | marginal 10-29 | irrelevant 0-9

signal (information quality):
  extreme 90-100 | major 70-89 | important 50-69 | general 30-49 | marginal 10-29 | irrelevant 0-9

For every article return strict JSON keyed by its 1-based batch index:
{"1": {"tier": "<tier>", "score": <int>, "reason": "<=20 chars>"}, "2": {...}, ...}
The score must fall inside the numeric range of the chosen tier. Keep "reason" to 20 characters or fewer. Return JSON only, no prose.`

// perspectiveInstruction is the agent-specific closing message (~100 tokens),
// the only part of the prompt that differs between the three calls.
func perspectiveInstruction(p perspective) string {
	switch p {
	case perspectiveMacro:
		return "Score strictly from the macro-economic-importance perspective."
	case perspectiveMarket:
		return "Score strictly from the trading/capital-market-impact perspective."
	case perspectiveSignal:
		return "Score strictly from the information-quality perspective."
	default:
		return ""
	}
}

// buildBatchUserPrompt is the shared USER message (~3000 tokens): the
// per-article batch text, built once per batch from non-critical articles
// only (critical articles never enter the LLM batch).
func buildBatchUserPrompt(items []Candidate) string {
	var b []byte
	b = append(b, "Score the following articles:\n\n"...)
	for i, it := range items {
		b = append(b, []byte(formatArticleLine(i+1, it))...)
	}
	return string(b)
}

func formatArticleLine(idx int, it Candidate) string {
	return strconv.Itoa(idx) + ". " + it.Title + " — " + it.Summary + "\n"
}
