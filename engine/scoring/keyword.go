package scoring

import "strings"

// criticalKeywords covers war, central-bank emergency actions, bankruptcy,
// fraud, major regulatory events, and macro shocks — ported from the
// keyword list in layer1_scoring_service.py's critical-event fast path.
var criticalKeywords = []string{
	"war", "invasion", "military strike", "missile attack",
	"emergency rate cut", "emergency rate hike", "central bank emergency",
	"bankruptcy", "files for bankruptcy", "chapter 11",
	"fraud", "ponzi", "securities fraud",
	"sec charges", "doj charges", "antitrust lawsuit", "market manipulation",
	"flash crash", "circuit breaker halt", "trading halted",
	"default on debt", "sovereign default", "debt ceiling crisis",
	"bank run", "bank failure", "systemic risk",
	"terrorist attack", "coup d'etat", "martial law",
}

// IsCritical reports whether title+summary contains a critical-event keyword,
// case-insensitively. A match bypasses LLM scoring entirely (§4.6).
func IsCritical(title, summary string) bool {
	text := strings.ToLower(title + " " + summary)
	for _, kw := range criticalKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
