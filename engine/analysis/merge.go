package analysis

import (
	"sort"
	"strconv"
	"strings"

	"github.com/avesed/webstock/engine/domain"
	"github.com/avesed/webstock/pkg/llm"
)

const (
	minInvestmentSummaryLen = 2
	minDetailedSummaryLen   = 10
	minReportLen            = 30
	maxInvestmentSummaryLen = 500
	maxEntities             = 6
	maxTagsPerList          = 5
)

var validSentiments = map[string]bool{"bullish": true, "bearish": true, "neutral": true}
var validTimeHorizons = map[string]bool{"short_term": true, "medium_term": true, "long_term": true}
var validImpactMagnitudes = map[string]bool{"high": true, "medium": true, "low": true}

// mergeAgentResults combines the five agents' parsed outputs into one
// AnalysisResult, applying the same fail-open defaults per field that a
// missing or malformed agent reply would otherwise leave empty.
func mergeAgentResults(byName map[string]llm.AgentReply) domain.AnalysisResult {
	result := domain.AnalysisResult{Decision: "keep"}

	entityData := parseAgentJSON(byName["entity_extractor"])
	result.Entities = mergeEntities(entityData)

	sentimentData := parseAgentJSON(byName["sentiment_tags"])
	result.Sentiment, result.IndustryTags, result.EventTags = mergeSentimentTags(sentimentData)

	summaryData := parseAgentJSON(byName["summary_generator"])
	result.InvestmentSummary, result.DetailedSummary = mergeSummaries(summaryData)

	impactData := parseAgentJSON(byName["impact_assessor"])
	result.Impact = mergeImpact(impactData)

	reportData := parseAgentJSON(byName["report_writer"])
	result.AnalysisReport = mergeReport(reportData)

	return result
}

func mergeEntities(data map[string]any) []domain.Entity {
	raw, _ := data["entities"].([]any)
	var out []domain.Entity
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["entity"].(string)
		typ, _ := m["type"].(string)
		score, _ := m["score"].(float64)
		if name == "" {
			continue
		}
		var et domain.EntityType
		switch typ {
		case "stock":
			et = domain.EntityStock
		case "index":
			et = domain.EntityIndex
		case "macro":
			et = domain.EntityMacro
		default:
			continue
		}
		out = append(out, domain.Entity{Entity: name, Type: et, Score: score})
		if len(out) >= maxEntities {
			break
		}
	}
	return out
}

func mergeSentimentTags(data map[string]any) (domain.Sentiment, []string, []string) {
	sentiment := domain.SentimentNeutral
	if raw, ok := data["sentiment"].(string); ok && validSentiments[raw] {
		sentiment = domain.Sentiment(raw)
	}

	industry := domain.SanitizeTags(stringsOf(data["industry_tags"]), domain.IndustryTags)
	events := domain.SanitizeTags(stringsOf(data["event_tags"]), domain.EventTags)
	if len(industry) > maxTagsPerList {
		industry = industry[:maxTagsPerList]
	}
	if len(events) > maxTagsPerList {
		events = events[:maxTagsPerList]
	}
	return sentiment, industry, events
}

func stringsOf(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func mergeSummaries(data map[string]any) (investment, detailed string) {
	investment, _ = data["investment_summary"].(string)
	detailed, _ = data["detailed_summary"].(string)

	if len(investment) > maxInvestmentSummaryLen {
		investment = investment[:maxInvestmentSummaryLen]
	}
	if len(investment) < minInvestmentSummaryLen {
		investment = ""
	}
	if len(detailed) < minDetailedSummaryLen {
		detailed = ""
	}
	return investment, detailed
}

func mergeImpact(data map[string]any) domain.ImpactBlock {
	if len(data) == 0 {
		return domain.DefaultImpactBlock()
	}
	block := domain.ImpactBlock{
		MarketImpact: stringOr(data["market_impact"], ""),
		SectorImpact: stringOr(data["sector_impact"], ""),
		StockImpact:  stringOr(data["stock_impact"], ""),
	}
	horizon := stringOr(data["time_horizon"], "")
	if !validTimeHorizons[horizon] {
		horizon = "medium_term"
	}
	magnitude := stringOr(data["impact_magnitude"], "")
	if !validImpactMagnitudes[magnitude] {
		magnitude = "medium"
	}
	block.TimeHorizon = horizon
	block.ImpactMagnitude = magnitude
	return block
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

// mergeReport resolves the report-writer's output to a markdown string,
// including the dict->markdown and raw-content recovery paths ported from
// _merge_agent_results / _dict_to_markdown.
func mergeReport(data map[string]any) string {
	var report string
	switch v := data["analysis_report"].(type) {
	case string:
		report = v
	case map[string]any:
		report = dictToMarkdown(v, 2)
	}

	if report == "" {
		if raw, ok := data["_raw"].(string); ok && len(raw) >= 50 {
			if idx := strings.Index(raw, "## "); idx >= 0 {
				report = strings.TrimSpace(raw[idx:])
			}
		}
	}

	if len(report) < minReportLen {
		return ""
	}
	return report
}

// dictToMarkdown renders a nested map as markdown sections, for the case
// where the LLM returns analysis_report as a structured object instead of
// a string.
func dictToMarkdown(d map[string]any, level int) string {
	prefix := strings.Repeat("#", level)
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		switch v := d[key].(type) {
		case string:
			parts = append(parts, prefix+" "+key+"\n"+v)
		case map[string]any:
			parts = append(parts, prefix+" "+key+"\n"+bulletLines(v))
		case []any:
			parts = append(parts, prefix+" "+key+"\n"+bulletList(v))
		default:
			parts = append(parts, prefix+" "+key+"\n"+toStr(v))
		}
	}
	return strings.Join(parts, "\n\n")
}

func bulletLines(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var lines []string
	for _, k := range keys {
		lines = append(lines, "- **"+k+"**: "+toStr(m[k]))
	}
	return strings.Join(lines, "\n")
}

func bulletList(items []any) string {
	var lines []string
	for _, item := range items {
		lines = append(lines, "- "+toStr(item))
	}
	return strings.Join(lines, "\n")
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
