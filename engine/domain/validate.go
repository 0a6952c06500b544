package domain

import (
	"strings"
	"time"
)

var validContentStatuses = map[ContentStatus]bool{
	ContentPending: true, ContentFetched: true, ContentPartial: true,
	ContentEmbedded: true, ContentFailed: true, ContentBlocked: true,
	ContentDeleted: true, ContentEmbeddingFailed: true,
}

var validFilterStatuses = map[FilterStatus]bool{
	FilterPending: true, FilterUseful: true, FilterUncertain: true,
	FilterSkipped: true, FilterKeep: true, FilterDelete: true,
	FilterFineKeep: true, FilterFineDelete: true,
}

var validSentiments = map[Sentiment]bool{
	SentimentBullish: true, SentimentBearish: true, SentimentNeutral: true, "": true,
}

var validEntityTypes = map[EntityType]bool{
	EntityStock: true, EntityIndex: true, EntityMacro: true,
}

// ValidateArticle validates an Article's required fields and closed enums.
// It does not enforce uniqueness of (source, url) — that is a store-level
// constraint (a Postgres unique index), not a structural property.
func ValidateArticle(a Article) error {
	if strings.TrimSpace(a.URL) == "" {
		return NewValidationError("url", a.URL, ErrMissingURL)
	}
	if strings.TrimSpace(a.Source) == "" {
		return NewValidationError("source", a.Source, ErrMissingSource)
	}
	if strings.TrimSpace(a.Title) == "" {
		return NewValidationError("title", a.Title, ErrMissingTitle)
	}
	if !validContentStatuses[a.ContentStatus] {
		return NewValidationError("content_status", string(a.ContentStatus), ErrInvalidContentStatus)
	}
	if !validFilterStatuses[a.FilterStatus] {
		return NewValidationError("filter_status", string(a.FilterStatus), ErrInvalidFilterStatus)
	}
	if !validSentiments[a.SentimentTag] {
		return NewValidationError("sentiment_tag", string(a.SentimentTag), ErrInvalidSentiment)
	}
	for _, t := range a.IndustryTags {
		if !IndustryTags[t] {
			return NewValidationError("industry_tags", t, ErrInvalidIndustryTag)
		}
	}
	for _, t := range a.EventTags {
		if !EventTags[t] {
			return NewValidationError("event_tags", t, ErrInvalidEventTag)
		}
	}
	for _, e := range a.RelatedEntities {
		if !validEntityTypes[e.Type] {
			return NewValidationError("related_entities.type", string(e.Type), ErrInvalidEntityType)
		}
	}
	// Invariant (i): content file reference only while content-status implies a file exists.
	if a.ContentFilePath != "" {
		switch a.ContentStatus {
		case ContentFetched, ContentPartial, ContentEmbedded:
		default:
			return NewValidationError("content_file_path", a.ContentFilePath, ErrInvalidContentStatus)
		}
	}
	return nil
}

// ValidateFeed validates a Feed's required fields.
func ValidateFeed(f Feed) error {
	if strings.TrimSpace(f.Route) == "" {
		return NewValidationError("route", f.Route, ErrMissingFeedRoute)
	}
	if f.PollInterval < time.Second {
		return NewValidationError("poll_interval", f.PollInterval.String(), ErrInvalidPollInterval)
	}
	return nil
}

// SanitizeTags filters a candidate tag list down to the members of the closed
// taxonomy allowed, in their original order, dropping unknown values.
func SanitizeTags(candidates []string, allowed map[string]bool) []string {
	out := make([]string, 0, len(candidates))
	for _, t := range candidates {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out
}
