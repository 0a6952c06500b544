package main

import "context"

// The interfaces below describe collaborators outside the news pipeline
// that an operations console would eventually call into: authentication,
// per-user settings storage, market data, the chat assistant that consumes
// the semantic index, generated reports, billing, and the browser-facing
// dashboard itself. None of these have a concrete implementation here —
// they exist so a real integration has a documented shape to build against.

// Authenticator verifies a request credential and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// UserSettingsStore persists per-user preferences (watchlists, alert
// thresholds, notification channels) separate from the pipeline's own
// system_settings table.
type UserSettingsStore interface {
	Get(ctx context.Context, userID string) (map[string]any, error)
	Set(ctx context.Context, userID string, settings map[string]any) error
}

// MarketDataProvider supplies live price/volume data keyed by symbol, used
// to annotate analysis output with current market context.
type MarketDataProvider interface {
	Quote(ctx context.Context, symbol string) (MarketQuote, error)
}

// MarketQuote is a single point-in-time price observation.
type MarketQuote struct {
	Symbol string
	Price  float64
	Volume int64
}

// ChatAssistant answers natural-language questions against the semantic
// index built by C11, independent of the ingestion pipeline itself.
type ChatAssistant interface {
	Ask(ctx context.Context, question string) (answer string, sources []string, err error)
}

// ReportGenerator compiles a digest of analyzed articles over a window for
// delivery outside the admin API (email, PDF export, etc).
type ReportGenerator interface {
	Generate(ctx context.Context, since string) ([]byte, error)
}

// BillingProvider meters and charges for API usage.
type BillingProvider interface {
	RecordUsage(ctx context.Context, accountID string, units int64) error
}

// Dashboard serves the browser-facing operations UI; the admin HTTP surface
// in this package is its data API, not the UI itself.
type Dashboard interface {
	Render(ctx context.Context) ([]byte, error)
}
