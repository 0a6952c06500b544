// Package settings implements the Settings & Provider Resolver (C1): it maps
// a named Purpose to the concrete {model, api_key, base_url, provider_type}
// the LLM Gateway should use for that call.
package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Purpose is a stable identifier for an LLM role in the pipeline.
type Purpose string

const (
	PurposeLayer1Scoring          Purpose = "layer1_scoring"
	PurposeLayer2Analysis         Purpose = "phase2_layer2_analysis"
	PurposeLayer2Lightweight      Purpose = "phase2_layer2_lightweight"
	PurposeLayer15Cleaning        Purpose = "phase2_layer15_cleaning"
	PurposeNewsFilter             Purpose = "news_filter" // legacy fallback
	PurposeContentExtraction      Purpose = "content_extraction"
)

// fallbackOf encodes the one documented fallback rule (§4.1): a purpose
// missing an explicit assignment falls back to another purpose before
// erroring. Purposes without a listed fallback error immediately when unset.
var fallbackOf = map[Purpose]Purpose{
	PurposeLayer1Scoring: PurposeNewsFilter,
}

// ProviderConfig is what the resolver returns for a purpose.
type ProviderConfig struct {
	Model        string
	APIKey       string
	BaseURL      string
	ProviderType string
}

// ErrUnknownPurpose is returned when a purpose has no assignment and no
// fallback resolves either. Per §9 design note, unknown purpose is a hard
// boot-time error, not a per-request default.
var ErrUnknownPurpose = errors.New("settings: unknown purpose")

// Resolver is the read-heavy, process-wide purpose->provider table.
type Resolver struct {
	mu        sync.RWMutex
	purposes  map[Purpose]ProviderConfig
}

// NewResolver builds a Resolver from an explicit assignment table. Callers
// populate this at boot (from env/config, matching cmd/api/main.go's
// loadConfig pattern) before the resolver becomes read-heavy.
func NewResolver(assignments map[Purpose]ProviderConfig) *Resolver {
	cp := make(map[Purpose]ProviderConfig, len(assignments))
	for k, v := range assignments {
		cp[k] = v
	}
	return &Resolver{purposes: cp}
}

// Resolve returns the ProviderConfig for purpose, following the fallback
// rule once, then erroring. No silent defaults are applied once a purpose
// exists in the assignment table — a present-but-empty ProviderConfig
// resolves as the zero value, not as an error; only a wholly absent purpose
// with no working fallback errors.
func (r *Resolver) Resolve(_ context.Context, purpose Purpose) (ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.purposes[purpose]; ok {
		return cfg, nil
	}
	if fb, ok := fallbackOf[purpose]; ok {
		if cfg, ok := r.purposes[fb]; ok {
			return cfg, nil
		}
	}
	return ProviderConfig{}, fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
}

// Refresh replaces the assignment table wholesale. Called on an explicit
// settings-change signal (a polled admin flag, not a push mechanism — the
// teacher has no config-push infrastructure either).
func (r *Resolver) Refresh(assignments map[Purpose]ProviderConfig) {
	cp := make(map[Purpose]ProviderConfig, len(assignments))
	for k, v := range assignments {
		cp[k] = v
	}
	r.mu.Lock()
	r.purposes = cp
	r.mu.Unlock()
}
