// Package llm implements the uniform LLM Gateway (C2): a single Chat/
// ChatStream surface over heterogeneous providers, with prompt-cache hints
// threaded through verbatim and token/cache-hit accounting on every response.
package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/avesed/webstock/pkg/fn"
	"github.com/avesed/webstock/pkg/resilience"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// CacheControl is a provider-agnostic prompt-cache hint. It is passed through
// to the provider's wire format verbatim; the gateway never interprets it.
type CacheControl struct {
	Type string // "ephemeral"
}

// Ephemeral is the sole cache-control value the pipeline uses.
var Ephemeral = &CacheControl{Type: "ephemeral"}

// Message is one entry in a chat Request.
type Message struct {
	Role         Role
	Content      string
	CacheControl *CacheControl
}

// ToolSchema describes a callable tool for providers that support tool use.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request carries everything needed to make one chat call.
type Request struct {
	Model          string
	Messages       []Message
	Tools          []ToolSchema
	ResponseFormat string // e.g. "json_object", "" for free text
	Temperature    float64
	MaxTokens      int
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
}

// CacheHitRate returns CachedTokens / PromptTokens, or 0 if PromptTokens is 0.
func (u Usage) CacheHitRate() float64 {
	if u.PromptTokens == 0 {
		return 0
	}
	return float64(u.CachedTokens) / float64(u.PromptTokens)
}

// Response is the result of a non-streaming Chat call.
type Response struct {
	Content       string
	Usage         Usage
	FinishReason  string
	ToolsSupported bool
}

// StreamEventKind discriminates StreamEvent.
type StreamEventKind int

const (
	ContentDelta StreamEventKind = iota
	ToolCallDelta
	UsageInfo
	FinishEvent
)

// StreamEvent is one event in a ChatStream sequence.
type StreamEvent struct {
	Kind    StreamEventKind
	Delta   string
	Usage   Usage
	Finish  string
}

// Classified failure categories (§4.2, §7).
var (
	ErrAuth       = errors.New("llm: authentication failed")
	ErrNotFound   = errors.New("llm: model or endpoint not found")
	ErrRateLimited = errors.New("llm: rate limited")
	ErrTimeout    = errors.New("llm: request timed out")
	ErrTransport  = errors.New("llm: transport error")
	ErrNoProvider = errors.New("llm: no provider registered for type")
)

// Provider is implemented once per provider_type (openai, anthropic, ollama).
// Each implementation is a thin net/http client, generalizing the shape of
// the teacher's single-provider Ollama HTTP client into a multi-provider
// interface: build request struct -> marshal -> POST -> decode.
type Provider interface {
	Chat(ctx context.Context, req Request) (Response, error)
	ChatStream(ctx context.Context, req Request) (<-chan StreamEvent, error)
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Gateway is the process-wide LLM Gateway singleton, wrapping every provider
// call with a circuit breaker and bounded retry for transient failures.
type Gateway struct {
	providers map[string]Provider
	breaker   *resilience.Breaker
	retry     fn.RetryOpts
}

// NewGateway creates a Gateway with the given provider registry.
func NewGateway(providers map[string]Provider) *Gateway {
	return &Gateway{
		providers: providers,
		breaker:   resilience.NewBreaker(resilience.DefaultBreakerOpts),
		retry:     fn.DefaultRetry,
	}
}

func (g *Gateway) provider(providerType string) (Provider, error) {
	p, ok := g.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, providerType)
	}
	return p, nil
}

// Chat dispatches req to the named provider type, retrying transient errors
// with exponential backoff and tripping the breaker on sustained failure.
// Configuration/auth/not-found errors are never retried: fn.Retry itself has
// no concept of a terminal error, so Chat runs its own bounded loop instead
// of routing through it, breaking out the moment isRetryable says no.
func (g *Gateway) Chat(ctx context.Context, providerType string, req Request) (Response, error) {
	p, err := g.provider(providerType)
	if err != nil {
		return Response{}, err
	}

	opts := g.retryOptsFor(req)
	wait := opts.InitialWait
	var result fn.Result[Response]
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		result = resilience.CallResult(g.breaker, ctx, func(ctx context.Context) fn.Result[Response] {
			resp, err := p.Chat(ctx, req)
			if err != nil {
				return fn.Err[Response](err)
			}
			return fn.Ok(resp)
		})
		if result.IsOk() {
			return result.Unwrap()
		}
		if _, err := result.Unwrap(); !isRetryable(err) || attempt == opts.MaxAttempts-1 {
			break
		}

		sleepDur := wait
		if opts.Jitter {
			sleepDur = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if sleepDur > opts.MaxWait {
			sleepDur = opts.MaxWait
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(sleepDur):
		}
		wait *= 2
		if wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return result.Unwrap()
}

// ChatStream dispatches a streaming call; streaming calls are not retried
// (a partially-consumed stream cannot be safely replayed).
func (g *Gateway) ChatStream(ctx context.Context, providerType string, req Request) (<-chan StreamEvent, error) {
	p, err := g.provider(providerType)
	if err != nil {
		return nil, err
	}
	return p.ChatStream(ctx, req)
}

// Embed generates embeddings for texts via the named provider.
func (g *Gateway) Embed(ctx context.Context, providerType, model string, texts []string) ([][]float32, error) {
	p, err := g.provider(providerType)
	if err != nil {
		return nil, err
	}
	result := fn.Retry(ctx, g.retry, func(ctx context.Context) fn.Result[[][]float32] {
		return resilience.CallResult(g.breaker, ctx, func(ctx context.Context) fn.Result[[][]float32] {
			vecs, err := p.Embed(ctx, model, texts)
			if err != nil {
				return fn.Err[[][]float32](err)
			}
			return fn.Ok(vecs)
		})
	})
	return result.Unwrap()
}

func (g *Gateway) retryOptsFor(req Request) fn.RetryOpts {
	return g.retry
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}
