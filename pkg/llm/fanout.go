package llm

import (
	"context"

	"github.com/avesed/webstock/pkg/fn"
)

// AgentCall is one fan-out participant: a label for logging/stats plus the
// agent-specific closing instruction appended after the shared cached
// prefix.
type AgentCall struct {
	Label       string
	Instruction string
}

// AgentReply is one participant's outcome. Err is non-nil on a per-agent
// failure (transport error, non-retryable rejection); CachedFanOut never
// fails the whole batch for one agent's failure — callers apply their own
// fail-open default by label.
type AgentReply struct {
	Label    string
	Response Response
	Err      error
}

// CachedFanOut runs one Chat call per AgentCall, all sharing the same
// cache_control-tagged prefix messages so the provider's prompt cache sees
// an identical prefix across every call. Used by both the Layer 1 scorer
// (C6) and the Layer 2 five-agent analyzer (C9) — the two callers built
// near-identical cache-prefix-building code in the original Python service,
// so the shape is factored out here.
func (g *Gateway) CachedFanOut(ctx context.Context, providerType, model string, shared []Message, calls []AgentCall, temperature float64) []AgentReply {
	fns := make([]func() fn.Result[AgentReply], len(calls))
	for i, call := range calls {
		call := call
		fns[i] = func() fn.Result[AgentReply] {
			msgs := make([]Message, 0, len(shared)+1)
			msgs = append(msgs, shared...)
			msgs = append(msgs, Message{Role: RoleUser, Content: call.Instruction})

			resp, err := g.Chat(ctx, providerType, Request{
				Model:          model,
				Messages:       msgs,
				ResponseFormat: "json_object",
				Temperature:    temperature,
			})
			return fn.Ok(AgentReply{Label: call.Label, Response: resp, Err: err})
		}
	}

	results := fn.FanOut(fns...)
	out := make([]AgentReply, len(results))
	for i, r := range results {
		// FanOut's f always returns fn.Ok — Unwrap only surfaces an error if
		// the result itself was Err, which never happens here.
		out[i], _ = r.Unwrap()
	}
	return out
}
