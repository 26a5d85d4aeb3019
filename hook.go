package wick

import "context"

// ModelCallFunc performs one model call. Hooks wrap it to observe or rewrite
// calls.
type ModelCallFunc func(ctx context.Context, req *Request) (*Response, error)

// ToolCallFunc executes one tool call. Hooks wrap it to observe or rewrite
// results. It never fails outright: execution errors become error-flagged
// results.
type ToolCallFunc func(ctx context.Context, call ToolCall) ToolResult

// Hook observes and modifies a turn at four phases. BeforeAgent runs once
// per turn; ModifyRequest runs before every model call; the two Wrap phases
// build onion-style middleware chains where the first hook in the agent's
// list is the outermost layer.
type Hook interface {
	Name() string
	BeforeAgent(ctx context.Context, state *AgentState) error
	ModifyRequest(ctx context.Context, state *AgentState, req *Request) error
	WrapModelCall(state *AgentState, next ModelCallFunc) ModelCallFunc
	WrapToolCall(state *AgentState, next ToolCallFunc) ToolCallFunc
}

// BaseHook is a no-op Hook for embedding. Implementations override only the
// phases they participate in.
type BaseHook struct{}

func (BaseHook) BeforeAgent(ctx context.Context, state *AgentState) error { return nil }

func (BaseHook) ModifyRequest(ctx context.Context, state *AgentState, req *Request) error {
	return nil
}

func (BaseHook) WrapModelCall(state *AgentState, next ModelCallFunc) ModelCallFunc { return next }

func (BaseHook) WrapToolCall(state *AgentState, next ToolCallFunc) ToolCallFunc { return next }

// ChainModelCall layers every hook's model wrapper around inner, first hook
// outermost.
func ChainModelCall(hooks []Hook, state *AgentState, inner ModelCallFunc) ModelCallFunc {
	f := inner
	for i := len(hooks) - 1; i >= 0; i-- {
		f = hooks[i].WrapModelCall(state, f)
	}
	return f
}

// ChainToolCall layers every hook's tool wrapper around inner, first hook
// outermost.
func ChainToolCall(hooks []Hook, state *AgentState, inner ToolCallFunc) ToolCallFunc {
	f := inner
	for i := len(hooks) - 1; i >= 0; i-- {
		f = hooks[i].WrapToolCall(state, f)
	}
	return f
}
