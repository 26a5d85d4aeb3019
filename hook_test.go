package wick

import (
	"context"
	"testing"
)

// taggingHook appends its tag around the wrapped calls to record chain
// ordering.
type taggingHook struct {
	BaseHook
	tag   string
	trace *[]string
}

func (h *taggingHook) Name() string { return h.tag }

func (h *taggingHook) WrapModelCall(state *AgentState, next ModelCallFunc) ModelCallFunc {
	return func(ctx context.Context, req *Request) (*Response, error) {
		*h.trace = append(*h.trace, h.tag+">")
		resp, err := next(ctx, req)
		*h.trace = append(*h.trace, "<"+h.tag)
		return resp, err
	}
}

func (h *taggingHook) WrapToolCall(state *AgentState, next ToolCallFunc) ToolCallFunc {
	return func(ctx context.Context, call ToolCall) ToolResult {
		*h.trace = append(*h.trace, h.tag+">")
		res := next(ctx, call)
		*h.trace = append(*h.trace, "<"+h.tag)
		return res
	}
}

func TestChainModelCallOrder(t *testing.T) {
	var trace []string
	hooks := []Hook{
		&taggingHook{tag: "outer", trace: &trace},
		&taggingHook{tag: "inner", trace: &trace},
	}

	inner := func(ctx context.Context, req *Request) (*Response, error) {
		trace = append(trace, "call")
		return &Response{}, nil
	}
	if _, err := ChainModelCall(hooks, nil, inner)(context.Background(), &Request{}); err != nil {
		t.Fatalf("chained call: %v", err)
	}

	want := []string{"outer>", "inner>", "call", "<inner", "<outer"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestChainToolCallOrder(t *testing.T) {
	var trace []string
	hooks := []Hook{
		&taggingHook{tag: "a", trace: &trace},
		&taggingHook{tag: "b", trace: &trace},
	}

	inner := func(ctx context.Context, call ToolCall) ToolResult {
		trace = append(trace, "exec")
		return ToolResult{}
	}
	ChainToolCall(hooks, nil, inner)(context.Background(), ToolCall{})

	want := []string{"a>", "b>", "exec", "<b", "<a"}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}
