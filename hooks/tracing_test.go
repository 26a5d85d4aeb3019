package hooks

import (
	"context"
	"errors"
	"testing"

	wick "github.com/wicklab/wick"
	"github.com/wicklab/wick/trace"
)

func TestTracingWrapsModelCall(t *testing.T) {
	rec := trace.NewRecorder(0)
	h := NewTracing(rec)
	state := wick.NewAgentState("th-1")

	next := func(ctx context.Context, req *wick.Request) (*wick.Response, error) {
		return &wick.Response{Content: "hi", ToolCalls: []wick.ToolCall{{ID: "c1", Name: "echo"}}}, nil
	}
	if _, err := h.WrapModelCall(state, next)(context.Background(), &wick.Request{}); err != nil {
		t.Fatalf("call: %v", err)
	}

	spans := rec.Spans("th-1")
	if len(spans) != 1 || spans[0].Name != "llm.call" {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].Attrs["tool_calls_count"] != 1 {
		t.Errorf("attrs = %v", spans[0].Attrs)
	}
	if spans[0].End.IsZero() {
		t.Error("span not ended")
	}
}

func TestTracingRecordsModelError(t *testing.T) {
	rec := trace.NewRecorder(0)
	h := NewTracing(rec)
	state := wick.NewAgentState("th-1")

	next := func(ctx context.Context, req *wick.Request) (*wick.Response, error) {
		return nil, errors.New("model exploded")
	}
	if _, err := h.WrapModelCall(state, next)(context.Background(), &wick.Request{}); err == nil {
		t.Fatal("error swallowed")
	}
	spans := rec.Spans("th-1")
	if len(spans) != 1 || spans[0].Err != "model exploded" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestTracingWrapsToolCall(t *testing.T) {
	rec := trace.NewRecorder(0)
	h := NewTracing(rec)
	state := wick.NewAgentState("th-1")

	next := func(ctx context.Context, call wick.ToolCall) wick.ToolResult {
		return wick.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: "boom", IsError: true}
	}
	h.WrapToolCall(state, next)(context.Background(), wick.ToolCall{ID: "c1", Name: "fetch"})

	spans := rec.Spans("th-1")
	if len(spans) != 1 || spans[0].Name != "tool.call" {
		t.Fatalf("spans = %+v", spans)
	}
	if spans[0].Attrs["tool_name"] != "fetch" || spans[0].Attrs["tool_error"] != true {
		t.Errorf("attrs = %v", spans[0].Attrs)
	}
}

func TestTracingHonorsDisabledContext(t *testing.T) {
	rec := trace.NewRecorder(0)
	h := NewTracing(rec)
	state := wick.NewAgentState("th-1")
	ctx := wick.WithTracingDisabled(context.Background())

	next := func(ctx context.Context, req *wick.Request) (*wick.Response, error) {
		return &wick.Response{Content: "hi"}, nil
	}
	if _, err := h.WrapModelCall(state, next)(ctx, &wick.Request{}); err != nil {
		t.Fatalf("call: %v", err)
	}
	h.WrapToolCall(state, func(ctx context.Context, call wick.ToolCall) wick.ToolResult {
		return wick.ToolResult{ToolCallID: call.ID, Name: call.Name}
	})(ctx, wick.ToolCall{ID: "c1", Name: "fetch"})

	if spans := rec.Spans("th-1"); len(spans) != 0 {
		t.Errorf("spans recorded with tracing disabled: %+v", spans)
	}
}

func TestTracingNilTracerPassesThrough(t *testing.T) {
	h := NewTracing(nil)
	state := wick.NewAgentState("th")
	called := false
	next := func(ctx context.Context, req *wick.Request) (*wick.Response, error) {
		called = true
		return &wick.Response{}, nil
	}
	if _, err := h.WrapModelCall(state, next)(context.Background(), &wick.Request{}); err != nil || !called {
		t.Fatal("pass-through broken")
	}
}
