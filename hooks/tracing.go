package hooks

import (
	"context"

	wick "github.com/wicklab/wick"
)

// Tracing wraps model and tool calls in timed spans on a wick.Tracer.
type Tracing struct {
	wick.BaseHook
	tracer wick.Tracer
}

// NewTracing creates a tracing hook. A nil tracer disables it.
func NewTracing(tr wick.Tracer) *Tracing {
	return &Tracing{tracer: tr}
}

func (h *Tracing) Name() string { return "tracing" }

func (h *Tracing) WrapModelCall(state *wick.AgentState, next wick.ModelCallFunc) wick.ModelCallFunc {
	if h.tracer == nil {
		return next
	}
	return func(ctx context.Context, req *wick.Request) (*wick.Response, error) {
		if !wick.TracingEnabled(ctx) {
			return next(ctx, req)
		}
		ctx, span := h.tracer.Start(ctx, "llm.call",
			wick.StringAttr("thread_id", state.ThreadID),
			wick.StringAttr("run_id", wick.RunIDFromContext(ctx)),
			wick.IntAttr("message_count", len(req.Messages)),
		)
		resp, err := next(ctx, req)
		if err != nil {
			span.Error(err)
		} else {
			span.SetAttr(
				wick.IntAttr("content_length", len(resp.Content)),
				wick.IntAttr("tool_calls_count", len(resp.ToolCalls)),
				wick.StringAttr("content", preview(resp.Content)),
			)
			if len(resp.ToolCalls) > 0 {
				names := make([]string, len(resp.ToolCalls))
				for i, tc := range resp.ToolCalls {
					names[i] = tc.Name
				}
				span.SetAttr(wick.SpanAttr{Key: "tool_calls", Value: names})
			}
		}
		span.End()
		return resp, err
	}
}

func (h *Tracing) WrapToolCall(state *wick.AgentState, next wick.ToolCallFunc) wick.ToolCallFunc {
	if h.tracer == nil {
		return next
	}
	return func(ctx context.Context, call wick.ToolCall) wick.ToolResult {
		if !wick.TracingEnabled(ctx) {
			return next(ctx, call)
		}
		ctx, span := h.tracer.Start(ctx, "tool.call",
			wick.StringAttr("thread_id", state.ThreadID),
			wick.StringAttr("tool_name", call.Name),
			wick.StringAttr("tool_call_id", call.ID),
		)
		span.SetAttr(wick.SpanAttr{Key: "tool_args", Value: call.Args})
		result := next(ctx, call)
		span.SetAttr(
			wick.IntAttr("output_length", len(result.Content)),
			wick.StringAttr("output", preview(result.Content)),
		)
		if result.IsError {
			span.SetAttr(wick.SpanAttr{Key: "tool_error", Value: true})
		}
		span.End()
		return result
	}
}

func preview(s string) string {
	if len(s) <= 500 {
		return s
	}
	return s[:500] + "...(truncated)"
}
