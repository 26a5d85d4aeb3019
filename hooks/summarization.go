package hooks

import (
	"context"
	"fmt"
	"strings"

	wick "github.com/wicklab/wick"
)

// Summarization compresses the transcript when its estimated token count
// exceeds 85% of the model's context window. Older messages are replaced by
// an LLM-generated summary; the most recent 10% (at least two) survive
// verbatim. Token counts use the len/4 heuristic.
type Summarization struct {
	wick.BaseHook
	client        wick.Client
	contextWindow int
}

// NewSummarization creates a summarization hook. A zero contextWindow falls
// back to the platform default.
func NewSummarization(client wick.Client, contextWindow int) *Summarization {
	if contextWindow == 0 {
		contextWindow = wick.DefaultContextWindow
	}
	return &Summarization{client: client, contextWindow: contextWindow}
}

func (h *Summarization) Name() string { return "summarization" }

// WrapModelCall compresses req.Messages in place when over threshold. A
// failed summarization call passes the request through unmodified.
func (h *Summarization) WrapModelCall(state *wick.AgentState, next wick.ModelCallFunc) wick.ModelCallFunc {
	return func(ctx context.Context, req *wick.Request) (*wick.Response, error) {
		threshold := int(float64(h.contextWindow) * 0.85)
		if estimateTokens(req.Messages) <= threshold {
			return next(ctx, req)
		}

		msgs := req.Messages
		keepCount := len(msgs) / 10
		if keepCount < 2 {
			keepCount = 2
		}
		if len(msgs) <= keepCount {
			return next(ctx, req)
		}

		oldMsgs := msgs[:len(msgs)-keepCount]
		recent := msgs[len(msgs)-keepCount:]

		var sb strings.Builder
		sb.WriteString("Summarize the following conversation context concisely. ")
		sb.WriteString("Preserve key decisions, file paths, tool results, and important details. ")
		sb.WriteString("Keep the summary under 2000 words.\n\n")
		for _, m := range oldMsgs {
			content := m.Content
			// Large file-write payloads add nothing to the summary.
			if len(content) > 2000 && (m.Name == "write_file" || m.Name == "edit_file") {
				content = content[:2000] + "... [truncated]"
			}
			sb.WriteString(fmt.Sprintf("[%s] %s\n\n", m.Role, content))
		}

		summary, err := h.client.Call(ctx, wick.Request{
			Messages:  wick.Messages{wick.UserMessage(sb.String())},
			MaxTokens: 2000,
		})
		if err != nil {
			return next(ctx, req)
		}

		compressed := make(wick.Messages, 0, len(recent)+1)
		compressed = append(compressed, wick.SystemMessage(fmt.Sprintf("[Conversation Summary]\n%s", summary.Content)))
		compressed = append(compressed, recent...)
		req.Messages = compressed
		return next(ctx, req)
	}
}

// estimateTokens gives a rough token count for a transcript.
func estimateTokens(msgs wick.Messages) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content) / 4
	}
	return total
}
