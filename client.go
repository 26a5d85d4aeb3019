package wick

import "context"

// ToolSchema is the model-facing description of a tool.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single model call. Messages carries the full transcript
// including the system message at index 0 when the agent has one.
type Request struct {
	Messages    Messages
	Tools       []ToolSchema
	MaxTokens   int
	Temperature *float64
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the assembled result of a model call.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Delta is one streamed increment of a model response.
type Delta struct {
	Content string
}

// Client is a provider-agnostic LLM client. Stream sends content deltas to
// the channel as they arrive and returns the assembled response; it does not
// close the channel.
type Client interface {
	Call(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, deltas chan<- Delta) (*Response, error)
}
