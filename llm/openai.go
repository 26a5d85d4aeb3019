package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	wick "github.com/wicklab/wick"
)

// OpenAIClient talks to any OpenAI-compatible chat completions API: OpenAI,
// OpenRouter, Groq, Ollama, vLLM, and the rest. The /chat/completions path
// is appended to the base URL.
type OpenAIClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewOpenAIClient creates a client for baseURL (for example
// "https://api.openai.com/v1").
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	return &OpenAIClient{apiKey: apiKey, model: model, baseURL: baseURL, http: &http.Client{}}
}

var _ wick.Client = (*OpenAIClient)(nil)

// Wire types for the chat completions API.

type oaBody struct {
	Model         string          `json:"model"`
	Messages      []oaMessage     `json:"messages"`
	Tools         []oaTool        `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *oaStreamOption `json:"stream_options,omitempty"`
}

type oaStreamOption struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

type oaToolCall struct {
	Index    int        `json:"index,omitempty"`
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type,omitempty"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaTool struct {
	Type     string    `json:"type"`
	Function oaToolDef `json:"function"`
}

type oaToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message      *oaMessage `json:"message,omitempty"`
		Delta        *oaMessage `json:"delta,omitempty"`
		FinishReason string     `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

func (c *OpenAIClient) buildBody(req wick.Request) oaBody {
	body := oaBody{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		wm := oaMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if m.Role == wick.RoleTool {
			wm.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, oaToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: oaFunction{
					Name:      tc.Name,
					Arguments: rawArgs(tc),
				},
			})
		}
		body.Messages = append(body.Messages, wm)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, oaTool{
			Type: "function",
			Function: oaToolDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return body
}

// rawArgs echoes the provider's original argument JSON when kept, otherwise
// re-marshals the decoded map.
func rawArgs(tc wick.ToolCall) string {
	if tc.RawArgs != "" {
		return tc.RawArgs
	}
	raw, err := json.Marshal(tc.Args)
	if err != nil || tc.Args == nil {
		return "{}"
	}
	return string(raw)
}

// Call performs a non-streaming completion.
func (c *OpenAIClient) Call(ctx context.Context, req wick.Request) (*wick.Response, error) {
	resp, err := c.send(ctx, c.buildBody(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.httpErr(resp)
	}

	var decoded oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &Error{Provider: "openai", Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(decoded.Choices) == 0 || decoded.Choices[0].Message == nil {
		return nil, &Error{Provider: "openai", Message: "empty response"}
	}

	choice := decoded.Choices[0]
	out := &wick.Response{Content: choice.Message.Content, FinishReason: choice.FinishReason}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	if decoded.Usage != nil {
		out.Usage = wick.Usage{InputTokens: decoded.Usage.PromptTokens, OutputTokens: decoded.Usage.CompletionTokens}
	}
	return out, nil
}

// Stream performs a streaming completion, sending content deltas to deltas
// and accumulating tool calls across chunks by index.
func (c *OpenAIClient) Stream(ctx context.Context, req wick.Request, deltas chan<- wick.Delta) (*wick.Response, error) {
	body := c.buildBody(req)
	body.Stream = true
	body.StreamOptions = &oaStreamOption{IncludeUsage: true}

	resp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.httpErr(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var content strings.Builder
	var usage wick.Usage
	finishReason := ""

	// Tool calls stream incrementally: each chunk carries an index and
	// argument fragments. Fragments for different indexes may interleave,
	// so partials are keyed by index and emitted in first-seen order.
	type partial struct {
		ID   string
		Name string
		Args strings.Builder
	}
	partials := map[int]*partial{}
	var order []int

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk oaResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = wick.Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}

		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			select {
			case deltas <- wick.Delta{Content: choice.Delta.Content}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			p, ok := partials[tc.Index]
			if !ok {
				p = &partial{}
				partials[tc.Index] = p
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				p.ID = tc.ID
			}
			if tc.Function.Name != "" {
				p.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				p.Args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &Error{Provider: "openai", Message: fmt.Sprintf("stream read: %v", err)}
	}

	out := &wick.Response{Content: content.String(), FinishReason: finishReason, Usage: usage}
	for _, idx := range order {
		p := partials[idx]
		out.ToolCalls = append(out.ToolCalls, decodeToolCall(p.ID, p.Name, p.Args.String()))
	}
	return out, nil
}

// decodeToolCall parses argument JSON, falling back to an empty object on
// malformed fragments.
func decodeToolCall(id, name, args string) wick.ToolCall {
	if !json.Valid([]byte(args)) {
		args = "{}"
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		decoded = map[string]any{}
	}
	return wick.ToolCall{ID: id, Name: name, Args: decoded, RawArgs: args}
}

func (c *OpenAIClient) send(ctx context.Context, body oaBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: "openai", Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: "openai", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: "openai", Message: err.Error()}
	}
	return resp, nil
}

func (c *OpenAIClient) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &Error{Provider: "openai", Status: resp.StatusCode, Message: string(body)}
}
