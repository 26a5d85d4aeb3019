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

const anthropicVersion = "2023-06-01"

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// NewAnthropicClient creates a client for baseURL
// ("https://api.anthropic.com" when empty).
func NewAnthropicClient(apiKey, model, baseURL string) *AnthropicClient {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicClient{apiKey: apiKey, model: model, baseURL: baseURL, http: &http.Client{}}
}

var _ wick.Client = (*AnthropicClient)(nil)

type anthBody struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	System      string         `json:"system,omitempty"`
	Messages    []anthMessage  `json:"messages"`
	Tools       []anthToolDef  `json:"tools,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

type anthMessage struct {
	Role    string      `json:"role"`
	Content []anthBlock `json:"content"`
}

type anthBlock struct {
	Type string `json:"type"`
	// text
	Text string `json:"text,omitempty"`
	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthResponse struct {
	Content    []anthBlock `json:"content"`
	StopReason string      `json:"stop_reason"`
	Usage      *anthUsage  `json:"usage,omitempty"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// buildBody converts the flat transcript to Anthropic's block structure:
// the system message moves to the top-level field, tool messages become
// user-role tool_result blocks, assistant tool calls become tool_use
// blocks.
func (c *AnthropicClient) buildBody(req wick.Request) anthBody {
	body := anthBody{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 4096
	}

	for _, m := range req.Messages {
		switch m.Role {
		case wick.RoleSystem:
			if body.System != "" {
				body.System += "\n\n"
			}
			body.System += m.Content
		case wick.RoleUser:
			body.Messages = append(body.Messages, anthMessage{
				Role:    "user",
				Content: []anthBlock{{Type: "text", Text: m.Content}},
			})
		case wick.RoleAssistant:
			var blocks []anthBlock
			if m.Content != "" {
				blocks = append(blocks, anthBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			body.Messages = append(body.Messages, anthMessage{Role: "assistant", Content: blocks})
		case wick.RoleTool:
			body.Messages = append(body.Messages, anthMessage{
				Role:    "user",
				Content: []anthBlock{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}},
			})
		}
	}

	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		body.Tools = append(body.Tools, anthToolDef{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return body
}

// Call performs a non-streaming request.
func (c *AnthropicClient) Call(ctx context.Context, req wick.Request) (*wick.Response, error) {
	resp, err := c.send(ctx, c.buildBody(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.httpErr(resp)
	}

	var decoded anthResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &Error{Provider: "anthropic", Message: fmt.Sprintf("decode response: %v", err)}
	}

	out := &wick.Response{FinishReason: decoded.StopReason}
	for _, block := range decoded.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			raw, _ := json.Marshal(block.Input)
			out.ToolCalls = append(out.ToolCalls, wick.ToolCall{
				ID: block.ID, Name: block.Name, Args: block.Input, RawArgs: string(raw),
			})
		}
	}
	if decoded.Usage != nil {
		out.Usage = wick.Usage{InputTokens: decoded.Usage.InputTokens, OutputTokens: decoded.Usage.OutputTokens}
	}
	return out, nil
}

// Streaming event frames.
type anthStreamEvent struct {
	Type         string     `json:"type"`
	Index        int        `json:"index"`
	ContentBlock *anthBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthUsage `json:"usage,omitempty"`
}

// Stream performs a streaming request, forwarding text deltas and
// assembling tool_use blocks from partial JSON fragments.
func (c *AnthropicClient) Stream(ctx context.Context, req wick.Request, deltas chan<- wick.Delta) (*wick.Response, error) {
	body := c.buildBody(req)
	body.Stream = true

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
	stopReason := ""

	type partial struct {
		ID   string
		Name string
		JSON strings.Builder
	}
	partials := map[int]*partial{}
	order := []int{}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev anthStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				partials[ev.Index] = &partial{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				order = append(order, ev.Index)
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			if ev.Delta.Text != "" {
				content.WriteString(ev.Delta.Text)
				select {
				case deltas <- wick.Delta{Content: ev.Delta.Text}:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if ev.Delta.PartialJSON != "" {
				if p, ok := partials[ev.Index]; ok {
					p.JSON.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_start":
			if ev.Usage != nil {
				usage.InputTokens = ev.Usage.InputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &Error{Provider: "anthropic", Message: fmt.Sprintf("stream read: %v", err)}
	}

	out := &wick.Response{Content: content.String(), FinishReason: stopReason, Usage: usage}
	for _, idx := range order {
		p := partials[idx]
		args := p.JSON.String()
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, decodeToolCall(p.ID, p.Name, args))
	}
	return out, nil
}

func (c *AnthropicClient) send(ctx context.Context, body anthBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: "anthropic", Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: "anthropic", Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: "anthropic", Message: err.Error()}
	}
	return resp, nil
}

func (c *AnthropicClient) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &Error{Provider: "anthropic", Status: resp.StatusCode, Message: string(body)}
}
