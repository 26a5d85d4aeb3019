package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	wick "github.com/wicklab/wick"
)

func TestOpenAICall(t *testing.T) {
	var gotAuth string
	var gotBody oaBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "hello there",
					"tool_calls": [{"id": "call-1", "type": "function",
						"function": {"name": "fetch", "arguments": "{\"url\":\"http://x\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient("sk-test", "gpt-4o", srv.URL)
	resp, err := client.Call(context.Background(), wick.Request{
		Messages: wick.Messages{
			wick.SystemMessage("be brief"),
			wick.UserMessage("hi"),
		},
		Tools: []wick.ToolSchema{{Name: "fetch", Description: "fetch a URL"}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.Model != "gpt-4o" || len(gotBody.Messages) != 2 || len(gotBody.Tools) != 1 {
		t.Errorf("request body = %+v", gotBody)
	}
	if gotBody.Tools[0].Type != "function" || gotBody.Tools[0].Function.Name != "fetch" {
		t.Errorf("tools = %+v", gotBody.Tools)
	}

	if resp.Content != "hello there" || resp.FinishReason != "tool_calls" {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call-1" || tc.Name != "fetch" || tc.Args["url"] != "http://x" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAICallHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": "rate limited"}`)
	}))
	defer srv.Close()

	client := NewOpenAIClient("k", "m", srv.URL)
	_, err := client.Call(context.Background(), wick.Request{Messages: wick.Messages{wick.UserMessage("hi")}})
	if err == nil {
		t.Fatal("no error on 429")
	}
	if !IsRateLimit(err) {
		t.Errorf("IsRateLimit(%v) = false", err)
	}
}

func TestOpenAIStream(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"fetch","arguments":"{\"ur"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"l\":\"http://x\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body oaBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream || body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
			t.Errorf("stream options = %+v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient("k", "m", srv.URL)
	deltas := make(chan wick.Delta, 16)
	resp, err := client.Stream(context.Background(), wick.Request{Messages: wick.Messages{wick.UserMessage("hi")}}, deltas)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	close(deltas)
	streamed := ""
	for d := range deltas {
		streamed += d.Content
	}
	if streamed != "Hello" || resp.Content != "Hello" {
		t.Errorf("streamed = %q, content = %q", streamed, resp.Content)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call-1" || tc.Name != "fetch" || tc.Args["url"] != "http://x" {
		t.Errorf("assembled tool call = %+v", tc)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIStreamInterleavedToolCalls(t *testing.T) {
	// Parallel tool calls may interleave argument fragments across
	// indexes; assembly must keep each call's fragments together and
	// preserve first-seen order.
	chunks := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-a","function":{"name":"fetch","arguments":"{\"url\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call-b","function":{"name":"calc","arguments":"{\"expr\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"http://a\"}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\"1+1\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewOpenAIClient("k", "m", srv.URL)
	deltas := make(chan wick.Delta, 16)
	resp, err := client.Stream(context.Background(), wick.Request{Messages: wick.Messages{wick.UserMessage("hi")}}, deltas)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	a, b := resp.ToolCalls[0], resp.ToolCalls[1]
	if a.ID != "call-a" || a.Name != "fetch" || a.Args["url"] != "http://a" {
		t.Errorf("first tool call = %+v", a)
	}
	if b.ID != "call-b" || b.Name != "calc" || b.Args["expr"] != "1+1" {
		t.Errorf("second tool call = %+v", b)
	}
}

func TestDecodeToolCallMalformedArgs(t *testing.T) {
	tc := decodeToolCall("id", "fetch", `{"broken`)
	if tc.RawArgs != "{}" || len(tc.Args) != 0 {
		t.Errorf("tool call = %+v", tc)
	}
}

func TestRawArgsRoundTrip(t *testing.T) {
	if got := rawArgs(wick.ToolCall{RawArgs: `{"a":1}`}); got != `{"a":1}` {
		t.Errorf("rawArgs kept = %q", got)
	}
	if got := rawArgs(wick.ToolCall{Args: map[string]any{"a": float64(1)}}); got != `{"a":1}` {
		t.Errorf("rawArgs remarshal = %q", got)
	}
	if got := rawArgs(wick.ToolCall{}); got != "{}" {
		t.Errorf("rawArgs empty = %q", got)
	}
}
