package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultClientTimeout bounds every downstream HTTP call.
const DefaultClientTimeout = 10 * time.Second

// DownstreamStatus is a point-in-time health snapshot of one downstream.
type DownstreamStatus struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	LastError string `json:"lastError,omitempty"`
	LastCheck string `json:"lastCheck,omitempty"`
}

// Client is an MCP streamable-HTTP client for one downstream server. POST
// bodies are JSON-RPC requests; response bodies are JSON or a short SSE
// stream whose first data line carries the JSON-RPC response.
type Client struct {
	name string
	url  string

	http  *http.Client
	idSeq atomic.Int64

	mu        sync.RWMutex
	sessionID string
	connected bool
	lastError string
	lastCheck time.Time
	toolCount int
}

// NewClient creates a downstream client.
func NewClient(name, url string) *Client {
	return &Client{
		name: name,
		url:  url,
		http: &http.Client{Timeout: DefaultClientTimeout},
	}
}

// Name returns the configured downstream name.
func (c *Client) Name() string { return c.name }

// URL returns the configured downstream URL.
func (c *Client) URL() string { return c.url }

// Status returns the health snapshot.
func (c *Client) Status() DownstreamStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var lastCheck string
	if !c.lastCheck.IsZero() {
		lastCheck = c.lastCheck.Format(time.RFC3339)
	}
	return DownstreamStatus{
		Name:      c.name,
		URL:       c.url,
		Connected: c.connected,
		ToolCount: c.toolCount,
		LastError: c.lastError,
		LastCheck: lastCheck,
	}
}

// Connected reports whether the last health update saw the downstream up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetHealth updates the health snapshot.
func (c *Client) SetHealth(connected bool, lastError string, toolCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	c.lastError = lastError
	c.lastCheck = time.Now()
	c.toolCount = toolCount
}

func (c *Client) nextID() json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%d", c.idSeq.Add(1)))
}

func (c *Client) session() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) post(ctx context.Context, req *Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sid := c.session(); sid != "" {
		httpReq.Header.Set("Mcp-Session-Id", sid)
	}
	return c.http.Do(httpReq)
}

// call sends a JSON-RPC request and decodes the response, unwrapping an SSE
// body when the downstream answers with text/event-stream.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, http.Header, error) {
	var rawParams json.RawMessage
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal params: %w", err)
		}
		rawParams = p
	}

	resp, err := c.post(ctx, &Request{JSONRPC: "2.0", ID: c.nextID(), Method: method, Params: rawParams})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.Header, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	// Notifications answer 202 with no body.
	if len(respBody) == 0 {
		return nil, resp.Header, nil
	}

	jsonBody := respBody
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		jsonBody = extractSSEData(respBody)
		if jsonBody == nil {
			return nil, resp.Header, fmt.Errorf("no data field in SSE response")
		}
	}

	var rpcResp Response
	if err := json.Unmarshal(jsonBody, &rpcResp); err != nil {
		return nil, resp.Header, fmt.Errorf("unmarshal response: %w (body: %s)", err, string(respBody))
	}
	return &rpcResp, resp.Header, nil
}

// notify sends a JSON-RPC notification. No ID, no decoded response.
func (c *Client) notify(ctx context.Context, method string) error {
	resp, err := c.post(ctx, &Request{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// extractSSEData returns the contents of the first data line of an SSE
// body, or nil when there is none.
func extractSSEData(body []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.HasPrefix(line, "data: ") {
			return []byte(strings.TrimPrefix(line, "data: "))
		}
		if strings.HasPrefix(line, "data:") {
			return []byte(strings.TrimPrefix(line, "data:"))
		}
	}
	return nil
}

// Connect performs the MCP handshake: initialize, capture the session
// header, then notifications/initialized.
func (c *Client) Connect(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    json.RawMessage(`{}`),
		ClientInfo:      ClientInfo{Name: "wick-gateway", Version: "1.0.0"},
	}

	rpcResp, headers, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}
	if sid := headers.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("initialize %s: code=%d msg=%s", c.name, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return fmt.Errorf("initialized notification %s: %w", c.name, err)
	}
	return nil
}

// ListTools fetches the downstream's advertised tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	rpcResp, _, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list %s: %w", c.name, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("tools/list %s: code=%d msg=%s", c.name, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	var result ToolsListResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list %s: %w", c.name, err)
	}
	return result.Tools, nil
}

// CallTool invokes a downstream tool and returns its raw result.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	rpcResp, _, err := c.call(ctx, "tools/call", ToolsCallParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s/%s: %w", c.name, name, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("tools/call %s/%s: code=%d msg=%s", c.name, name, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Ping checks downstream liveness.
func (c *Client) Ping(ctx context.Context) error {
	rpcResp, _, err := c.call(ctx, "ping", nil)
	if err != nil {
		return fmt.Errorf("ping %s: %w", c.name, err)
	}
	if rpcResp != nil && rpcResp.Error != nil {
		return fmt.Errorf("ping %s: code=%d msg=%s", c.name, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return nil
}

// Close terminates the downstream session with an HTTP DELETE.
func (c *Client) Close(ctx context.Context) error {
	sid := c.session()
	if sid == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Mcp-Session-Id", sid)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
