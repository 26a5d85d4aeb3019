package mcp

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// RoleResolver maps a request to the tool patterns its caller may use.
// Returning ok=false rejects the request; a nil resolver allows every
// tool.
type RoleResolver func(r *http.Request) (patterns []string, ok bool)

// Handler serves the gateway's own MCP endpoint: initialize handshake,
// role-filtered tools/list, proxied tools/call, and an SSE channel for
// list_changed notifications.
type Handler struct {
	agg      *Aggregator
	log      *slog.Logger
	resolver RoleResolver

	mu       sync.RWMutex
	sessions map[string]chan []byte
}

// NewHandler creates an MCP endpoint over the aggregator and wires
// itself into the aggregator's change notifications.
func NewHandler(agg *Aggregator, resolver RoleResolver, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		agg:      agg,
		log:      log,
		resolver: resolver,
		sessions: map[string]chan []byte{},
	}
	agg.OnChange = h.broadcastToolsChanged
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleSSE(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) patterns(r *http.Request) ([]string, bool) {
	if h.resolver == nil {
		return []string{"*"}, true
	}
	return h.resolver(r)
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp, err := NewResponse(id, result)
	if err != nil {
		writeResponse(w, NewErrorResponse(id, CodeInternalError, "Internal error"))
		return
	}
	writeResponse(w, resp)
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, NewErrorResponse(nil, CodeParseError, "Parse error"))
		return
	}

	switch req.Method {
	case "initialize":
		h.handleInitialize(w, &req)
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "tools/list":
		h.handleToolsList(w, r, &req)
	case "tools/call":
		h.handleToolsCall(w, r, &req)
	case "ping":
		writeResult(w, req.ID, map[string]any{})
	default:
		if req.IsNotification() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeResponse(w, NewErrorResponse(req.ID, CodeMethodNotFound, "Method not found: "+req.Method))
	}
}

func (h *Handler) handleInitialize(w http.ResponseWriter, req *Request) {
	sessionID := newSessionID()
	h.mu.Lock()
	h.sessions[sessionID] = nil
	h.mu.Unlock()

	w.Header().Set("Mcp-Session-Id", sessionID)
	writeResult(w, req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    json.RawMessage(`{"tools":{"listChanged":true}}`),
		ServerInfo:      ServerInfo{Name: "wick-gateway", Version: "1.0.0"},
	})
}

func (h *Handler) handleToolsList(w http.ResponseWriter, r *http.Request, req *Request) {
	patterns, ok := h.patterns(r)
	if !ok {
		writeResponse(w, NewErrorResponse(req.ID, CodeInternalError, "Access denied"))
		return
	}
	tools := FilterTools(patterns, h.agg.AllTools())
	if tools == nil {
		tools = []Tool{}
	}
	writeResult(w, req.ID, ToolsListResult{Tools: tools})
}

func (h *Handler) handleToolsCall(w http.ResponseWriter, r *http.Request, req *Request) {
	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		writeResponse(w, NewErrorResponse(req.ID, CodeInvalidParams, "Invalid params"))
		return
	}

	patterns, ok := h.patterns(r)
	if !ok || !Allowed(patterns, params.Name) {
		writeResponse(w, NewErrorResponse(req.ID, CodeInternalError,
			fmt.Sprintf("Access denied: tool %s is not allowed for your role", params.Name)))
		return
	}

	client := h.agg.Lookup(params.Name)
	if client == nil {
		writeResponse(w, NewErrorResponse(req.ID, CodeInvalidParams, "Unknown tool: "+params.Name))
		return
	}

	result, err := client.CallTool(r.Context(), params.Name, params.Arguments)
	if err != nil {
		h.log.Warn("tool call failed", "tool", params.Name, "downstream", client.Name(), "err", err)
		writeResponse(w, NewErrorResponse(req.ID, CodeInternalError, err.Error()))
		return
	}
	writeResponse(w, &Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// handleSSE attaches a server-push stream to an existing session. Only
// tools/list_changed notifications flow here.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "SSE requires Accept: text/event-stream", http.StatusBadRequest)
		return
	}
	sessionID := r.Header.Get("Mcp-Session-Id")

	h.mu.Lock()
	_, known := h.sessions[sessionID]
	var ch chan []byte
	if known {
		ch = make(chan []byte, 16)
		h.sessions[sessionID] = ch
	}
	h.mu.Unlock()

	if !known {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	defer func() {
		h.mu.Lock()
		if h.sessions[sessionID] == ch {
			h.sessions[sessionID] = nil
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	h.mu.Lock()
	ch := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	w.WriteHeader(http.StatusOK)
}

// broadcastToolsChanged pushes a list_changed notification to every
// attached SSE stream. Slow consumers drop the message.
func (h *Handler) broadcastToolsChanged() {
	msg := []byte(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.sessions {
		if ch == nil {
			continue
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

func newSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
