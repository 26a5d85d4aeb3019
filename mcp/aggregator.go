package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	wick "github.com/wicklab/wick"
)

// DefaultHealthInterval is the downstream health check period.
const DefaultHealthInterval = 30 * time.Second

// Aggregator merges the tool sets of all downstream clients into a single
// namespace and routes calls to the owning downstream. When two downstreams
// advertise the same tool name the later one wins and a warning is logged.
type Aggregator struct {
	log *slog.Logger

	mu        sync.RWMutex
	clients   []*Client
	discovery map[*Client][]Tool
	toolMap   map[string]*Client
	allTools  []Tool

	// OnChange fires after every mutation of the aggregate tool set:
	// discovery, downstream add/remove, health transitions.
	OnChange func()
}

// NewAggregator creates an empty aggregator.
func NewAggregator(log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{
		log:       log,
		discovery: map[*Client][]Tool{},
		toolMap:   map[string]*Client{},
	}
}

// AddDownstream registers a new downstream and discovers its tools.
func (a *Aggregator) AddDownstream(ctx context.Context, name, url string) *Client {
	c := NewClient(name, url)
	a.mu.Lock()
	a.clients = append(a.clients, c)
	a.mu.Unlock()

	a.discover(ctx, c)
	a.rebuild()
	a.notifyChange()
	return c
}

// RemoveDownstream drops a downstream by name. Its tools leave the
// aggregate immediately.
func (a *Aggregator) RemoveDownstream(ctx context.Context, name string) bool {
	a.mu.Lock()
	var removed *Client
	kept := a.clients[:0]
	for _, c := range a.clients {
		if c.Name() == name && removed == nil {
			removed = c
			continue
		}
		kept = append(kept, c)
	}
	a.clients = kept
	if removed != nil {
		delete(a.discovery, removed)
	}
	a.mu.Unlock()

	if removed == nil {
		return false
	}
	_ = removed.Close(ctx)
	a.rebuild()
	a.notifyChange()
	return true
}

// DiscoverAll connects to every downstream and aggregates their tools. A
// failing downstream is marked disconnected and skipped; the rest proceed.
func (a *Aggregator) DiscoverAll(ctx context.Context) {
	a.mu.RLock()
	clients := append([]*Client(nil), a.clients...)
	a.mu.RUnlock()

	for _, c := range clients {
		a.discover(ctx, c)
	}
	a.rebuild()
	a.notifyChange()
}

// discover runs connect+list for one client, updating its health and the
// cached tool list.
func (a *Aggregator) discover(ctx context.Context, c *Client) {
	if err := c.Connect(ctx); err != nil {
		a.log.Warn("downstream connect failed", "downstream", c.Name(), "err", err)
		c.SetHealth(false, err.Error(), 0)
		a.setDiscovery(c, nil)
		return
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		a.log.Warn("downstream discovery failed", "downstream", c.Name(), "err", err)
		c.SetHealth(false, err.Error(), 0)
		a.setDiscovery(c, nil)
		return
	}
	c.SetHealth(true, "", len(tools))
	a.setDiscovery(c, tools)
	a.log.Info("downstream discovered", "downstream", c.Name(), "tools", len(tools))
}

func (a *Aggregator) setDiscovery(c *Client, tools []Tool) {
	a.mu.Lock()
	a.discovery[c] = tools
	a.mu.Unlock()
}

// rebuild recomputes toolMap and allTools from the cached discovery
// results of connected clients.
func (a *Aggregator) rebuild() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.toolMap = map[string]*Client{}
	a.allTools = nil
	order := []string{}
	byName := map[string]Tool{}

	for _, c := range a.clients {
		if !c.Connected() {
			continue
		}
		for _, t := range a.discovery[c] {
			if prev, ok := a.toolMap[t.Name]; ok {
				a.log.Warn("tool shadowed", "tool", t.Name, "winner", c.Name(), "loser", prev.Name())
			} else {
				order = append(order, t.Name)
			}
			a.toolMap[t.Name] = c
			byName[t.Name] = t
		}
	}

	for _, name := range order {
		a.allTools = append(a.allTools, byName[name])
	}
}

func (a *Aggregator) notifyChange() {
	if a.OnChange != nil {
		a.OnChange()
	}
}

// Lookup returns the downstream owning the named tool, or nil.
func (a *Aggregator) Lookup(toolName string) *Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.toolMap[toolName]
}

// AllTools returns the aggregated tool list, deduplicated by name.
func (a *Aggregator) AllTools() []Tool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Tool(nil), a.allTools...)
}

// Statuses returns health snapshots for every downstream.
func (a *Aggregator) Statuses() []DownstreamStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]DownstreamStatus, 0, len(a.clients))
	for _, c := range a.clients {
		out = append(out, c.Status())
	}
	return out
}

// StartHealthLoop pings connected downstreams and retries disconnected
// ones until ctx is cancelled.
func (a *Aggregator) StartHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.healthPass(ctx)
			}
		}
	}()
}

func (a *Aggregator) healthPass(ctx context.Context) {
	a.mu.RLock()
	clients := append([]*Client(nil), a.clients...)
	a.mu.RUnlock()

	changed := false
	for _, c := range clients {
		if !c.Connected() {
			a.discover(ctx, c)
			if c.Connected() {
				changed = true
			}
			continue
		}
		if err := c.Ping(ctx); err != nil {
			a.log.Warn("downstream ping failed", "downstream", c.Name(), "err", err)
			c.SetHealth(false, err.Error(), 0)
			changed = true
		}
	}
	if changed {
		a.rebuild()
		a.notifyChange()
	}
}

// federatedTool adapts one aggregated MCP tool to the engine tool
// interface, proxying execution to the owning downstream.
type federatedTool struct {
	agg  *Aggregator
	tool Tool
}

func (t *federatedTool) Name() string        { return t.tool.Name }
func (t *federatedTool) Description() string { return t.tool.Description }

func (t *federatedTool) Parameters() map[string]any {
	var schema map[string]any
	if len(t.tool.InputSchema) > 0 {
		_ = json.Unmarshal(t.tool.InputSchema, &schema)
	}
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}

func (t *federatedTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	client := t.agg.Lookup(t.tool.Name)
	if client == nil {
		return "", &RPCErrorValue{Code: CodeInvalidParams, Message: "unknown tool: " + t.tool.Name}
	}
	arguments, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	raw, err := client.CallTool(ctx, t.tool.Name, arguments)
	if err != nil {
		return "", err
	}

	var result ToolsCallResult
	if err := json.Unmarshal(raw, &result); err == nil && len(result.Content) > 0 {
		out := ""
		for _, item := range result.Content {
			if item.Type == "text" {
				out += item.Text
			}
		}
		if result.IsError {
			return "", &RPCErrorValue{Code: CodeInternalError, Message: out}
		}
		return out, nil
	}
	return string(raw), nil
}

// RPCErrorValue carries a JSON-RPC error code through the Go error chain.
type RPCErrorValue struct {
	Code    int
	Message string
}

func (e *RPCErrorValue) Error() string { return e.Message }

// Tools implements wick.ToolSource over the aggregate.
func (a *Aggregator) Tools(ctx context.Context) []wick.Tool {
	all := a.AllTools()
	out := make([]wick.Tool, 0, len(all))
	for _, t := range all {
		out = append(out, &federatedTool{agg: a, tool: t})
	}
	return out
}

var _ wick.ToolSource = (*Aggregator)(nil)
