// Package wick is a multi-user agent execution platform: a model/tool loop
// with lifecycle hooks, per-user workspace backends (in-memory, host-local,
// or Docker container), an MCP federation gateway, and server-sent event
// streaming of every turn.
//
// The root package holds the data model (Message, ToolCall, AgentState), the
// Tool and Hook interfaces, the Engine that drives a turn, the TTL-evicting
// ThreadStore, and the Registry that clones agent templates per user.
// Subpackages provide the concrete edges: llm (provider clients), backend
// (workspace execution), workfs (filesystem operations, local and remote),
// hooks (the standard hook set), mcp (the federation gateway), trace (span
// recording), and server (the HTTP surface).
package wick
