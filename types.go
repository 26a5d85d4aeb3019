package wick

import "fmt"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model-requested tool invocation. Args holds the decoded
// arguments; RawArgs keeps the provider's original JSON so it can be echoed
// back verbatim on the next request.
type ToolCall struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Args    map[string]any `json:"args,omitempty"`
	RawArgs string         `json:"raw_args,omitempty"`
}

// ToolResult is the outcome of executing a single tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message returns the conversation message form of the result.
func (r ToolResult) Message() Message {
	return Message{
		Role:       RoleTool,
		Content:    r.Content,
		ToolCallID: r.ToolCallID,
		Name:       r.Name,
	}
}

// Message is one entry in a conversation thread.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// Messages is a conversation transcript.
type Messages []Message

// Validate checks structural invariants: known roles, non-empty content for
// system and user messages, assistant messages carrying text or tool calls,
// and tool messages answering a tool call issued by a preceding assistant
// message.
func (ms Messages) Validate() error {
	issued := map[string]bool{}
	for i, m := range ms {
		switch m.Role {
		case RoleSystem, RoleUser:
			if m.Content == "" {
				return fmt.Errorf("message %d: %s message with empty content", i, m.Role)
			}
			if len(m.ToolCalls) > 0 {
				return fmt.Errorf("message %d: %s message with tool calls", i, m.Role)
			}
		case RoleAssistant:
			if m.Content == "" && len(m.ToolCalls) == 0 {
				return fmt.Errorf("message %d: assistant message with neither content nor tool calls", i)
			}
			for _, tc := range m.ToolCalls {
				if tc.ID == "" || tc.Name == "" {
					return fmt.Errorf("message %d: tool call missing id or name", i)
				}
				if issued[tc.ID] {
					return fmt.Errorf("message %d: duplicate tool call id %q", i, tc.ID)
				}
				issued[tc.ID] = true
			}
		case RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("message %d: tool message missing tool_call_id", i)
			}
			if !issued[m.ToolCallID] {
				return fmt.Errorf("message %d: tool message answers unknown tool call %q", i, m.ToolCallID)
			}
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	return nil
}

// Todo statuses.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoDone       = "done"
)

// Todo is one entry in the agent's working plan.
type Todo struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// AgentState is the per-thread conversation state. Files mirrors workspace
// writes made during the conversation (path -> content). The runtime tool
// registry is rebuilt by hooks on every turn and never serialized.
type AgentState struct {
	ThreadID string            `json:"thread_id"`
	Messages Messages          `json:"messages"`
	Todos    []Todo            `json:"todos,omitempty"`
	Files    map[string]string `json:"files,omitempty"`

	tools map[string]Tool
}

// NewAgentState creates an empty state for a thread.
func NewAgentState(threadID string) *AgentState {
	return &AgentState{
		ThreadID: threadID,
		Files:    map[string]string{},
		tools:    map[string]Tool{},
	}
}

// RegisterTool adds a tool to the runtime registry. Later registrations
// under the same name win.
func (s *AgentState) RegisterTool(t Tool) {
	if s.tools == nil {
		s.tools = map[string]Tool{}
	}
	s.tools[t.Name()] = t
}

// RuntimeTools returns the tools registered on this state for the current
// turn.
func (s *AgentState) RuntimeTools() []Tool {
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out
}

// ResetTools clears the runtime registry. Called at the start of every turn
// before BeforeAgent hooks repopulate it.
func (s *AgentState) ResetTools() {
	s.tools = map[string]Tool{}
}

