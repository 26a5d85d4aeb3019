package hooks

import (
	"context"
	"fmt"
	"strings"
	"sync"

	wick "github.com/wicklab/wick"
	"github.com/wicklab/wick/backend"
	"github.com/wicklab/wick/workfs"
)

// Memory loads persistent memory files (AGENTS.md by convention) from the
// workspace and injects their content, wrapped in <agent_memory> tags, into
// the system prompt. The agent updates its own memory with edit_file.
type Memory struct {
	wick.BaseHook
	fs          workfs.FS
	paths       []string
	seedContent map[string]string

	mu      sync.Mutex
	content string
}

// NewMemory creates a memory hook over the given workspace paths. seed maps
// paths to the content written when the file does not exist yet.
func NewMemory(b backend.Backend, paths []string, seed map[string]string) *Memory {
	return &Memory{fs: b.FS(), paths: paths, seedContent: seed}
}

func (h *Memory) Name() string { return "memory" }

// BeforeAgent reads all memory files, seeding missing ones that have
// configured initial content.
func (h *Memory) BeforeAgent(ctx context.Context, state *wick.AgentState) error {
	var parts []string

	for _, p := range h.paths {
		content, err := h.fs.ReadFile(ctx, p)
		if err != nil {
			seed, ok := h.seedContent[p]
			if !ok {
				continue
			}
			if _, werr := h.fs.WriteFile(ctx, p, seed); werr != nil {
				continue
			}
			content = seed
		}
		if strings.TrimSpace(content) != "" {
			parts = append(parts, content)
		}
	}

	h.mu.Lock()
	h.content = strings.Join(parts, "\n\n---\n\n")
	h.mu.Unlock()
	return nil
}

// ModifyRequest appends the memory block to the system message, creating
// one when the request has none.
func (h *Memory) ModifyRequest(ctx context.Context, state *wick.AgentState, req *wick.Request) error {
	h.mu.Lock()
	content := h.content
	h.mu.Unlock()
	if content == "" {
		return nil
	}

	injection := fmt.Sprintf(`

<agent_memory>
%s
</agent_memory>

Guidelines for agent memory:
- This memory persists across conversations
- You can update it by using edit_file on the AGENTS.md file
- Use it to track important context, decisions, and patterns
- Keep entries concise and organized`, content)

	if len(req.Messages) > 0 && req.Messages[0].Role == wick.RoleSystem {
		req.Messages[0].Content += injection
	} else {
		req.Messages = append(wick.Messages{wick.SystemMessage(injection)}, req.Messages...)
	}
	return nil
}
