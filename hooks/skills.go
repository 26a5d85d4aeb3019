package hooks

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	wick "github.com/wicklab/wick"
	"github.com/wicklab/wick/backend"
	"github.com/wicklab/wick/workfs"

	"gopkg.in/yaml.v3"
)

var frontmatterRE = regexp.MustCompile(`(?s)\A---\s*\n(.*?\n)---\s*\n`)

// SkillEntry is one discovered skill.
type SkillEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Path        string // SKILL.md path in the workspace
}

// Skills discovers SKILL.md files under the configured paths and injects a
// catalog into the system prompt. Loading is progressive: only metadata
// goes in the prompt, the agent calls read_file for full instructions.
type Skills struct {
	wick.BaseHook
	fs    workfs.FS
	paths []string

	mu     sync.Mutex
	skills []SkillEntry
}

// NewSkills creates a skills hook scanning the given workspace paths.
func NewSkills(b backend.Backend, paths []string) *Skills {
	return &Skills{fs: b.FS(), paths: paths}
}

func (h *Skills) Name() string { return "skills" }

// BeforeAgent rebuilds the skill catalog by scanning for SKILL.md files and
// parsing their YAML frontmatter. A missing or malformed frontmatter block
// falls back to the containing directory name.
func (h *Skills) BeforeAgent(ctx context.Context, state *wick.AgentState) error {
	var found []SkillEntry

	for _, dir := range h.paths {
		result, err := h.fs.Glob(ctx, "SKILL.md", dir)
		if err != nil {
			continue
		}
		for _, mdPath := range result.Files {
			content, err := h.fs.ReadFile(ctx, mdPath)
			if err != nil {
				continue
			}

			entry := SkillEntry{Path: mdPath, Name: path.Base(path.Dir(mdPath))}

			if match := frontmatterRE.FindStringSubmatch(content); match != nil {
				var front map[string]any
				if err := yaml.Unmarshal([]byte(match[1]), &front); err == nil {
					if name, ok := front["name"].(string); ok {
						entry.Name = name
					}
					if desc, ok := front["description"].(string); ok {
						entry.Description = strings.TrimSpace(desc)
					}
				}
			}

			found = append(found, entry)
		}
	}

	h.mu.Lock()
	h.skills = found
	h.mu.Unlock()
	return nil
}

// ModifyRequest appends the skills catalog to the system message, creating
// one when the request has none.
func (h *Skills) ModifyRequest(ctx context.Context, state *wick.AgentState, req *wick.Request) error {
	h.mu.Lock()
	skills := h.skills
	h.mu.Unlock()
	if len(skills) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("\n\nAvailable Skills:\n")
	for _, skill := range skills {
		sb.WriteString(fmt.Sprintf("- [%s] %s -> Read %s for full instructions\n",
			skill.Name, skill.Description, skill.Path))
	}

	if len(req.Messages) > 0 && req.Messages[0].Role == wick.RoleSystem {
		req.Messages[0].Content += sb.String()
	} else {
		req.Messages = append(wick.Messages{wick.SystemMessage(sb.String())}, req.Messages...)
	}
	return nil
}
