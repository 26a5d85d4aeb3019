package server

import (
	"fmt"

	wick "github.com/wicklab/wick"
	"github.com/wicklab/wick/backend"
	"github.com/wicklab/wick/hooks"
	"github.com/wicklab/wick/llm"
	"github.com/wicklab/wick/tools/builtin"
)

// buildEngine constructs the engine for one instance: model client,
// backend, hook chain with overrides applied, builtin tools, and the MCP
// federation source.
func (s *Server) buildEngine(inst *wick.Instance) (*wick.Engine, error) {
	cfg := inst.Config

	client, err := llm.Resolve(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("resolve model for agent %s: %w", inst.AgentID, err)
	}

	b := s.backends.Get(inst.AgentID, inst.User)
	if b == nil && cfg.Backend != nil {
		b, err = newBackend(cfg.Backend, inst.User, s.log)
		if err != nil {
			return nil, err
		}
		if b != nil {
			s.backends.Set(inst.AgentID, inst.User, b)
			if db, ok := b.(*backend.DockerBackend); ok {
				db.LaunchAsync(nil)
			}
		}
	}

	hookChain := s.defaultHooks(cfg, b, client)
	if inst.HookOverrides != nil {
		hookChain = applyHookOverrides(hookChain, inst.HookOverrides, s.tracer, b, client, cfg)
	}

	opts := []wick.EngineOption{
		wick.WithStaticTools(builtin.New(cfg)...),
		wick.WithHooks(hookChain...),
		wick.WithLogger(s.log),
	}
	if s.agg != nil {
		opts = append(opts, wick.WithToolSource(s.agg))
	}
	return wick.NewEngine(inst.AgentID, cfg, client, opts...), nil
}

// defaultHooks assembles the unmodified hook chain. Order matters: the
// first hook is the outermost wrapper. An explicit middleware list on the
// config replaces the derived defaults; names whose prerequisites are
// missing are skipped.
func (s *Server) defaultHooks(cfg *wick.AgentConfig, b backend.Backend, client wick.Client) []wick.Hook {
	if len(cfg.Middleware) > 0 {
		var chain []wick.Hook
		for _, name := range cfg.Middleware {
			if h := createHookByName(name, s.tracer, b, client, cfg, nil); h != nil {
				chain = append(chain, h)
			}
		}
		return chain
	}
	chain := []wick.Hook{
		hooks.NewTracing(s.tracer),
		hooks.NewTodoList(),
	}
	if b != nil {
		chain = append(chain, hooks.NewFilesystem(b))
		if cfg.Skills != nil && len(cfg.Skills.Paths) > 0 {
			chain = append(chain, hooks.NewSkills(b, cfg.Skills.Paths))
		}
		if cfg.Memory != nil && len(cfg.Memory.Paths) > 0 {
			var seed map[string]string
			if cfg.Memory.InitialContent != nil {
				seed = cfg.Memory.InitialContent
			}
			chain = append(chain, hooks.NewMemory(b, cfg.Memory.Paths, seed))
		}
	}
	chain = append(chain, hooks.NewSummarization(client, cfg.EffectiveContextWindow()))
	return chain
}

// applyHookOverrides drops removed hooks and appends added ones that are
// not already present.
func applyHookOverrides(chain []wick.Hook, ov *wick.HookOverrides, tracer wick.Tracer, b backend.Backend, client wick.Client, cfg *wick.AgentConfig) []wick.Hook {
	removeSet := make(map[string]bool, len(ov.Remove))
	for _, name := range ov.Remove {
		removeSet[name] = true
	}

	var filtered []wick.Hook
	for _, h := range chain {
		if !removeSet[h.Name()] {
			filtered = append(filtered, h)
		}
	}

	present := make(map[string]bool, len(filtered))
	for _, h := range filtered {
		present[h.Name()] = true
	}
	for _, name := range ov.Add {
		if present[name] {
			continue
		}
		if h := createHookByName(name, tracer, b, client, cfg, ov.Config); h != nil {
			filtered = append(filtered, h)
			present[name] = true
		}
	}
	return filtered
}

// createHookByName builds a hook from its name and per-hook config.
// Returns nil for hooks whose prerequisites (a backend, paths) are
// missing.
func createHookByName(name string, tracer wick.Tracer, b backend.Backend, client wick.Client, cfg *wick.AgentConfig, hookConfig map[string]any) wick.Hook {
	switch name {
	case "tracing":
		return hooks.NewTracing(tracer)
	case "todolist":
		return hooks.NewTodoList()
	case "filesystem":
		if b != nil {
			return hooks.NewFilesystem(b)
		}
	case "skills":
		paths := configPaths(hookConfig, "skills")
		if len(paths) == 0 && cfg.Skills != nil {
			paths = cfg.Skills.Paths
		}
		if len(paths) > 0 && b != nil {
			return hooks.NewSkills(b, paths)
		}
	case "memory":
		paths := configPaths(hookConfig, "memory")
		if len(paths) == 0 && cfg.Memory != nil {
			paths = cfg.Memory.Paths
		}
		if len(paths) > 0 && b != nil {
			var seed map[string]string
			if cfg.Memory != nil {
				seed = cfg.Memory.InitialContent
			}
			return hooks.NewMemory(b, paths, seed)
		}
	case "summarization":
		return hooks.NewSummarization(client, cfg.EffectiveContextWindow())
	}
	return nil
}

// configPaths extracts hookConfig[name]["paths"] as a string slice.
func configPaths(hookConfig map[string]any, name string) []string {
	if hookConfig == nil {
		return nil
	}
	m, ok := hookConfig[name].(map[string]any)
	if !ok {
		return nil
	}
	switch v := m["paths"].(type) {
	case []any:
		paths := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
		return paths
	case []string:
		return v
	}
	return nil
}
