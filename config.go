package wick

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Defaults applied when AgentConfig leaves the corresponding field zero.
const (
	DefaultMaxIterations = 25
	DefaultContextWindow = 128_000
)

// ModelSpec identifies the model an agent talks to. In YAML and JSON it is
// either a shortcut string ("claude-sonnet-4-5") or an object with explicit
// provider fields.
type ModelSpec struct {
	Provider    string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string   `yaml:"model" json:"model"`
	BaseURL     string   `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// String renders the spec for display: "provider:model" or the bare model.
func (m ModelSpec) String() string {
	if m.Provider != "" && m.Model != "" {
		return m.Provider + ":" + m.Model
	}
	if m.Model != "" {
		return m.Model
	}
	return m.Provider
}

// UnmarshalYAML accepts either a shortcut string or a mapping.
func (m *ModelSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*m = ModelSpec{Model: s}
		return nil
	}
	type plain ModelSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return fmt.Errorf("model spec: %w", err)
	}
	*m = ModelSpec(p)
	return nil
}

// UnmarshalJSON accepts either a shortcut string or an object.
func (m *ModelSpec) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = ModelSpec{Model: s}
		return nil
	}
	type plain ModelSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("model spec: %w", err)
	}
	*m = ModelSpec(p)
	return nil
}

// MarshalYAML renders shortcut specs back as plain strings.
func (m ModelSpec) MarshalYAML() (any, error) {
	if m.Provider == "" && m.BaseURL == "" && m.APIKeyEnv == "" && m.MaxTokens == 0 && m.Temperature == nil {
		return m.Model, nil
	}
	type plain ModelSpec
	return plain(m), nil
}

// BackendCfg selects and configures the workspace backend for an agent.
type BackendCfg struct {
	Type           string  `yaml:"type" json:"type"` // "state", "local", "docker"
	Workdir        string  `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Timeout        float64 `yaml:"timeout,omitempty" json:"timeout,omitempty"` // seconds
	MaxOutputBytes int     `yaml:"max_output_bytes,omitempty" json:"max_output_bytes,omitempty"`
	DockerHost     string  `yaml:"docker_host,omitempty" json:"docker_host,omitempty"`
	Image          string  `yaml:"image,omitempty" json:"image,omitempty"`
	ContainerName  string  `yaml:"container_name,omitempty" json:"container_name,omitempty"`
}

// SkillsCfg points the skills hook at directories containing SKILL.md files.
type SkillsCfg struct {
	Paths []string `yaml:"paths" json:"paths"`
}

// MemoryCfg points the memory hook at persistent memory files in the
// workspace. InitialContent seeds those files on first use.
type MemoryCfg struct {
	Paths          []string          `yaml:"paths" json:"paths"`
	InitialContent map[string]string `yaml:"initial_content,omitempty" json:"initial_content,omitempty"`
}

// SubagentCfg describes a delegable subagent template.
type SubagentCfg struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt"`
	Tools        []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	Model        string   `yaml:"model,omitempty" json:"model,omitempty"`
}

// AgentConfig is an agent template as declared in the agents section of the
// server config.
type AgentConfig struct {
	Name          string            `yaml:"name" json:"name"`
	Model         ModelSpec         `yaml:"model" json:"model"`
	SystemPrompt  string            `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty"`
	Tools         []string          `yaml:"tools,omitempty" json:"tools,omitempty"`
	Middleware    []string          `yaml:"middleware,omitempty" json:"middleware,omitempty"`
	Subagents     []SubagentCfg     `yaml:"subagents,omitempty" json:"subagents,omitempty"`
	Backend       *BackendCfg       `yaml:"backend,omitempty" json:"backend,omitempty"`
	Skills        *SkillsCfg        `yaml:"skills,omitempty" json:"skills,omitempty"`
	Memory        *MemoryCfg        `yaml:"memory,omitempty" json:"memory,omitempty"`
	ContextWindow int               `yaml:"context_window,omitempty" json:"context_window,omitempty"`
	MaxIterations int               `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	BuiltinConfig map[string]string `yaml:"builtin_config,omitempty" json:"builtin_config,omitempty"`
	Debug         bool              `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// Clone returns a deep copy so per-user instances can diverge from the
// template without aliasing.
func (c *AgentConfig) Clone() *AgentConfig {
	out := *c
	out.Tools = append([]string(nil), c.Tools...)
	out.Middleware = append([]string(nil), c.Middleware...)
	out.Subagents = append([]SubagentCfg(nil), c.Subagents...)
	if c.Backend != nil {
		b := *c.Backend
		out.Backend = &b
	}
	if c.Skills != nil {
		out.Skills = &SkillsCfg{Paths: append([]string(nil), c.Skills.Paths...)}
	}
	if c.Memory != nil {
		m := MemoryCfg{Paths: append([]string(nil), c.Memory.Paths...)}
		if c.Memory.InitialContent != nil {
			m.InitialContent = make(map[string]string, len(c.Memory.InitialContent))
			for k, v := range c.Memory.InitialContent {
				m.InitialContent[k] = v
			}
		}
		out.Memory = &m
	}
	if c.BuiltinConfig != nil {
		out.BuiltinConfig = make(map[string]string, len(c.BuiltinConfig))
		for k, v := range c.BuiltinConfig {
			out.BuiltinConfig[k] = v
		}
	}
	return &out
}

// EffectiveMaxIterations applies the default iteration budget.
func (c *AgentConfig) EffectiveMaxIterations() int {
	if c.MaxIterations > 0 {
		return c.MaxIterations
	}
	return DefaultMaxIterations
}

// EffectiveContextWindow applies the default context window size.
func (c *AgentConfig) EffectiveContextWindow() int {
	if c.ContextWindow > 0 {
		return c.ContextWindow
	}
	return DefaultContextWindow
}

// HookOverrides adjusts an instance's hook stack: Remove drops default hooks
// by name, Add appends known hooks not already present, Config passes
// per-hook settings (for example skills paths) keyed by hook name.
type HookOverrides struct {
	Remove []string       `json:"remove,omitempty"`
	Add    []string       `json:"add,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// DefaultHookNames lists the hooks an unmodified instance of this config
// runs, in chain order. An explicit middleware list replaces the derived
// defaults.
func (c *AgentConfig) DefaultHookNames() []string {
	if len(c.Middleware) > 0 {
		return append([]string(nil), c.Middleware...)
	}
	names := []string{"tracing", "todolist"}
	if c.Backend != nil {
		names = append(names, "filesystem")
		if c.Skills != nil && len(c.Skills.Paths) > 0 {
			names = append(names, "skills")
		}
		if c.Memory != nil && len(c.Memory.Paths) > 0 {
			names = append(names, "memory")
		}
	}
	names = append(names, "summarization")
	return names
}
