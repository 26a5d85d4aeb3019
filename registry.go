package wick

import (
	"sort"
	"sync"
)

// Instance is one user's copy of an agent template. Its config may diverge
// from the template through backend and hook patches; the engine is built
// lazily and rebuilt after any patch.
type Instance struct {
	AgentID       string
	User          string
	Config        *AgentConfig
	HookOverrides *HookOverrides

	mu     sync.Mutex
	engine *Engine
}

// Engine returns the instance's engine, building it with build on first use
// or after invalidation. Concurrent callers share one build.
func (in *Instance) Engine(build func(*Instance) (*Engine, error)) (*Engine, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.engine != nil {
		return in.engine, nil
	}
	e, err := build(in)
	if err != nil {
		return nil, err
	}
	in.engine = e
	return e, nil
}

// Invalidate drops the built engine so the next turn rebuilds it from the
// current config.
func (in *Instance) Invalidate() {
	in.mu.Lock()
	in.engine = nil
	in.mu.Unlock()
}

// Registry holds agent templates and the per-user instances cloned from
// them.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*AgentConfig
	instances map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		templates: map[string]*AgentConfig{},
		instances: map[string]*Instance{},
	}
}

func instanceKey(agentID, user string) string {
	return agentID + "\x00" + user
}

// RegisterTemplate installs or replaces a template. Existing instances keep
// their diverged configs.
func (r *Registry) RegisterTemplate(agentID string, cfg *AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[agentID] = cfg
}

// Template returns a template by agent ID.
func (r *Registry) Template(agentID string) (*AgentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.templates[agentID]
	return cfg, ok
}

// TemplateIDs lists registered agent IDs, sorted.
func (r *Registry) TemplateIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.templates))
	for id := range r.templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GetOrClone returns the user's instance of an agent, cloning the template
// on first access. Cloning is idempotent: repeated calls return the same
// instance.
func (r *Registry) GetOrClone(agentID, user string) (*Instance, error) {
	key := instanceKey(agentID, user)

	r.mu.RLock()
	in, ok := r.instances[key]
	r.mu.RUnlock()
	if ok {
		return in, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.instances[key]; ok {
		return in, nil
	}
	tpl, ok := r.templates[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	in = &Instance{
		AgentID: agentID,
		User:    user,
		Config:  tpl.Clone(),
	}
	r.instances[key] = in
	return in, nil
}

// Instance returns an existing instance without cloning.
func (r *Registry) Instance(agentID, user string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instances[instanceKey(agentID, user)]
	return in, ok
}

// DeleteInstance removes a user's instance so the next access re-clones the
// template. It returns the removed instance, if any, for resource cleanup.
func (r *Registry) DeleteInstance(agentID, user string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := instanceKey(agentID, user)
	in, ok := r.instances[key]
	if ok {
		delete(r.instances, key)
	}
	return in, ok
}

// UpdateBackend patches an instance's backend config and invalidates its
// engine. The instance is cloned first when absent.
func (r *Registry) UpdateBackend(agentID, user string, b *BackendCfg) (*Instance, error) {
	in, err := r.GetOrClone(agentID, user)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	in.Config.Backend = b
	in.engine = nil
	in.mu.Unlock()
	return in, nil
}

// UpdateHooks patches an instance's hook overrides and invalidates its
// engine. The instance is cloned first when absent.
func (r *Registry) UpdateHooks(agentID, user string, ov *HookOverrides) (*Instance, error) {
	in, err := r.GetOrClone(agentID, user)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	in.HookOverrides = ov
	in.engine = nil
	in.mu.Unlock()
	return in, nil
}

// InvalidateAll drops every built engine, forcing rebuilds. Used after
// gateway tool-set changes so federated tools are re-resolved.
func (r *Registry) InvalidateAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, in := range r.instances {
		in.Invalidate()
	}
}
