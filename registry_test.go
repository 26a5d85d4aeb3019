package wick

import (
	"errors"
	"testing"
)

func testTemplate() *AgentConfig {
	return &AgentConfig{
		Name:  "researcher",
		Model: ModelSpec{Model: "test-model"},
		Tools: []string{"search"},
		Backend: &BackendCfg{
			Type: "state",
		},
	}
}

func TestRegistryGetOrClone(t *testing.T) {
	r := NewRegistry()
	r.RegisterTemplate("researcher", testTemplate())

	a, err := r.GetOrClone("researcher", "alice")
	if err != nil {
		t.Fatalf("GetOrClone: %v", err)
	}
	b, err := r.GetOrClone("researcher", "alice")
	if err != nil {
		t.Fatalf("GetOrClone: %v", err)
	}
	if a != b {
		t.Error("repeated GetOrClone returned different instances")
	}

	other, err := r.GetOrClone("researcher", "bob")
	if err != nil {
		t.Fatalf("GetOrClone: %v", err)
	}
	if other == a {
		t.Error("different users share an instance")
	}

	if _, err := r.GetOrClone("ghost", "alice"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("unknown agent err = %v, want ErrAgentNotFound", err)
	}
}

func TestRegistryCloneIsolation(t *testing.T) {
	tpl := testTemplate()
	r := NewRegistry()
	r.RegisterTemplate("researcher", tpl)

	inst, _ := r.GetOrClone("researcher", "alice")
	inst.Config.Backend.Type = "docker"
	inst.Config.Tools[0] = "mutated"

	if tpl.Backend.Type != "state" {
		t.Error("instance backend mutation leaked into template")
	}
	if tpl.Tools[0] != "search" {
		t.Error("instance tools mutation leaked into template")
	}
}

func TestRegistryUpdateInvalidatesEngine(t *testing.T) {
	r := NewRegistry()
	r.RegisterTemplate("researcher", testTemplate())

	builds := 0
	build := func(in *Instance) (*Engine, error) {
		builds++
		return NewEngine(in.AgentID, in.Config, &scriptedClient{}), nil
	}

	inst, _ := r.GetOrClone("researcher", "alice")
	if _, err := inst.Engine(build); err != nil {
		t.Fatalf("Engine: %v", err)
	}
	if _, err := inst.Engine(build); err != nil {
		t.Fatalf("Engine: %v", err)
	}
	if builds != 1 {
		t.Fatalf("builds = %d, want 1 (engine cached)", builds)
	}

	if _, err := r.UpdateHooks("researcher", "alice", &HookOverrides{Remove: []string{"todolist"}}); err != nil {
		t.Fatalf("UpdateHooks: %v", err)
	}
	if _, err := inst.Engine(build); err != nil {
		t.Fatalf("Engine: %v", err)
	}
	if builds != 2 {
		t.Fatalf("builds = %d, want 2 after hook patch", builds)
	}

	r.InvalidateAll()
	if _, err := inst.Engine(build); err != nil {
		t.Fatalf("Engine: %v", err)
	}
	if builds != 3 {
		t.Fatalf("builds = %d, want 3 after InvalidateAll", builds)
	}
}

func TestRegistryDeleteInstance(t *testing.T) {
	r := NewRegistry()
	r.RegisterTemplate("researcher", testTemplate())

	first, _ := r.GetOrClone("researcher", "alice")
	first.Config.Tools = append(first.Config.Tools, "extra")

	removed, ok := r.DeleteInstance("researcher", "alice")
	if !ok || removed != first {
		t.Fatal("DeleteInstance did not return the removed instance")
	}
	if _, ok := r.DeleteInstance("researcher", "alice"); ok {
		t.Error("second delete reported success")
	}

	// Re-clone starts fresh from the template.
	again, _ := r.GetOrClone("researcher", "alice")
	if len(again.Config.Tools) != 1 {
		t.Errorf("re-cloned tools = %v, want template defaults", again.Config.Tools)
	}
}
