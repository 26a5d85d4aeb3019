package mcp

import (
	"context"
	"net/http/httptest"
	"testing"
)

func newTestAggregator(t *testing.T, downstreams map[string]*fakeDownstream) *Aggregator {
	t.Helper()
	agg := NewAggregator(nil)
	ctx := context.Background()
	for name, fake := range downstreams {
		srv := httptest.NewServer(fake.handler())
		t.Cleanup(srv.Close)
		agg.AddDownstream(ctx, name, srv.URL)
	}
	return agg
}

func toolNames(tools []Tool) map[string]bool {
	out := map[string]bool{}
	for _, tool := range tools {
		out[tool.Name] = true
	}
	return out
}

func TestAggregatorMergesDownstreams(t *testing.T) {
	agg := newTestAggregator(t, map[string]*fakeDownstream{
		"search": {tools: []Tool{{Name: "search_web"}, {Name: "search_news"}}},
		"code":   {tools: []Tool{{Name: "evaluate"}}},
	})

	names := toolNames(agg.AllTools())
	for _, want := range []string{"search_web", "search_news", "evaluate"} {
		if !names[want] {
			t.Errorf("aggregate missing %s: %v", want, names)
		}
	}
	if c := agg.Lookup("evaluate"); c == nil || c.Name() != "code" {
		t.Errorf("Lookup(evaluate) = %v", c)
	}
	if agg.Lookup("ghost") != nil {
		t.Error("Lookup(ghost) returned a client")
	}
}

func TestAggregatorShadowingLaterWins(t *testing.T) {
	first := &fakeDownstream{tools: []Tool{{Name: "fetch", Description: "first"}}}
	second := &fakeDownstream{tools: []Tool{{Name: "fetch", Description: "second"}}}

	agg := NewAggregator(nil)
	ctx := context.Background()
	srv1 := httptest.NewServer(first.handler())
	defer srv1.Close()
	srv2 := httptest.NewServer(second.handler())
	defer srv2.Close()
	agg.AddDownstream(ctx, "one", srv1.URL)
	agg.AddDownstream(ctx, "two", srv2.URL)

	all := agg.AllTools()
	if len(all) != 1 {
		t.Fatalf("aggregate = %d tools, want 1 after dedupe: %+v", len(all), all)
	}
	if c := agg.Lookup("fetch"); c == nil || c.Name() != "two" {
		t.Errorf("shadowed tool routes to %v, want later downstream", c)
	}
}

func TestAggregatorDownstreamFailureDropsTools(t *testing.T) {
	fake := &fakeDownstream{tools: []Tool{{Name: "fetch"}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	agg := NewAggregator(nil)
	ctx := context.Background()
	agg.AddDownstream(ctx, "d", srv.URL)
	if len(agg.AllTools()) != 1 {
		t.Fatal("tool not aggregated")
	}

	changes := 0
	agg.OnChange = func() { changes++ }

	fake.setDown(true)
	agg.healthPass(ctx)
	if len(agg.AllTools()) != 0 {
		t.Errorf("tools of failed downstream still aggregated: %v", agg.AllTools())
	}
	if changes == 0 {
		t.Error("health transition did not fire OnChange")
	}

	statuses := agg.Statuses()
	if len(statuses) != 1 || statuses[0].Connected {
		t.Errorf("statuses = %+v", statuses)
	}

	// Recovery on the next pass restores the tool set.
	fake.setDown(false)
	agg.healthPass(ctx)
	if len(agg.AllTools()) != 1 {
		t.Errorf("tools not restored after recovery: %v", agg.AllTools())
	}
}

func TestAggregatorRemoveDownstream(t *testing.T) {
	agg := newTestAggregator(t, map[string]*fakeDownstream{
		"d": {tools: []Tool{{Name: "fetch"}}},
	})

	if !agg.RemoveDownstream(context.Background(), "d") {
		t.Fatal("RemoveDownstream returned false")
	}
	if agg.RemoveDownstream(context.Background(), "d") {
		t.Error("second remove reported success")
	}
	if len(agg.AllTools()) != 0 {
		t.Errorf("tools left after remove: %v", agg.AllTools())
	}
}

func TestFederatedToolExecute(t *testing.T) {
	agg := newTestAggregator(t, map[string]*fakeDownstream{
		"d": {tools: []Tool{{Name: "fetch", InputSchema: []byte(`{"type":"object","properties":{"url":{"type":"string"}}}`)}}},
	})

	tools := agg.Tools(context.Background())
	if len(tools) != 1 {
		t.Fatalf("Tools() = %d, want 1", len(tools))
	}
	tool := tools[0]
	if tool.Name() != "fetch" {
		t.Errorf("name = %q", tool.Name())
	}
	params := tool.Parameters()
	if params["type"] != "object" {
		t.Errorf("parameters = %v", params)
	}

	out, err := tool.Execute(context.Background(), map[string]any{"url": "http://x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "result for fetch" {
		t.Errorf("output = %q", out)
	}
}

func TestFederatedToolEmptySchema(t *testing.T) {
	tool := &federatedTool{tool: Tool{Name: "bare"}}
	params := tool.Parameters()
	if params["type"] != "object" {
		t.Errorf("fallback schema = %v", params)
	}
	if _, ok := params["properties"]; !ok {
		t.Error("fallback schema missing properties")
	}
}
