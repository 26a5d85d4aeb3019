package builtin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	wick "github.com/wicklab/wick"
)

func TestNewToolSet(t *testing.T) {
	names := func(tools []wick.Tool) []string {
		out := make([]string, len(tools))
		for i, tool := range tools {
			out[i] = tool.Name()
		}
		return out
	}

	got := names(New(nil))
	want := []string{"calculate", "current_datetime", "internet_search"}
	if len(got) != len(want) {
		t.Fatalf("tools = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tools = %v, want %v", got, want)
		}
	}

	cfg := &wick.AgentConfig{BuiltinConfig: map[string]string{"internet_search": "disabled"}}
	got = names(New(cfg))
	if len(got) != 2 {
		t.Errorf("tools with search disabled = %v", got)
	}
}

func TestCalculateTool(t *testing.T) {
	tools := New(nil)
	calc := tools[0]

	out, err := calc.Execute(context.Background(), map[string]any{"expression": "6*7"})
	if err != nil || out != "42" {
		t.Errorf("calculate = %q, %v", out, err)
	}

	out, _ = calc.Execute(context.Background(), map[string]any{"expression": "1/0"})
	if !strings.HasPrefix(out, "Error:") {
		t.Errorf("calculate(1/0) = %q", out)
	}

	out, _ = calc.Execute(context.Background(), map[string]any{})
	if !strings.Contains(out, "required") {
		t.Errorf("calculate() = %q", out)
	}
}

func TestSearchInstantAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("q"); q != "go language" {
			t.Errorf("query = %q", q)
		}
		fmt.Fprint(w, `{
			"Heading": "Go (programming language)",
			"AbstractText": "Go is a statically typed language.",
			"AbstractURL": "http://unreachable.invalid/go",
			"RelatedTopics": [
				{"FirstURL": "http://unreachable.invalid/goroutine", "Text": "Goroutine, a lightweight thread"},
				{"FirstURL": "", "Text": "skipped"}
			]
		}`)
	}))
	defer srv.Close()

	s := NewSearch(srv.Client())
	s.baseURL = srv.URL

	out, err := s.Search(context.Background(), "go language")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.Contains(out, "Answer: Go is a statically typed language.") {
		t.Errorf("answer missing: %q", out)
	}
	if !strings.Contains(out, "[Go (programming language)](http://unreachable.invalid/go)") {
		t.Errorf("source missing: %q", out)
	}
	if !strings.Contains(out, "Goroutine") {
		t.Errorf("related topic missing: %q", out)
	}
	if strings.Contains(out, "skipped") {
		t.Error("topic without URL included")
	}
	// Page extraction fails against the unreachable host and degrades
	// silently.
	if strings.Contains(out, "Top result content:") {
		t.Error("extraction section present without content")
	}
}

func TestSearchNoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	s := NewSearch(srv.Client())
	s.baseURL = srv.URL

	out, err := s.Search(context.Background(), "gibberish")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.Contains(out, "No results found") {
		t.Errorf("out = %q", out)
	}
}

func TestSearchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSearch(srv.Client())
	s.baseURL = srv.URL

	if _, err := s.Search(context.Background(), "x"); err == nil {
		t.Fatal("no error on 502")
	}
}
