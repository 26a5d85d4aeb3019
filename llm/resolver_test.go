package llm

import (
	"strings"
	"testing"

	wick "github.com/wicklab/wick"
)

func TestResolveShortcuts(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-oa")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")

	client, err := Resolve(wick.ModelSpec{Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("claude shortcut: %v", err)
	}
	if _, ok := client.(*AnthropicClient); !ok {
		t.Errorf("claude shortcut resolved to %T", client)
	}

	client, err = Resolve(wick.ModelSpec{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("openai shortcut: %v", err)
	}
	if _, ok := client.(*OpenAIClient); !ok {
		t.Errorf("openai shortcut resolved to %T", client)
	}
}

func TestResolveMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := Resolve(wick.ModelSpec{Model: "gpt-4o"})
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("err = %v", err)
	}
}

func TestResolveAPIKeyEnvOverride(t *testing.T) {
	t.Setenv("MY_PROXY_KEY", "sk-proxy")
	client, err := Resolve(wick.ModelSpec{Model: "gpt-4o", APIKeyEnv: "MY_PROXY_KEY"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	oa, ok := client.(*OpenAIClient)
	if !ok || oa.apiKey != "sk-proxy" {
		t.Errorf("client = %+v", client)
	}
}

func TestResolveCustomProvider(t *testing.T) {
	client, err := Resolve(wick.ModelSpec{
		Provider: "ollama",
		Model:    "llama3",
		BaseURL:  "http://localhost:11434/v1",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	oa, ok := client.(*OpenAIClient)
	if !ok || oa.baseURL != "http://localhost:11434/v1" {
		t.Errorf("client = %+v", client)
	}

	if _, err := Resolve(wick.ModelSpec{Provider: "ollama", Model: "llama3"}); err == nil {
		t.Error("custom provider without base_url accepted")
	}
}

func TestResolveEmptyModel(t *testing.T) {
	if _, err := Resolve(wick.ModelSpec{}); err == nil {
		t.Error("empty spec accepted")
	}
}
