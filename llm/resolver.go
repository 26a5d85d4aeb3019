package llm

import (
	"fmt"
	"os"
	"strings"

	wick "github.com/wicklab/wick"
)

// Provider defaults used when a model spec gives only a shortcut string.
const (
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
)

// Resolve builds a client from a model spec. Shortcut strings infer the
// provider from the model name ("claude-*" means Anthropic, everything else
// OpenAI-compatible); explicit specs are taken as-is. API keys come from
// the spec's api_key_env or the provider's conventional variable.
func Resolve(spec wick.ModelSpec) (wick.Client, error) {
	if spec.Model == "" {
		return nil, fmt.Errorf("model spec has no model name")
	}

	provider := spec.Provider
	if provider == "" {
		if strings.HasPrefix(spec.Model, "claude") {
			provider = "anthropic"
		} else {
			provider = "openai"
		}
	}

	switch provider {
	case "anthropic":
		key, err := apiKey(spec.APIKeyEnv, "ANTHROPIC_API_KEY")
		if err != nil {
			return nil, err
		}
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = defaultAnthropicBaseURL
		}
		return NewAnthropicClient(key, spec.Model, baseURL), nil
	case "openai":
		key, err := apiKey(spec.APIKeyEnv, "OPENAI_API_KEY")
		if err != nil {
			return nil, err
		}
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = defaultOpenAIBaseURL
		}
		return NewOpenAIClient(key, spec.Model, baseURL), nil
	default:
		// Unknown providers speak the OpenAI-compatible dialect when they
		// give us an endpoint.
		if spec.BaseURL == "" {
			return nil, fmt.Errorf("unknown provider %q and no base_url", provider)
		}
		key := ""
		if spec.APIKeyEnv != "" {
			key = os.Getenv(spec.APIKeyEnv)
		}
		return NewOpenAIClient(key, spec.Model, spec.BaseURL), nil
	}
}

func apiKey(envOverride, conventional string) (string, error) {
	env := envOverride
	if env == "" {
		env = conventional
	}
	key := os.Getenv(env)
	if key == "" {
		return "", fmt.Errorf("missing API key: set %s", env)
	}
	return key, nil
}
