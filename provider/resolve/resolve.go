// Package resolve builds a turnflow.Provider from a provider-agnostic config,
// filling in base URLs for known OpenAI-compatible services.
package resolve

import (
	"fmt"

	"github.com/nevindra/turnflow"
	"github.com/nevindra/turnflow/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "openrouter", "groq", "deepseek", "together", "mistral", "ollama", "custom"
	APIKey   string
	Model    string
	BaseURL  string // required for "custom"; auto-filled for known providers

	// nil / zero = provider default.
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Provider creates a turnflow.Provider from cfg.
func Provider(cfg Config) (turnflow.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q (set a base URL)", cfg.Provider)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("resolve: provider %q: model is required", cfg.Provider)
	}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	name := cfg.Provider
	if name == "" {
		name = "custom"
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL,
		openaicompat.WithName(name), openaicompat.WithOptions(reqOpts...)), nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
