package llm

import (
	"fmt"

	"github.com/subflowhq/subflow/internal/config"
)

// NewProvider builds a provider from a profile. Unknown provider kinds fail
// fast at startup instead of at the first stage call.
func NewProvider(cfg config.LLMProfileConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai", "openai_compat":
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	case "anthropic":
		return NewAnthropicClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	case "gemini":
		return NewGeminiClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
