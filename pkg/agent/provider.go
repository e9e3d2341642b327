package agent

import (
	"fmt"

	"github.com/harun/tollgate/internal/config"
)

// defaultMaxTokens is used when a provider requires a limit and none is set.
const defaultMaxTokens = 1024

// NewModel creates the model provider selected by cfg.Provider.
func NewModel(cfg config.ModelConfig) (Model, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	case config.ProviderAzureOpenAI:
		if cfg.Endpoint == "" || cfg.Deployment == "" {
			return nil, fmt.Errorf("azure-openai requires endpoint and deployment")
		}
		return NewAzureOpenAIProvider(cfg), nil
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}
