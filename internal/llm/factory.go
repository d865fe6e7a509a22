package llm

import (
	"rlm/internal/config"
	rlmerrors "rlm/internal/errors"
)

// NewClient builds the provider client selected by the configuration.
func NewClient(cfg config.Config, model string) (Client, error) {
	if model == "" {
		model = cfg.PrimaryModel
	}
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropicClient(model, cfg.APIKey, cfg.BaseURL), nil
	case config.ProviderOpenAI:
		return NewOpenAIClient(model, cfg.APIKey, cfg.BaseURL), nil
	}
	return nil, rlmerrors.NewConfigError("unknown provider %q", cfg.Provider)
}
