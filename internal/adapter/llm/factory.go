package llm

import (
	"fmt"
	"log/slog"

	"nexa/internal/domain"
	"nexa/internal/infra/config"
)

// NewFromConfig builds the model client chain: each configured endpoint is
// an OpenAI-compatible provider, optionally behind its own circuit breaker,
// and fallbacks are tried in order when the primary cannot open a call.
func NewFromConfig(cfg config.LLMConfig, logger *slog.Logger) (domain.StreamingLLMProvider, error) {
	build := func(pc config.ProviderConfig) (domain.StreamingLLMProvider, error) {
		if pc.BaseURL == "" && pc.Name != "openai" && pc.Name != "" {
			return nil, fmt.Errorf("llm provider %q: base_url is required", pc.Name)
		}
		var p domain.StreamingLLMProvider = NewOpenAIProvider(pc, logger)
		if cfg.CircuitBreaker.Enabled {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
		}
		return p, nil
	}

	primary, err := build(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	fallbacks := make([]domain.LLMProvider, 0, len(cfg.Fallbacks))
	for _, fc := range cfg.Fallbacks {
		fb, err := build(fc)
		if err != nil {
			return nil, err
		}
		fallbacks = append(fallbacks, fb)
	}
	return NewFailoverProvider(primary, fallbacks, logger), nil
}
