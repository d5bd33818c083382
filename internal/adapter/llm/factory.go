package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xiaot623/gogo/chatcore/internal/config"
)

// NewProvider builds the provider selected by LLM_PROVIDER.
func NewProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Provider, error) {
	switch cfg.LLMProvider {
	case "mock":
		logger.Info("using mock inference provider")
		return NewMockProvider(), nil
	case "gemini":
		return NewGemini(ctx, cfg.GeminiAPIKey)
	case "openai", "":
		return NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.InferenceTimeout).WithLogger(logger), nil
	}
	return nil, fmt.Errorf("unknown inference provider %q", cfg.LLMProvider)
}
