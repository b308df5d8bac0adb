package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	appconfig "github.com/wolfman30/careline/internal/config"
	"github.com/wolfman30/careline/internal/llm"
	"github.com/wolfman30/careline/internal/safety"
	"github.com/wolfman30/careline/pkg/logging"
)

// BuildGateway wires the configured AI provider, wrapped with a fallback
// provider when one is set. The returned cleanup releases provider clients.
func BuildGateway(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (llm.Client, func(), error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	primary, closePrimary, err := buildProvider(ctx, cfg.LLMProvider, cfg, awsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: primary llm provider: %w", err)
	}
	fallbackName := strings.TrimSpace(cfg.LLMFallbackProvider)
	if fallbackName == "" || fallbackName == cfg.LLMProvider {
		logger.Info("ai gateway configured", "provider", cfg.LLMProvider)
		return primary, closePrimary, nil
	}

	fallback, closeFallback, err := buildProvider(ctx, fallbackName, cfg, awsCfg)
	if err != nil {
		logger.Warn("fallback llm provider unavailable; continuing without it", "provider", fallbackName, "error", err)
		return primary, closePrimary, nil
	}
	logger.Info("ai gateway configured", "provider", cfg.LLMProvider, "fallback", fallbackName)
	return llm.NewFallbackClient(primary, fallback, logger), func() {
		closePrimary()
		closeFallback()
	}, nil
}

func buildProvider(ctx context.Context, name string, cfg *appconfig.Config, awsCfg aws.Config) (llm.Client, func(), error) {
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bedrock":
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, nil, fmt.Errorf("BEDROCK_MODEL_ID is required")
		}
		return llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), noop, nil
	case "gemini":
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	case "openai":
		client, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
		if err != nil {
			return nil, nil, err
		}
		return client, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

// BuildModerationDetector returns the moderation layer of the danger
// pipeline, or nil when disabled or misconfigured.
func BuildModerationDetector(cfg *appconfig.Config, logger *logging.Logger) safety.Detector {
	if cfg == nil || !cfg.ModerationEnabled {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	moderator, err := llm.NewOpenAIModerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ModerationModel)
	if err != nil {
		logger.Warn("moderation enabled but unavailable; keyword layer only", "error", err)
		return nil
	}
	logger.Info("moderation layer enabled", "model", cfg.ModerationModel)
	return safety.NewModerationDetector(moderator, cfg.ModerationTimeout)
}
