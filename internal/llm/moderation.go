package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrModerationAmbiguous is returned when the moderation service answered
// without a usable verdict.
var ErrModerationAmbiguous = errors.New("llm: moderation result ambiguous")

// ModerationResult is a moderation verdict for one text.
type ModerationResult struct {
	// Flagged is the provider's overall flag, for any category.
	Flagged bool
	// Crisis is true when a self-harm or violence category tripped.
	Crisis     bool
	Categories []string
}

// Moderator classifies text for crisis content.
type Moderator interface {
	Moderate(ctx context.Context, text string) (ModerationResult, error)
}

type openAIModerationAPI interface {
	Moderations(ctx context.Context, request openai.ModerationRequest) (openai.ModerationResponse, error)
}

// OpenAIModerator uses the OpenAI moderation endpoint.
type OpenAIModerator struct {
	api   openAIModerationAPI
	model string
}

// NewOpenAIModerator builds a moderator. An empty model lets the API pick its default.
func NewOpenAIModerator(apiKey, baseURL, model string) (*OpenAIModerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: openai api key is required for moderation")
	}
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return newOpenAIModeratorWithAPI(openai.NewClientWithConfig(cfg), model), nil
}

func newOpenAIModeratorWithAPI(api openAIModerationAPI, model string) *OpenAIModerator {
	return &OpenAIModerator{api: api, model: strings.TrimSpace(model)}
}

func (m *OpenAIModerator) Moderate(ctx context.Context, text string) (ModerationResult, error) {
	resp, err := m.api.Moderations(ctx, openai.ModerationRequest{Input: text, Model: m.model})
	if err != nil {
		return ModerationResult{}, fmt.Errorf("llm: moderation request failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return ModerationResult{}, ErrModerationAmbiguous
	}

	var out ModerationResult
	for _, r := range resp.Results {
		out.Flagged = out.Flagged || r.Flagged
		c := r.Categories
		crisis := map[string]bool{
			"self-harm":              c.SelfHarm,
			"self-harm/intent":       c.SelfHarmIntent,
			"self-harm/instructions": c.SelfHarmInstructions,
			"violence":               c.Violence,
			"harassment/threatening": c.HarassmentThreatening,
			"hate/threatening":       c.HateThreatening,
		}
		for _, name := range crisisCategoryOrder {
			if crisis[name] {
				out.Crisis = true
				out.Categories = append(out.Categories, name)
			}
		}
	}
	return out, nil
}

var crisisCategoryOrder = []string{
	"self-harm",
	"self-harm/intent",
	"self-harm/instructions",
	"violence",
	"harassment/threatening",
	"hate/threatening",
}
