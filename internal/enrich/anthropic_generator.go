package enrich

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicEnrichMaxTokens int64 = 256

// AnthropicGenerator calls the Anthropic Messages API, grounded on the
// teacher's internal/llm/anthropic.Client message-construction shape.
type AnthropicGenerator struct {
	sdk   anthropic.Client
	model string
}

func NewAnthropicGenerator(baseURL, apiKey, model string) *AnthropicGenerator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(baseURL, "/")))
	}
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &AnthropicGenerator{sdk: anthropic.NewClient(opts...), model: model}
}

func (g *AnthropicGenerator) GenerateContext(ctx context.Context, docName, docType, rawText string) (string, error) {
	prompt := fmt.Sprintf(enrichPromptTemplate, docName, docType, truncate(rawText, maxRawTextForPrompt))
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: anthropicEnrichMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	resp, err := g.sdk.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("enrich: anthropic generate: %w", err)
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
