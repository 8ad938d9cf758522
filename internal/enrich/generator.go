package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const maxRawTextForPrompt = 4000

const enrichPromptTemplate = `Give a short succinct context (1-2 sentences) to situate this chunk within the overall document for the purposes of improving search retrieval of the chunk. Answer only with the context, nothing else.

Document: %s
Type: %s

Chunk:
%s`

// OpenAIGenerator calls an OpenAI-compatible chat completions endpoint to
// produce the enrichment context prefix, grounded on the teacher's
// internal/llm/openai.Client chat-completion call shape.
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

func NewOpenAIGenerator(baseURL, apiKey, model string) *OpenAIGenerator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGenerator{client: openai.NewClient(opts...), model: model}
}

func (g *OpenAIGenerator) GenerateContext(ctx context.Context, docName, docType, rawText string) (string, error) {
	prompt := fmt.Sprintf(enrichPromptTemplate, docName, docType, truncate(rawText, maxRawTextForPrompt))
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("enrich: openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("enrich: openai generate: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
