package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider generates responses with the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider creates a provider backed by the Anthropic API.
func NewAnthropicProvider(apiKey, model string, maxTokens int64) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Name identifies the provider.
func (p *AnthropicProvider) Name() string { return "generation_anthropic" }

// Generate sends the conversation context as a single user message and
// returns the concatenated text blocks of the reply.
func (p *AnthropicProvider) Generate(ctx context.Context, prompt string, _ int64, mode string) (string, error) {
	if prompt == "" {
		prompt = "(conversation start)"
	}

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(mode)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("generation: anthropic request: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("generation: anthropic returned no text content")
	}
	return sb.String(), nil
}
