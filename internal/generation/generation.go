// Package generation produces assistant responses from assembled context.
//
// Defines a Provider interface with Anthropic, DeepSeek, and echo
// implementations. The interface allows swapping generation backends
// without changing the coordinator.
package generation

import (
	"context"
	"fmt"
	"strings"
)

// Provider generates a response for a prompt. Prompt is the formatted
// conversation context, newest turn last.
type Provider interface {
	// Name identifies the provider in coordination events.
	Name() string

	// Generate produces a response. Mode is a free-form hint ("companion",
	// "assistant") the provider may fold into its system prompt.
	Generate(ctx context.Context, prompt string, userID int64, mode string) (string, error)
}

// systemPrompt builds the instruction block shared by the API-backed
// providers.
func systemPrompt(mode string) string {
	base := "You are a helpful conversational companion. Continue the conversation naturally, replying to the last user turn."
	if mode != "" {
		return fmt.Sprintf("%s Respond in %s mode.", base, mode)
	}
	return base
}

// EchoProvider replies with the last user line of the prompt. Used in tests
// and when no API key is configured.
type EchoProvider struct{}

// NewEchoProvider creates a provider that echoes the last user turn.
func NewEchoProvider() *EchoProvider {
	return &EchoProvider{}
}

// Name identifies the provider.
func (p *EchoProvider) Name() string { return "generation_echo" }

// Generate returns "Echo: " followed by the last user line of the prompt.
func (p *EchoProvider) Generate(_ context.Context, prompt string, _ int64, _ string) (string, error) {
	lines := strings.Split(prompt, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if text, ok := strings.CutPrefix(lines[i], "user: "); ok {
			return "Echo: " + text, nil
		}
	}
	return "Echo: " + prompt, nil
}
