package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DeepSeekProvider generates responses through DeepSeek's OpenAI-compatible
// chat completions API.
type DeepSeekProvider struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int64
	httpClient *http.Client
}

// NewDeepSeekProvider creates a provider that calls a DeepSeek-compatible
// endpoint. An empty baseURL targets the hosted API.
func NewDeepSeekProvider(baseURL, apiKey, model string, maxTokens int64) *DeepSeekProvider {
	if baseURL == "" {
		baseURL = "https://api.deepseek.com"
	}
	if model == "" {
		model = "deepseek-chat"
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &DeepSeekProvider{
		baseURL:   baseURL,
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Name identifies the provider.
func (p *DeepSeekProvider) Name() string { return "generation_deepseek" }

type deepSeekMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type deepSeekRequest struct {
	Model     string            `json:"model"`
	Messages  []deepSeekMessage `json:"messages"`
	MaxTokens int64             `json:"max_tokens"`
}

type deepSeekResponse struct {
	Choices []struct {
		Message deepSeekMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate sends the conversation context and returns the first choice.
func (p *DeepSeekProvider) Generate(ctx context.Context, prompt string, _ int64, mode string) (string, error) {
	if prompt == "" {
		prompt = "(conversation start)"
	}

	reqBody, err := json.Marshal(deepSeekRequest{
		Model: p.model,
		Messages: []deepSeekMessage{
			{Role: "system", Content: systemPrompt(mode)},
			{Role: "user", Content: prompt},
		},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generation: marshal deepseek request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("generation: create deepseek request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation: send deepseek request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("generation: read deepseek response: %w", err)
	}

	var result deepSeekResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("generation: unmarshal deepseek response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("generation: deepseek error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation: deepseek status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("generation: deepseek returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}
