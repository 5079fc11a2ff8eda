package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIConfig holds parameters for an OpenAI-compatible chat completions API.
type OpenAIConfig struct {
	APIURL      string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// DefaultOpenAIURL is the public chat completions endpoint.
const DefaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

const systemPrompt = "You are an access compliance risk analyst. Answer only with the requested JSON object."

// OpenAIClient calls an OpenAI-compatible endpoint over HTTP.
type OpenAIClient struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIClient creates a client. Empty APIURL uses DefaultOpenAIURL.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultOpenAIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &OpenAIClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Analyze sends prompt as a user message and returns the first choice text.
func (c *OpenAIClient) Analyze(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"max_tokens":  maxTokens,
		"temperature": c.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("analysis request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("analysis HTTP %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(respBody)), 200))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil || len(result.Choices) == 0 {
		return "", fmt.Errorf("empty analysis response")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}
