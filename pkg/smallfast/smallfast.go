// Package smallfast calls the organization's auxiliary
// small-fast-model for short internal prompts such as query
// rewriting and title generation. It speaks the OpenAI
// chat-completions dialect directly.
package smallfast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/org"
)

// Client is bound to one organization's small-fast-model settings.
type Client struct {
	cfg        org.SmallFastModelConfig
	httpClient *httpclient.Client
}

func New(cfg org.SmallFastModelConfig) *Client {
	return &Client{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithTimeout(15*time.Second),
			httpclient.WithMaxRetries(1),
		),
	}
}

// Configured reports whether a model is set. Callers fall back to
// heuristics when it is not.
func (c *Client) Configured() bool { return c.cfg.Model != "" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends a system prompt plus user prompt and returns the
// trimmed single-choice reply.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("small fast model not configured")
	}

	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, "POST", base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if resp == nil {
		return "", fmt.Errorf("small fast model unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("small fast model returned HTTP %d", resp.StatusCode)
	}

	var payload chatResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", fmt.Errorf("unexpected response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return strings.TrimSpace(payload.Choices[0].Message.Content), nil
}
