package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/org"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// Ollama drives a local Ollama daemon through its OpenAI-compatible
// endpoint. Model listing uses the native tags API because the
// compatibility layer omits it on older daemons.
type Ollama struct {
	inner      *OpenAI
	httpClient *httpclient.Client
}

func NewOllama() *Ollama {
	return &Ollama{
		inner: NewOpenAI(),
		httpClient: httpclient.New(
			httpclient.WithTimeout(10*time.Second),
			httpclient.WithoutRetries(),
		),
	}
}

func (c *Ollama) Name() string { return "ollama" }

func (c *Ollama) baseURL(view *org.View) string {
	pc := view.ProviderConfig("ollama")
	base := strings.TrimSuffix(pc.BaseURL, "/")
	if base == "" {
		base = defaultOllamaBaseURL
	}
	return base
}

func (c *Ollama) Complete(ctx context.Context, req *plugins.CompletionRequest) (*protocol.ChatCompletion, error) {
	messages := req.Messages
	base := c.baseURL(req.OrgView) + "/v1"

	var last *protocol.ChatCompletion
	for iteration := 0; iteration < maxToolIterations; iteration++ {
		resp, err := c.inner.post(ctx, base, "", chatRequest{
			Model:       req.Model,
			Messages:    messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Tools:       wireTools(req.Tools),
		})
		if err != nil {
			return nil, err
		}
		last = resp

		calls := pendingToolCalls(resp)
		if len(calls) == 0 || req.Executor == nil {
			return resp, nil
		}
		messages = appendToolTurns(ctx, messages, resp.Choices[0].Message, calls, req.Executor)
	}
	return last, nil
}

func (c *Ollama) Stream(ctx context.Context, req *plugins.CompletionRequest) (<-chan plugins.StreamFrame, error) {
	base := c.baseURL(req.OrgView) + "/v1"
	return c.inner.stream(ctx, base, "", chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
}

func (c *Ollama) Models(ctx context.Context, view *org.View) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL(view)+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tags request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if resp == nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "ollama unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "ollama returned HTTP %d", resp.StatusCode)
	}

	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("unexpected tags response: %w", err)
	}

	out := make([]string, 0, len(payload.Models))
	for _, m := range payload.Models {
		out = append(out, m.Name)
	}
	return out, nil
}
