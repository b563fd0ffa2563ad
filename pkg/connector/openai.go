// Package connector implements the LLM provider layer. Connectors
// speak the provider wire dialect directly over HTTP, apply the
// organization-resolved credentials, and run the bounded
// function-calling loop when the assistant declares provider tools.
package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/httpclient"
	"github.com/lamb-project/lamb/pkg/org"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
)

// maxToolIterations bounds the provider tool-call loop.
const maxToolIterations = 5

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// chatRequest is the OpenAI chat-completions request body.
type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []protocol.Message `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []wireTool         `json:"tools,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// OpenAI speaks any OpenAI-compatible chat-completions endpoint.
type OpenAI struct {
	httpClient *httpclient.Client
}

func NewOpenAI() *OpenAI {
	return &OpenAI{
		httpClient: httpclient.New(
			httpclient.WithTimeout(120*time.Second),
			httpclient.WithMaxRetries(2),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}
}

func (c *OpenAI) Name() string { return "openai" }

func (c *OpenAI) credentials(view *org.View) (baseURL, apiKey string) {
	pc := view.ProviderConfig("openai")
	baseURL = strings.TrimSuffix(pc.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return baseURL, pc.APIKey
}

// Complete runs the non-streaming contract, including the bounded
// tool-call loop when the request carries tool specs and an executor.
func (c *OpenAI) Complete(ctx context.Context, req *plugins.CompletionRequest) (*protocol.ChatCompletion, error) {
	baseURL, apiKey := c.credentials(req.OrgView)

	messages := req.Messages
	var last *protocol.ChatCompletion

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		resp, err := c.post(ctx, baseURL, apiKey, chatRequest{
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

	slog.Warn("Tool-call loop exceeded iteration budget, returning last response",
		"model", req.Model, "iterations", maxToolIterations)
	return last, nil
}

// Stream runs the streaming contract. Tool iterations happen
// non-streaming; once the provider stops requesting tools, a fresh
// streaming call produces the frames the client sees.
func (c *OpenAI) Stream(ctx context.Context, req *plugins.CompletionRequest) (<-chan plugins.StreamFrame, error) {
	baseURL, apiKey := c.credentials(req.OrgView)

	messages := req.Messages
	if len(req.Tools) > 0 && req.Executor != nil {
		exhausted := true
		for iteration := 0; iteration < maxToolIterations; iteration++ {
			resp, err := c.post(ctx, baseURL, apiKey, chatRequest{
				Model:       req.Model,
				Messages:    messages,
				Temperature: req.Temperature,
				MaxTokens:   req.MaxTokens,
				Tools:       wireTools(req.Tools),
			})
			if err != nil {
				return nil, err
			}

			calls := pendingToolCalls(resp)
			if len(calls) == 0 {
				exhausted = false
				break
			}
			messages = appendToolTurns(ctx, messages, resp.Choices[0].Message, calls, req.Executor)
		}
		if exhausted {
			slog.Warn("Tool-call loop exceeded iteration budget, terminating stream",
				"model", req.Model, "iterations", maxToolIterations)
			out := make(chan plugins.StreamFrame, 1)
			out <- plugins.StreamFrame{Data: Terminator}
			close(out)
			return out, nil
		}
	}

	return c.stream(ctx, baseURL, apiKey, chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
}

// Models lists model ids reachable with the organization's
// credentials. A configured model allow-list short-circuits the
// provider call.
func (c *OpenAI) Models(ctx context.Context, view *org.View) ([]string, error) {
	pc := view.ProviderConfig("openai")
	if len(pc.Models) > 0 {
		return pc.Models, nil
	}

	baseURL, apiKey := c.credentials(view)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create models request: %w", err)
	}
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	// Do returns the response alongside an error for non-2xx, so the
	// status check owns error mapping.
	resp, err := c.httpClient.Do(httpReq)
	if resp == nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "provider unreachable", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("unexpected models response: %w", err)
	}

	out := make([]string, 0, len(payload.Data))
	for _, m := range payload.Data {
		out = append(out, m.ID)
	}
	return out, nil
}

func (c *OpenAI) post(ctx context.Context, baseURL, apiKey string, request chatRequest) (*protocol.ChatCompletion, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if resp == nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "provider unreachable", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var completion protocol.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("failed to decode completion: %w", err)
	}
	return &completion, nil
}

func (c *OpenAI) stream(ctx context.Context, baseURL, apiKey string, request chatRequest) (<-chan plugins.StreamFrame, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if resp == nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "provider unreachable", err)
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	out := make(chan plugins.StreamFrame)
	go forwardSSE(resp.Body, out)
	return out, nil
}

// forwardSSE relays provider SSE frames, always ending with the
// terminator so the frame sequence is finite.
func forwardSSE(body io.ReadCloser, out chan<- plugins.StreamFrame) {
	defer close(out)
	defer body.Close()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				out <- plugins.StreamFrame{Err: fmt.Errorf("failed to read stream: %w", err)}
				return
			}
			break
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		payload := line[len("data: "):]
		if bytes.Equal(payload, []byte("[DONE]")) {
			break
		}
		out <- plugins.StreamFrame{Data: "data: " + string(payload) + "\n\n"}
	}

	out <- plugins.StreamFrame{Data: Terminator}
}

// Terminator is the final SSE frame of every stream.
const Terminator = "data: [DONE]\n\n"

// DataFrame wraps a JSON-serializable chunk in the SSE envelope.
func DataFrame(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal frame: %w", err)
	}
	return "data: " + string(data) + "\n\n", nil
}

func wireTools(specs []plugins.ToolSpec) []wireTool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]wireTool, len(specs))
	for i, spec := range specs {
		out[i] = wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		}
	}
	return out
}

func pendingToolCalls(resp *protocol.ChatCompletion) []protocol.ToolCall {
	if resp == nil || len(resp.Choices) == 0 {
		return nil
	}
	return resp.Choices[0].Message.ToolCalls
}

// appendToolTurns appends the assistant tool-call turn and one tool
// turn per call. Malformed argument JSON degrades to an empty object.
func appendToolTurns(ctx context.Context, messages []protocol.Message, assistantTurn protocol.Message, calls []protocol.ToolCall, executor plugins.ToolExecutor) []protocol.Message {
	messages = append(messages, assistantTurn)

	for _, call := range calls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || args == nil {
			if call.Function.Arguments != "" {
				slog.Warn("Malformed tool-call arguments, passing empty object",
					"tool", call.Function.Name, "error", err)
			}
			args = map[string]interface{}{}
		}

		content, err := executor(ctx, call.Function.Name, args)
		if err != nil {
			slog.Warn("Tool execution failed", "tool", call.Function.Name, "error", err)
			content = fmt.Sprintf("error: %v", err)
		}

		messages = append(messages, protocol.Message{
			Role:       protocol.RoleTool,
			ToolCallID: call.ID,
			Content:    protocol.TextContent(content),
		})
	}
	return messages
}

// checkStatus maps provider HTTP failures to the error taxonomy.
// Credential rejections get the provider-auth kind whose client
// message is masked.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(body))
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		detail = parsed.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.Newf(apperr.KindProviderAuth, "provider rejected credentials: %s", detail)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway:
		return apperr.Newf(apperr.KindUpstreamUnavailable, "provider unavailable (HTTP %d): %s", resp.StatusCode, detail)
	default:
		return apperr.Newf(apperr.KindInternal, "provider returned HTTP %d: %s", resp.StatusCode, detail)
	}
}
