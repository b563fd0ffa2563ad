package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/org"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
	"github.com/lamb-project/lamb/pkg/store"
)

func viewWithBaseURL(t *testing.T, baseURL string) *org.View {
	t.Helper()
	cfg := fmt.Sprintf(`{"providers": {"openai": {"api_key": "test-key", "base_url": %q}}}`, baseURL)
	resolver := org.NewResolver(nil, &config.Settings{})
	view, err := resolver.ForOrganization(&store.Organization{Slug: "test", Config: cfg})
	if err != nil {
		t.Fatalf("failed to build org view: %v", err)
	}
	return view
}

func toolCallResponse(name, args string) protocol.ChatCompletion {
	return protocol.ChatCompletion{
		ID:     "cmpl-1",
		Object: "chat.completion",
		Choices: []protocol.Choice{{
			Message: protocol.Message{
				Role: protocol.RoleAssistant,
				ToolCalls: []protocol.ToolCall{{
					ID:       "call-1",
					Type:     "function",
					Function: protocol.FunctionCall{Name: name, Arguments: args},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}
}

func TestCompleteToolLoopBounded(t *testing.T) {
	var providerCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		providerCalls++
		json.NewEncoder(w).Encode(toolCallResponse("lookup", `{"q": "x"}`))
	}))
	defer server.Close()

	var executed int
	req := &plugins.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.TextContent("hi")}},
		OrgView:  viewWithBaseURL(t, server.URL),
		Tools:    []plugins.ToolSpec{{Name: "lookup"}},
		Executor: func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
			executed++
			return "result", nil
		},
	}

	resp, err := NewOpenAI().Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if providerCalls != maxToolIterations {
		t.Errorf("provider called %d times, want %d", providerCalls, maxToolIterations)
	}
	if executed != maxToolIterations {
		t.Errorf("tool executed %d times, want %d", executed, maxToolIterations)
	}
	if resp == nil || len(resp.Choices) == 0 {
		t.Fatal("expected the last provider response to be returned")
	}
}

func TestCompleteMalformedToolArguments(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode(toolCallResponse("lookup", `{not json`))
			return
		}
		json.NewEncoder(w).Encode(protocol.ChatCompletion{
			Choices: []protocol.Choice{{
				Message:      protocol.Message{Role: protocol.RoleAssistant, Content: protocol.TextContent("done")},
				FinishReason: "stop",
			}},
		})
	}))
	defer server.Close()

	var gotArgs map[string]interface{}
	req := &plugins.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.TextContent("hi")}},
		OrgView:  viewWithBaseURL(t, server.URL),
		Tools:    []plugins.ToolSpec{{Name: "lookup"}},
		Executor: func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
			gotArgs = args
			return "ok", nil
		},
	}

	resp, err := NewOpenAI().Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if gotArgs == nil || len(gotArgs) != 0 {
		t.Errorf("malformed arguments should degrade to empty object, got %v", gotArgs)
	}
	if resp.AssistantText() != "done" {
		t.Errorf("unexpected final text %q", resp.AssistantText())
	}
}

func TestStreamForwardsFramesAndTerminator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	req := &plugins.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.TextContent("hi")}},
		OrgView:  viewWithBaseURL(t, server.URL),
	}

	frames, err := NewOpenAI().Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var collected []string
	for frame := range frames {
		if frame.Err != nil {
			t.Fatalf("stream error: %v", frame.Err)
		}
		collected = append(collected, frame.Data)
	}

	if len(collected) != 3 {
		t.Fatalf("got %d frames, want 3: %q", len(collected), collected)
	}
	for _, frame := range collected {
		if !strings.HasPrefix(frame, "data: ") || !strings.HasSuffix(frame, "\n\n") {
			t.Errorf("frame not SSE-enveloped: %q", frame)
		}
	}
	if collected[len(collected)-1] != Terminator {
		t.Errorf("stream not terminated with %q, got %q", Terminator, collected[len(collected)-1])
	}
}

func TestStreamTerminatorWithoutProviderDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		// Provider hangs up without [DONE].
	}))
	defer server.Close()

	req := &plugins.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.TextContent("hi")}},
		OrgView:  viewWithBaseURL(t, server.URL),
	}

	frames, err := NewOpenAI().Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var lastFrame string
	for frame := range frames {
		if frame.Err != nil {
			t.Fatalf("stream error: %v", frame.Err)
		}
		lastFrame = frame.Data
	}
	if lastFrame != Terminator {
		t.Errorf("stream must end with the terminator, got %q", lastFrame)
	}
}

func TestStreamToolLoopBudgetEmitsTerminatorOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(toolCallResponse("lookup", `{}`))
	}))
	defer server.Close()

	req := &plugins.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.TextContent("hi")}},
		OrgView:  viewWithBaseURL(t, server.URL),
		Tools:    []plugins.ToolSpec{{Name: "lookup"}},
		Executor: func(ctx context.Context, name string, args map[string]interface{}) (string, error) {
			return "r", nil
		},
	}

	frames, err := NewOpenAI().Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var collected []string
	for frame := range frames {
		collected = append(collected, frame.Data)
	}
	if len(collected) != 1 || collected[0] != Terminator {
		t.Errorf("exhausted tool loop should emit terminator only, got %q", collected)
	}
}

func TestCompleteProviderAuthMasked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "Incorrect API key provided: sk-secret"}}`)
	}))
	defer server.Close()

	req := &plugins.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: protocol.TextContent("hi")}},
		OrgView:  viewWithBaseURL(t, server.URL),
	}

	_, err := NewOpenAI().Complete(context.Background(), req)
	if apperr.KindOf(err) != apperr.KindProviderAuth {
		t.Fatalf("expected provider-auth error, got %v", err)
	}
	if strings.Contains(apperr.ClientMessage(err), "sk-secret") {
		t.Error("client message leaks provider credential detail")
	}
}
