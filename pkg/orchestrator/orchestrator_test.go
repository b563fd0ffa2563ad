package orchestrator

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
	"github.com/lamb-project/lamb/pkg/store"
)

type fakeTool struct {
	name string
	fn   func(req *plugins.Request, oc *plugins.OrchestrationContext) plugins.ToolResult
}

func (t *fakeTool) Declaration() plugins.ToolDeclaration {
	return plugins.ToolDeclaration{Name: t.name, DisplayName: t.name, Category: "test"}
}

func (t *fakeTool) Process(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime, cfg assistant.ToolConfig, oc *plugins.OrchestrationContext) plugins.ToolResult {
	res := t.fn(req, oc)
	res.Placeholder = cfg.Placeholder
	return res
}

func newRuntime(template string, vision bool, tools ...assistant.ToolConfig) *plugins.AssistantRuntime {
	return &plugins.AssistantRuntime{
		Record: &store.Assistant{
			ID:             1,
			Name:           "bio-tutor",
			SystemPrompt:   "You are a biology tutor.",
			PromptTemplate: template,
		},
		Meta: &assistant.Metadata{
			Capabilities: assistant.Capabilities{Vision: vision},
			Orchestrator: "parallel",
			Tools:        tools,
		},
	}
}

func userRequest(text string) *plugins.Request {
	return &plugins.Request{
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: protocol.TextContent(text)},
		},
	}
}

func lastText(t *testing.T, result *plugins.Result) string {
	t.Helper()
	if len(result.Messages) == 0 {
		t.Fatal("no messages in result")
	}
	return result.Messages[len(result.Messages)-1].Content.PlainText()
}

func TestParallelTwoToolFanOut(t *testing.T) {
	registries := plugins.NewRegistries()
	registries.RegisterTool(&fakeTool{name: "rag_a", fn: func(*plugins.Request, *plugins.OrchestrationContext) plugins.ToolResult {
		return plugins.ToolResult{Content: "CTX-ONE", Sources: []protocol.Source{{Title: "a", URL: "http://a"}}}
	}})
	registries.RegisterTool(&fakeTool{name: "rag_b", fn: func(*plugins.Request, *plugins.OrchestrationContext) plugins.ToolResult {
		return plugins.ToolResult{Content: "CTX-TWO", Sources: []protocol.Source{{Title: "b", URL: "http://b"}}}
	}})

	ar := newRuntime("Background:\n{ctx1}\n\nAlso:\n{ctx2}\n\nQ: {user_input}", false,
		assistant.ToolConfig{Plugin: "rag_a", Placeholder: "ctx1", Enabled: true},
		assistant.ToolConfig{Plugin: "rag_b", Placeholder: "ctx2", Enabled: true},
	)

	result, err := NewParallel(registries, nil).Execute(context.Background(), userRequest("What is mitosis?"), ar, plugins.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	text := lastText(t, result)
	one := strings.Index(text, "CTX-ONE")
	two := strings.Index(text, "CTX-TWO")
	if one < 0 || two < 0 {
		t.Fatalf("tool outputs missing from final message: %q", text)
	}
	if one > two {
		t.Error("tool outputs out of declaration order")
	}
	if !strings.Contains(text, "What is mitosis?") {
		t.Error("user input not spliced")
	}
	if strings.Contains(text, "{") || strings.Contains(text, "}") {
		t.Errorf("literal braces remain: %q", text)
	}

	if len(result.Sources) != 2 || result.Sources[0].Title != "a" || result.Sources[1].Title != "b" {
		t.Errorf("sources not aggregated in tool order: %+v", result.Sources)
	}

	if result.Messages[0].Role != protocol.RoleSystem {
		t.Error("system prompt not prepended")
	}
}

func TestSequentialChainedContext(t *testing.T) {
	registries := plugins.NewRegistries()

	registries.RegisterTool(&fakeTool{name: "rag", fn: func(*plugins.Request, *plugins.OrchestrationContext) plugins.ToolResult {
		return plugins.ToolResult{Content: "RAG TEXT"}
	}})

	var seenContext string
	registries.RegisterTool(&fakeTool{name: "summarizer", fn: func(_ *plugins.Request, oc *plugins.OrchestrationContext) plugins.ToolResult {
		if oc != nil {
			seenContext = oc.CurrentContext
		}
		return plugins.ToolResult{Content: "SUMMARY"}
	}})

	ar := newRuntime("Background:\n{ctx1}\n\nAlso:\n{ctx2}\n\nQ: {user_input}", false,
		assistant.ToolConfig{Plugin: "rag", Placeholder: "ctx1", Enabled: true},
		assistant.ToolConfig{Plugin: "summarizer", Placeholder: "ctx2", Enabled: true},
	)

	result, err := NewSequential(registries, nil).Execute(context.Background(), userRequest("What is mitosis?"), ar, plugins.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !strings.Contains(seenContext, "RAG TEXT") {
		t.Errorf("second tool did not see first tool's output in chained context: %q", seenContext)
	}
	if strings.Contains(seenContext, "{ctx1}") {
		t.Error("first placeholder still unfilled in chained context")
	}

	text := lastText(t, result)
	if !strings.Contains(text, "RAG TEXT") || !strings.Contains(text, "SUMMARY") {
		t.Errorf("final message missing tool outputs: %q", text)
	}
}

func TestParallelFailedToolDropped(t *testing.T) {
	registries := plugins.NewRegistries()
	registries.RegisterTool(&fakeTool{name: "broken", fn: func(*plugins.Request, *plugins.OrchestrationContext) plugins.ToolResult {
		return plugins.ToolResult{Err: context.DeadlineExceeded}
	}})

	ar := newRuntime("Context: {ctx}\nQ: {user_input}", false,
		assistant.ToolConfig{Plugin: "broken", Placeholder: "ctx", Enabled: true, OnError: assistant.OnErrorSkip},
	)

	result, err := NewParallel(registries, nil).Execute(context.Background(), userRequest("hello"), ar, plugins.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	text := lastText(t, result)
	if strings.Contains(text, "{ctx}") {
		t.Error("failed tool's placeholder not erased")
	}
	if len(result.Sources) != 0 {
		t.Error("failed tool contributed sources")
	}
	if result.ToolResults["ctx"].Err == nil {
		t.Error("failure not recorded in tool results")
	}
}

func TestSequentialOnErrorFail(t *testing.T) {
	registries := plugins.NewRegistries()
	registries.RegisterTool(&fakeTool{name: "broken", fn: func(*plugins.Request, *plugins.OrchestrationContext) plugins.ToolResult {
		return plugins.ToolResult{Err: context.DeadlineExceeded}
	}})

	ar := newRuntime("Context: {ctx}", false,
		assistant.ToolConfig{Plugin: "broken", Placeholder: "ctx", Enabled: true, OnError: assistant.OnErrorFail},
	)

	_, err := NewSequential(registries, nil).Execute(context.Background(), userRequest("hello"), ar, plugins.ExecuteOptions{})
	if apperr.KindOf(err) != apperr.KindToolFailed {
		t.Fatalf("expected tool-failed error, got %v", err)
	}
}

func TestUnregisteredPluginSkipped(t *testing.T) {
	registries := plugins.NewRegistries()

	ar := newRuntime("Context: {ctx}\nQ: {user_input}", false,
		assistant.ToolConfig{Plugin: "ghost", Placeholder: "ctx", Enabled: true},
	)

	result, err := NewParallel(registries, nil).Execute(context.Background(), userRequest("hi"), ar, plugins.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.Contains(lastText(t, result), "{ctx}") {
		t.Error("unregistered plugin's placeholder not erased")
	}
}

func TestNoEnabledTools(t *testing.T) {
	registries := plugins.NewRegistries()
	ar := newRuntime("Q: {user_input}", false,
		assistant.ToolConfig{Plugin: "rag", Placeholder: "ctx", Enabled: false},
	)

	result, err := NewParallel(registries, nil).Execute(context.Background(), userRequest("hi"), ar, plugins.ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("expected single-message result, got %d", len(result.Messages))
	}
	if result.ErrorMessage == "" {
		t.Error("expected diagnostic error message")
	}
}

func TestVisionContentRebuild(t *testing.T) {
	registries := plugins.NewRegistries()
	registries.RegisterTool(&fakeTool{name: "rag", fn: func(*plugins.Request, *plugins.OrchestrationContext) plugins.ToolResult {
		return plugins.ToolResult{Content: "CELL FACTS"}
	}})

	mixed := protocol.PartsContent([]protocol.ContentPart{
		protocol.TextPart("What is in this image?"),
		{Type: protocol.ContentPartTypeImageURL, ImageURL: &protocol.ImageURL{URL: "data:image/png;base64,xyz"}},
	})
	req := &plugins.Request{Messages: []protocol.Message{{Role: protocol.RoleUser, Content: mixed}}}

	tc := assistant.ToolConfig{Plugin: "rag", Placeholder: "ctx", Enabled: true}

	t.Run("vision enabled keeps image parts", func(t *testing.T) {
		ar := newRuntime("Context: {ctx}\nQ: {user_input}", true, tc)
		result, err := NewParallel(registries, nil).Execute(context.Background(), req, ar, plugins.ExecuteOptions{})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		last := result.Messages[len(result.Messages)-1]
		if !last.Content.IsParts() {
			t.Fatal("expected multi-part content")
		}
		parts := last.Content.Parts()
		if parts[0].Type != protocol.ContentPartTypeText || !strings.Contains(parts[0].Text, "CELL FACTS") {
			t.Error("text part not rewritten with processed template")
		}
		if parts[len(parts)-1].Type != protocol.ContentPartTypeImageURL {
			t.Error("image part not preserved")
		}
	})

	t.Run("vision disabled strips image parts", func(t *testing.T) {
		ar := newRuntime("Context: {ctx}\nQ: {user_input}", false, tc)
		result, err := NewParallel(registries, nil).Execute(context.Background(), req, ar, plugins.ExecuteOptions{})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		last := result.Messages[len(result.Messages)-1]
		if last.Content.IsParts() {
			t.Fatal("expected plain text content")
		}
		if !strings.Contains(last.Content.PlainText(), "What is in this image?") {
			t.Error("user text lost")
		}
	})
}

func TestVerboseReport(t *testing.T) {
	registries := plugins.NewRegistries()
	registries.RegisterTool(&fakeTool{name: "rag", fn: func(*plugins.Request, *plugins.OrchestrationContext) plugins.ToolResult {
		return plugins.ToolResult{Content: strings.Repeat("x", 600)}
	}})

	ar := newRuntime("Context: {ctx}\nQ: {user_input}", false,
		assistant.ToolConfig{Plugin: "rag", Placeholder: "ctx", Enabled: true},
	)

	result, err := NewParallel(registries, nil).Execute(context.Background(), userRequest("hi"), ar, plugins.ExecuteOptions{Verbose: true})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Report == "" {
		t.Fatal("verbose run produced no report")
	}
	for _, want := range []string{"parallel", "bio-tutor", "rag", "content length: 600"} {
		if !strings.Contains(result.Report, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestPreviewKeepsRunesIntact(t *testing.T) {
	got := preview(strings.Repeat("ü", reportToolPreviewLen), reportToolPreviewLen)
	if !utf8.ValidString(got) {
		t.Errorf("preview produced invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("long preview not marked as truncated: %q", got)
	}
	if short := preview("abc", 10); short != "abc" {
		t.Errorf("short preview = %q", short)
	}
}
