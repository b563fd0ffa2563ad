package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
	"github.com/lamb-project/lamb/pkg/smallfast"
)

const summarizerSystemPrompt = "Summarize the following material into a compact briefing " +
	"that preserves every fact needed to answer the user's question. Output only the summary."

// summarizerTool condenses the chained context a sequential
// orchestrator accumulates. Under a parallel orchestrator it only
// sees the user message, which makes it useless there; sequential
// placement after retrieval tools is the intended wiring.
type summarizerTool struct{}

func NewContextSummarizer() plugins.Tool {
	return &summarizerTool{}
}

func (t *summarizerTool) Declaration() plugins.ToolDeclaration {
	return plugins.ToolDeclaration{
		Name:        "context_summarizer",
		DisplayName: "Context Summarizer",
		Placeholder: "summary",
		Category:    "postprocess",
		ConfigSchema: map[string]interface{}{
			"max_chars": "fallback truncation length when no summarizer model is configured (default 2000)",
		},
	}
}

type summarizerConfig struct {
	MaxChars int `mapstructure:"max_chars"`
}

func (t *summarizerTool) Process(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime, cfg assistant.ToolConfig, oc *plugins.OrchestrationContext) plugins.ToolResult {
	result := plugins.ToolResult{Placeholder: cfg.Placeholder}

	sc := summarizerConfig{MaxChars: 2000}
	if cfg.Config != nil {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &sc,
			WeaklyTypedInput: true,
		})
		if err == nil {
			_ = decoder.Decode(cfg.Config)
		}
	}
	if sc.MaxChars <= 0 {
		sc.MaxChars = 2000
	}

	input := ""
	if oc != nil {
		input = oc.CurrentContext
	}
	if input == "" {
		input = protocol.LastUserText(req.Messages)
	}
	if input == "" {
		result.Err = fmt.Errorf("nothing to summarize")
		return result
	}

	sf := smallfast.New(ar.OrgView.SmallFastModelConfig())
	if sf.Configured() {
		summary, err := sf.Complete(ctx, summarizerSystemPrompt, input, 512)
		if err == nil && summary != "" {
			result.Content = summary
			return result
		}
		if err != nil {
			slog.Warn("Context summarization failed, truncating instead", "error", err)
		}
	}

	if len(input) > sc.MaxChars {
		input = input[:sc.MaxChars]
	}
	result.Content = input
	return result
}
