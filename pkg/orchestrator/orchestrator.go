// Package orchestrator runs an assistant's tool graph and splices the
// tool outputs into the prompt template. Two strategies exist:
// parallel fan-out for independent tools and sequential chaining for
// tools that read earlier outputs.
package orchestrator

import (
	"regexp"
	"strings"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
)

// placeholderPattern matches unfilled {placeholder} tokens erased in
// the final cleanup pass.
var placeholderPattern = regexp.MustCompile(`\{[a-z0-9_]+\}`)

// enabledTools filters the declared tool list preserving order.
func enabledTools(list []assistant.ToolConfig) []assistant.ToolConfig {
	var out []assistant.ToolConfig
	for _, tc := range list {
		if tc.Enabled {
			out = append(out, tc)
		}
	}
	return out
}

// spliceValue wraps non-empty tool content in blank lines so it reads
// as its own paragraph inside the template.
func spliceValue(content string) string {
	if content == "" {
		return ""
	}
	return "\n\n" + content + "\n\n"
}

// fillPlaceholder replaces one {name} token.
func fillPlaceholder(template, name, content string) string {
	return strings.ReplaceAll(template, "{"+name+"}", spliceValue(content))
}

// finishTemplate fills {user_input} and erases every unfilled token.
func finishTemplate(template, userInput string) string {
	template = strings.ReplaceAll(template, "{user_input}", spliceValue(userInput))
	return placeholderPattern.ReplaceAllString(template, "")
}

// buildMessages assembles the final message list: system prompt,
// history minus the last message, then the last message rewritten to
// carry the processed template. For vision assistants the rewritten
// last message keeps its non-text parts in order; otherwise they are
// stripped.
func buildMessages(ar *plugins.AssistantRuntime, original []protocol.Message, processed string) []protocol.Message {
	var out []protocol.Message

	if ar.Record.SystemPrompt != "" {
		out = append(out, protocol.Message{
			Role:    protocol.RoleSystem,
			Content: protocol.TextContent(ar.Record.SystemPrompt),
		})
	}

	if len(original) == 0 {
		out = append(out, protocol.Message{
			Role:    protocol.RoleUser,
			Content: protocol.TextContent(processed),
		})
		return out
	}

	out = append(out, original[:len(original)-1]...)

	last := original[len(original)-1]
	vision := ar.Meta != nil && ar.Meta.Capabilities.Vision

	nonText := last.Content.NonTextParts()
	if vision && len(nonText) > 0 {
		parts := []protocol.ContentPart{protocol.TextPart(processed)}
		parts = append(parts, nonText...)
		last.Content = protocol.PartsContent(parts)
	} else {
		last.Content = protocol.TextContent(processed)
	}

	out = append(out, last)
	return out
}

// noToolsResult is the degenerate result when the assistant declares
// an orchestrator but no enabled tools.
func noToolsResult() *plugins.Result {
	return &plugins.Result{
		Messages: []protocol.Message{{
			Role:    protocol.RoleSystem,
			Content: protocol.TextContent("No enabled tools are configured for this assistant."),
		}},
		ToolResults:  map[string]plugins.ToolResult{},
		ErrorMessage: "no tools configured",
	}
}

func progress(opts plugins.ExecuteOptions, stage string) {
	if opts.Progress != nil {
		opts.Progress(stage)
	}
}
