// Package prompt implements the legacy single-slot prompt processors
// used when an assistant declares a prompt_processor instead of an
// orchestrator. They fill {context} and {user_input} in the template
// and prepend the system prompt.
package prompt

import (
	"context"
	"regexp"
	"strings"

	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
)

var leftoverPattern = regexp.MustCompile(`\{[a-z0-9_]+\}`)

// Simple fills the template with the retrieved context and the last
// user message.
type Simple struct{}

func NewSimple() *Simple { return &Simple{} }

func (p *Simple) Name() string { return "simple" }

func (p *Simple) Process(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime, rag *plugins.RAGContext) ([]protocol.Message, error) {
	ragContext := ""
	if rag != nil {
		ragContext = rag.Context
	}
	return assemble(req, ar, ragContext), nil
}

// assemble builds the final message list shared by all legacy
// processors.
func assemble(req *plugins.Request, ar *plugins.AssistantRuntime, ragContext string) []protocol.Message {
	userInput := protocol.LastUserText(req.Messages)

	template := ar.Record.PromptTemplate
	if template == "" {
		template = "{context}\n\n{user_input}"
	}
	template = strings.ReplaceAll(template, "{context}", ragContext)
	template = strings.ReplaceAll(template, "{user_input}", userInput)
	template = leftoverPattern.ReplaceAllString(template, "")

	var out []protocol.Message
	if ar.Record.SystemPrompt != "" {
		out = append(out, protocol.Message{
			Role:    protocol.RoleSystem,
			Content: protocol.TextContent(ar.Record.SystemPrompt),
		})
	}
	if len(req.Messages) > 1 {
		out = append(out, req.Messages[:len(req.Messages)-1]...)
	}

	role := protocol.RoleUser
	if len(req.Messages) > 0 {
		role = req.Messages[len(req.Messages)-1].Role
	}
	out = append(out, protocol.Message{Role: role, Content: protocol.TextContent(template)})
	return out
}
