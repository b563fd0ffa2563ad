package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/smallfast"
)

const (
	rewriteHistoryDepth   = 10
	rewriteMessageMaxLen  = 500
	rewriteResponseTokens = 128

	rewriteSystemPrompt = "You turn a conversation into a single focused search query. " +
		"Read the conversation and output only the query that best retrieves " +
		"documents answering the user's latest question. No explanations, no quotes."
)

// rewriteQuery asks the small-fast-model for a focused retrieval
// query built from recent conversation context. Any failure falls
// back to the plain last-user-message query.
func (t *ragTool) rewriteQuery(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime, fallback string) string {
	sf := smallfast.New(ar.OrgView.SmallFastModelConfig())
	if !sf.Configured() {
		return fallback
	}

	messages := req.Messages
	if len(messages) > rewriteHistoryDepth {
		messages = messages[len(messages)-rewriteHistoryDepth:]
	}

	var b strings.Builder
	for _, msg := range messages {
		text := msg.Content.PlainText()
		if text == "" {
			continue
		}
		text = clipRunes(text, rewriteMessageMaxLen)
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
	}
	if b.Len() == 0 {
		return fallback
	}

	query, err := sf.Complete(ctx, rewriteSystemPrompt, b.String(), rewriteResponseTokens)
	if err != nil {
		slog.Warn("Query rewrite failed, using last user message", "tool", t.name, "error", err)
		return fallback
	}
	if query == "" {
		return fallback
	}
	return query
}

// clipRunes cuts s to at most max bytes without splitting a rune.
func clipRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
