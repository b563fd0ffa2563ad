package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/plugins"
)

const (
	reportUserExcerptLen    = 200
	reportToolPreviewLen    = 500
	reportMessagePreviewLen = 300
	reportMaxSources        = 10
)

// buildReport renders the verbose diagnostic markdown attached to the
// result when verbose mode is on.
func buildReport(orchestratorName string, ar *plugins.AssistantRuntime, req *plugins.Request, configs []assistant.ToolConfig, results []plugins.ToolResult, out *plugins.Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Orchestration Report\n\n")
	fmt.Fprintf(&b, "- **Orchestrator:** %s\n", orchestratorName)
	fmt.Fprintf(&b, "- **Assistant:** %s\n", ar.Record.Name)
	fmt.Fprintf(&b, "- **Timestamp:** %s\n\n", time.Now().UTC().Format(time.RFC3339))

	fmt.Fprintf(&b, "## User Message\n\n%s\n\n", preview(lastUserInput(req.Messages), reportUserExcerptLen))

	fmt.Fprintf(&b, "## Tools\n\n")
	for i, tc := range configs {
		res := results[i]
		fmt.Fprintf(&b, "### %s (`{%s}`)\n\n", tc.Plugin, tc.Placeholder)
		fmt.Fprintf(&b, "- enabled: %t\n", tc.Enabled)
		fmt.Fprintf(&b, "- config: `%s`\n", compactJSON(tc.Config))
		fmt.Fprintf(&b, "- content length: %d\n", len(res.Content))
		if res.Err != nil {
			fmt.Fprintf(&b, "- error: %s\n", res.Err)
		}
		if res.Content != "" {
			fmt.Fprintf(&b, "\n> %s\n", preview(res.Content, reportToolPreviewLen))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Sources (%d)\n\n", len(out.Sources))
	for i, src := range out.Sources {
		if i >= reportMaxSources {
			fmt.Fprintf(&b, "- … %d more\n", len(out.Sources)-reportMaxSources)
			break
		}
		fmt.Fprintf(&b, "- %s (%.3f) %s\n", src.Title, src.Similarity, src.URL)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Final Messages (%d)\n\n", len(out.Messages))
	for _, msg := range out.Messages {
		fmt.Fprintf(&b, "- **%s:** %s\n", msg.Role, preview(msg.Content.PlainText(), reportMessagePreviewLen))
	}

	return b.String()
}

// preview flattens newlines and cuts long strings on a rune boundary.
func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

func compactJSON(v interface{}) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
