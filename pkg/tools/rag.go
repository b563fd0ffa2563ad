package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/kb"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
)

// ragTool is the retrieval tool family. The three registered names
// share the query-then-aggregate core and differ in how the query is
// formed and which KB endpoint answers it.
type ragTool struct {
	name         string
	displayName  string
	contextAware bool // rewrite the query from conversation context
	hierarchical bool // use the parent/child expansion endpoint
}

func NewSimpleRAG() plugins.Tool {
	return &ragTool{name: "simple_rag", displayName: "Simple RAG"}
}

func NewContextAwareRAG() plugins.Tool {
	return &ragTool{name: "context_aware_rag", displayName: "Context-Aware RAG", contextAware: true}
}

func NewHierarchicalRAG() plugins.Tool {
	return &ragTool{name: "hierarchical_rag", displayName: "Hierarchical RAG", contextAware: true, hierarchical: true}
}

func (t *ragTool) Declaration() plugins.ToolDeclaration {
	return plugins.ToolDeclaration{
		Name:        t.name,
		DisplayName: t.displayName,
		Placeholder: "context",
		Category:    "rag",
		ConfigSchema: map[string]interface{}{
			"collections": "list of knowledge base collection ids",
			"top_k":       "number of chunks per collection (default 5)",
		},
	}
}

func (t *ragTool) Process(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime, cfg assistant.ToolConfig, oc *plugins.OrchestrationContext) plugins.ToolResult {
	result := plugins.ToolResult{Placeholder: cfg.Placeholder}

	rc, err := decodeRAGConfig(cfg, ar)
	if err != nil {
		result.Err = err
		return result
	}
	if len(rc.Collections) == 0 {
		result.Err = fmt.Errorf("no collections configured")
		return result
	}

	query := protocol.LastUserText(req.Messages)
	if t.contextAware {
		query = t.rewriteQuery(ctx, req, ar, query)
	}
	if query == "" {
		result.Err = fmt.Errorf("no user message to query with")
		return result
	}

	client := kb.NewClient(ar.OrgView.KnowledgeBaseConfig())
	if !client.Configured() {
		result.Err = fmt.Errorf("no knowledge base server configured")
		return result
	}

	var chunks []string
	var failures int
	for _, collection := range rc.Collections {
		kreq := kb.QueryRequest{
			QueryText:    query,
			TopK:         rc.TopK,
			Threshold:    rc.Threshold,
			PluginParams: map[string]interface{}{},
		}

		var docs []kb.QueryResult
		var qerr error
		if t.hierarchical {
			docs, qerr = client.ParentChildQuery(ctx, collection, kreq)
		} else {
			docs, qerr = client.Query(ctx, collection, kreq)
		}
		if qerr != nil {
			slog.Warn("KB query failed", "tool", t.name, "collection", collection, "error", qerr)
			failures++
			continue
		}

		for _, doc := range docs {
			if doc.Data != "" {
				chunks = append(chunks, doc.Data)
			}
			result.Sources = append(result.Sources, doc.Source())
		}
	}

	if len(chunks) == 0 && failures == len(rc.Collections) {
		result.Sources = nil
		result.Err = fmt.Errorf("all %d collection queries failed", failures)
		return result
	}

	result.Content = strings.Join(chunks, "\n\n")
	return result
}
