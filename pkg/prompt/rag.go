package prompt

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/kb"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
)

// SimpleRAG is the legacy single-slot retriever. It queries the
// assistant's collection list with the last user message and returns
// one joined context string.
type SimpleRAG struct{}

func NewSimpleRAG() *SimpleRAG { return &SimpleRAG{} }

func (p *SimpleRAG) Name() string { return "simple_rag" }

func (p *SimpleRAG) Retrieve(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime) (*plugins.RAGContext, error) {
	collections := assistant.RAGCollections(ar.Record.RAGCollections)
	if len(collections) == 0 {
		return &plugins.RAGContext{}, nil
	}

	query := protocol.LastUserText(req.Messages)
	if query == "" {
		return &plugins.RAGContext{}, nil
	}

	topK := ar.Record.RAGTopK
	if topK <= 0 {
		topK = 5
	}

	// Retrieval is best-effort on the legacy path; without a KB server
	// the request proceeds with no context.
	client := kb.NewClient(ar.OrgView.KnowledgeBaseConfig())
	if !client.Configured() {
		slog.Warn("No knowledge base server configured, skipping retrieval")
		return &plugins.RAGContext{}, nil
	}

	out := &plugins.RAGContext{}
	var chunks []string
	for _, collection := range collections {
		docs, err := client.Query(ctx, collection, kb.QueryRequest{
			QueryText:    query,
			TopK:         topK,
			PluginParams: map[string]interface{}{},
		})
		if err != nil {
			slog.Warn("Legacy RAG query failed", "collection", collection, "error", err)
			continue
		}
		for _, doc := range docs {
			if doc.Data != "" {
				chunks = append(chunks, doc.Data)
			}
			out.Sources = append(out.Sources, doc.Source())
		}
	}

	out.Context = strings.Join(chunks, "\n\n")
	return out, nil
}

// NoRAG retrieves nothing. Registered so assistants can opt out
// explicitly.
type NoRAG struct{}

func NewNoRAG() *NoRAG { return &NoRAG{} }

func (p *NoRAG) Name() string { return "no_rag" }

func (p *NoRAG) Retrieve(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime) (*plugins.RAGContext, error) {
	return &plugins.RAGContext{}, nil
}
