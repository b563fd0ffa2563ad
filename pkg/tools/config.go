// Package tools implements the built-in tool plugins scheduled by
// orchestrators: plain and query-rewriting RAG retrieval and a
// chained-context summarizer.
package tools

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/plugins"
)

// ragConfig is the shared tool config of the RAG family.
type ragConfig struct {
	Collections []string `mapstructure:"collections"`
	TopK        int      `mapstructure:"top_k"`
	Threshold   float64  `mapstructure:"threshold"`
}

// decodeRAGConfig parses the free-form tool config, falling back to
// the assistant's legacy collection list and top-k columns.
func decodeRAGConfig(cfg assistant.ToolConfig, ar *plugins.AssistantRuntime) (ragConfig, error) {
	var rc ragConfig
	if cfg.Config != nil {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &rc,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return rc, fmt.Errorf("failed to build tool config decoder: %w", err)
		}
		if err := decoder.Decode(cfg.Config); err != nil {
			return rc, fmt.Errorf("invalid tool config: %w", err)
		}
	}

	if len(rc.Collections) == 0 && ar != nil && ar.Record != nil {
		rc.Collections = assistant.RAGCollections(ar.Record.RAGCollections)
	}
	if rc.TopK <= 0 {
		if ar != nil && ar.Record != nil && ar.Record.RAGTopK > 0 {
			rc.TopK = ar.Record.RAGTopK
		} else {
			rc.TopK = 5
		}
	}
	return rc, nil
}
