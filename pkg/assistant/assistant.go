// Package assistant parses the assistant metadata blob into the
// pipeline declaration: connector, model, processors, capabilities,
// and the orchestrator tool graph. It also handles the public model
// reference form used by OpenAI-compatible clients.
package assistant

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/lamb-project/lamb/pkg/org"
)

// ModelRefPrefix is the canonical public encoding of an assistant id
// in the OpenAI-compatible model field.
const ModelRefPrefix = "lamb_assistant."

// Tool failure policies.
const (
	OnErrorSkip = "skip"
	OnErrorFail = "fail"
)

type Capabilities struct {
	Vision          bool `mapstructure:"vision" json:"vision"`
	ImageGeneration bool `mapstructure:"image_generation" json:"image_generation"`
}

// ToolConfig declares one tool plugin instance in the orchestrator
// graph. The placeholder names the {placeholder} token the tool's
// output replaces in the prompt template.
type ToolConfig struct {
	Plugin      string                 `mapstructure:"plugin" json:"plugin"`
	Placeholder string                 `mapstructure:"placeholder" json:"placeholder"`
	Enabled     bool                   `mapstructure:"enabled" json:"enabled"`
	OnError     string                 `mapstructure:"on_error" json:"on_error,omitempty"` // "skip" (default) | "fail"
	Config      map[string]interface{} `mapstructure:"config" json:"config,omitempty"`
}

// Metadata is the parsed pipeline declaration.
type Metadata struct {
	Connector       string       `mapstructure:"connector"`
	Model           string       `mapstructure:"model"`
	PromptProcessor string       `mapstructure:"prompt_processor"`
	RAGProcessor    string       `mapstructure:"rag_processor"`
	Capabilities    Capabilities `mapstructure:"capabilities"`
	Orchestrator    string       `mapstructure:"orchestrator"`
	Tools           []ToolConfig `mapstructure:"tools"`
}

// UsesOrchestrator reports whether the assistant declares a
// multi-tool graph rather than the legacy single-slot processors.
func (m *Metadata) UsesOrchestrator() bool {
	return m.Orchestrator != "" && len(m.Tools) > 0
}

// ApplyDefaults fills absent fields from the organization's assistant
// defaults.
func (m *Metadata) ApplyDefaults(d org.AssistantDefaults) {
	if m.Connector == "" {
		m.Connector = d.Connector
	}
	if m.Model == "" {
		m.Model = d.Model
	}
	if m.PromptProcessor == "" && !m.UsesOrchestrator() {
		m.PromptProcessor = d.PromptProcessor
	}
	if m.RAGProcessor == "" && !m.UsesOrchestrator() {
		m.RAGProcessor = d.RAGProcessor
	}
}

// ParseMetadata decodes the metadata blob. Tolerates double-encoded
// JSON and missing optional fields; an empty blob yields an empty
// declaration.
func ParseMetadata(raw string) (*Metadata, error) {
	if raw == "" {
		return &Metadata{}, nil
	}

	var generic interface{}
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("invalid assistant metadata: %w", err)
	}

	if inner, ok := generic.(string); ok {
		if inner == "" {
			return &Metadata{}, nil
		}
		if err := json.Unmarshal([]byte(inner), &generic); err != nil {
			return nil, fmt.Errorf("invalid nested assistant metadata: %w", err)
		}
	}

	asMap, ok := generic.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("assistant metadata must be an object")
	}

	var m Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &m,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata decoder: %w", err)
	}
	if err := decoder.Decode(asMap); err != nil {
		return nil, fmt.Errorf("failed to decode assistant metadata: %w", err)
	}

	for i := range m.Tools {
		if m.Tools[i].OnError == "" {
			m.Tools[i].OnError = OnErrorSkip
		}
	}

	return &m, nil
}

// ParseModelRef extracts the assistant id from a model field value.
// The canonical form is "lamb_assistant.<id>"; a bare integer id is
// accepted and normalized.
func ParseModelRef(model string) (int64, error) {
	ref := strings.TrimSpace(model)
	ref = strings.TrimPrefix(ref, ModelRefPrefix)

	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid assistant reference %q", model)
	}
	return id, nil
}

// ModelRef renders the canonical public model reference.
func ModelRef(id int64) string {
	return ModelRefPrefix + strconv.FormatInt(id, 10)
}

// RAGCollections parses the legacy collection list column.
func RAGCollections(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		// Tolerate a comma-separated plain string.
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
