// Package plugins defines the extension contracts of the completion
// pipeline and the registries that hold their implementations. Five
// plugin families exist: connectors, orchestrators, prompt
// processors, RAG processors, and tools. Registries are populated at
// startup and read-only afterwards.
package plugins

import (
	"context"

	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/org"
	"github.com/lamb-project/lamb/pkg/protocol"
	"github.com/lamb-project/lamb/pkg/store"
)

// Request is the inbound completion request as seen by plugins.
type Request struct {
	Messages []protocol.Message
	Stream   bool

	// Headers carries forwarded end-user identity headers such as
	// x-openwebui-user-email. Keys are lower-cased.
	Headers map[string]string

	// Metadata carries client-supplied request metadata, e.g. LMS
	// identifiers used by identity-aware processors.
	Metadata map[string]interface{}
}

// AssistantRuntime bundles everything plugins may need about the
// assistant being executed.
type AssistantRuntime struct {
	Record  *store.Assistant
	Meta    *assistant.Metadata
	OrgView *org.View
}

// ToolResult is one tool plugin's contribution to the prompt.
type ToolResult struct {
	Placeholder string
	Content     string
	Sources     []protocol.Source
	Err         error
}

// OrchestrationContext is the chained state a sequential run hands
// from one tool to the next. Parallel runs pass nil.
type OrchestrationContext struct {
	// CurrentContext is the accumulated textual context so far.
	CurrentContext string
	// Accumulated holds earlier tool results keyed by placeholder.
	Accumulated map[string]ToolResult
}

// ToolDeclaration describes a tool plugin to registries and admin
// surfaces.
type ToolDeclaration struct {
	Name         string                 `json:"name"`
	DisplayName  string                 `json:"display_name"`
	Placeholder  string                 `json:"placeholder"`
	Category     string                 `json:"category"`
	ConfigSchema map[string]interface{} `json:"config_schema,omitempty"`
}

// Tool produces content for one placeholder of the prompt template.
// Implementations must not mutate the request and must return a
// result rather than panic on bad config.
type Tool interface {
	Declaration() ToolDeclaration
	Process(ctx context.Context, req *Request, ar *AssistantRuntime, cfg assistant.ToolConfig, oc *OrchestrationContext) ToolResult
}

// ExecuteOptions tunes one orchestrator run.
type ExecuteOptions struct {
	// Verbose attaches a diagnostic markdown report of the tool run
	// to the result alongside the normally assembled prompt.
	Verbose bool
	// Progress receives human-readable stage notifications. May be
	// nil.
	Progress func(stage string)
}

// Result is the orchestrator output handed to the connector layer.
type Result struct {
	Messages []protocol.Message
	Sources  []protocol.Source
	// ToolResults holds the raw per-tool outcomes keyed by
	// placeholder, including error detail for dropped tools.
	ToolResults map[string]ToolResult
	// Report is set only on verbose runs.
	Report string
	// ErrorMessage carries a non-fatal diagnostic, e.g. when no
	// tools were enabled.
	ErrorMessage string
}

// Orchestrator assembles the final message list by running the
// assistant's tool graph against its prompt template.
type Orchestrator interface {
	Name() string
	Description() string
	Execute(ctx context.Context, req *Request, ar *AssistantRuntime, opts ExecuteOptions) (*Result, error)
}

// RAGContext is retrieved context handed from a RAG processor to a
// prompt processor on the legacy single-slot path.
type RAGContext struct {
	Context string
	Sources []protocol.Source
}

// RAGProcessor retrieves context for the legacy single-slot path.
type RAGProcessor interface {
	Name() string
	Retrieve(ctx context.Context, req *Request, ar *AssistantRuntime) (*RAGContext, error)
}

// PromptProcessor builds the final message list on the legacy
// single-slot path.
type PromptProcessor interface {
	Name() string
	Process(ctx context.Context, req *Request, ar *AssistantRuntime, rag *RAGContext) ([]protocol.Message, error)
}

// ToolSpec describes one provider-side function-calling tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolExecutor runs one provider-requested tool call and returns its
// textual result.
type ToolExecutor func(ctx context.Context, name string, args map[string]interface{}) (string, error)

// CompletionRequest is the connector-level request.
type CompletionRequest struct {
	Model       string
	Messages    []protocol.Message
	Temperature *float64
	MaxTokens   int
	OrgView     *org.View

	// Tools and Executor enable the bounded provider tool-call loop.
	Tools    []ToolSpec
	Executor ToolExecutor
}

// StreamFrame is one SSE-ready frame emitted by a streaming
// completion, including the trailing blank line. A frame with Err set
// terminates the stream.
type StreamFrame struct {
	Data string
	Err  error
}

// Connector speaks one LLM provider dialect.
type Connector interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*protocol.ChatCompletion, error)
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamFrame, error)
	// Models lists the model names reachable with the view's
	// credentials.
	Models(ctx context.Context, view *org.View) ([]string, error)
}
