package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/observability"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
)

// Parallel fans enabled tools out concurrently. Tools are
// independent: none sees another's output, and the declaration order
// only governs source aggregation and splice order.
type Parallel struct {
	registries *plugins.Registries
	metrics    *observability.Metrics
}

func NewParallel(registries *plugins.Registries, metrics *observability.Metrics) *Parallel {
	return &Parallel{registries: registries, metrics: metrics}
}

func (o *Parallel) Name() string { return "parallel" }

func (o *Parallel) Description() string {
	return "Runs all enabled tools concurrently and splices their outputs into the prompt template"
}

func (o *Parallel) Execute(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime, opts plugins.ExecuteOptions) (*plugins.Result, error) {
	configs := enabledTools(ar.Meta.Tools)
	if len(configs) == 0 {
		return noToolsResult(), nil
	}

	progress(opts, fmt.Sprintf("Running %d tools", len(configs)))

	// Slots keep declaration order; the group only parallelizes the
	// calls.
	results := make([]plugins.ToolResult, len(configs))
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range configs {
		g.Go(func() error {
			tool, err := o.registries.Tool(tc.Plugin)
			if err != nil {
				slog.Warn("Tool plugin not registered, skipping", "plugin", tc.Plugin, "placeholder", tc.Placeholder)
				results[i] = plugins.ToolResult{Placeholder: tc.Placeholder, Err: err}
				return nil
			}
			toolStart := time.Now()
			results[i] = tool.Process(gctx, req, ar, tc, nil)
			results[i].Placeholder = tc.Placeholder
			o.metrics.RecordToolCall(gctx, tc.Plugin, time.Since(toolStart), results[i].Err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	progress(opts, "Assembling prompt")

	out := &plugins.Result{ToolResults: make(map[string]plugins.ToolResult, len(results))}
	template := ar.Record.PromptTemplate

	for i, res := range results {
		tc := configs[i]
		out.ToolResults[res.Placeholder] = res

		if res.Err != nil {
			if res.Content == "" {
				slog.Warn("Tool failed, dropping its placeholder",
					"plugin", tc.Plugin, "placeholder", res.Placeholder, "error", res.Err)
				if tc.OnError == assistant.OnErrorFail {
					return nil, apperr.Wrap(apperr.KindToolFailed,
						fmt.Sprintf("required tool %s failed", tc.Plugin), res.Err)
				}
				continue
			}
			slog.Warn("Tool returned partial result", "plugin", tc.Plugin, "error", res.Err)
		}

		template = fillPlaceholder(template, res.Placeholder, res.Content)
		out.Sources = append(out.Sources, res.Sources...)
	}

	userInput := lastUserInput(req.Messages)
	processed := finishTemplate(template, userInput)
	out.Messages = buildMessages(ar, req.Messages, processed)

	if opts.Verbose {
		out.Report = buildReport(o.Name(), ar, req, configs, results, out)
	}
	return out, nil
}

// lastUserInput extracts the text of the last message, joining text
// parts when the content is a mixed list.
func lastUserInput(messages []protocol.Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content.PlainText()
}
