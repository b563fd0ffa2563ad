package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/observability"
	"github.com/lamb-project/lamb/pkg/plugins"
)

// Sequential runs enabled tools one after another in declared order.
// Each tool receives the partially-filled template and the results
// accumulated so far, which lets later tools read earlier outputs.
type Sequential struct {
	registries *plugins.Registries
	metrics    *observability.Metrics
}

func NewSequential(registries *plugins.Registries, metrics *observability.Metrics) *Sequential {
	return &Sequential{registries: registries, metrics: metrics}
}

func (o *Sequential) Name() string { return "sequential" }

func (o *Sequential) Description() string {
	return "Runs enabled tools in declared order, feeding each the partially-filled template"
}

func (o *Sequential) Execute(ctx context.Context, req *plugins.Request, ar *plugins.AssistantRuntime, opts plugins.ExecuteOptions) (*plugins.Result, error) {
	configs := enabledTools(ar.Meta.Tools)
	if len(configs) == 0 {
		return noToolsResult(), nil
	}

	out := &plugins.Result{ToolResults: make(map[string]plugins.ToolResult, len(configs))}
	template := ar.Record.PromptTemplate
	results := make([]plugins.ToolResult, len(configs))

	for i, tc := range configs {
		progress(opts, fmt.Sprintf("Running tool %d/%d: %s", i+1, len(configs), tc.Plugin))

		tool, err := o.registries.Tool(tc.Plugin)
		if err != nil {
			slog.Warn("Tool plugin not registered, skipping", "plugin", tc.Plugin, "placeholder", tc.Placeholder)
			results[i] = plugins.ToolResult{Placeholder: tc.Placeholder, Err: err}
			out.ToolResults[tc.Placeholder] = results[i]
			continue
		}

		oc := &plugins.OrchestrationContext{
			CurrentContext: template,
			Accumulated:    copyResults(out.ToolResults),
		}

		toolStart := time.Now()
		res := tool.Process(ctx, req, ar, tc, oc)
		res.Placeholder = tc.Placeholder
		o.metrics.RecordToolCall(ctx, tc.Plugin, time.Since(toolStart), res.Err)
		results[i] = res
		out.ToolResults[tc.Placeholder] = res

		if res.Err != nil && res.Content == "" {
			slog.Warn("Tool failed, dropping its placeholder",
				"plugin", tc.Plugin, "placeholder", res.Placeholder, "error", res.Err)
			if tc.OnError == assistant.OnErrorFail {
				return nil, apperr.Wrap(apperr.KindToolFailed,
					fmt.Sprintf("required tool %s failed", tc.Plugin), res.Err)
			}
			continue
		}
		if res.Err != nil {
			slog.Warn("Tool returned partial result", "plugin", tc.Plugin, "error", res.Err)
		}

		template = fillPlaceholder(template, res.Placeholder, res.Content)
		out.Sources = append(out.Sources, res.Sources...)
	}

	progress(opts, "Assembling prompt")

	userInput := lastUserInput(req.Messages)
	processed := finishTemplate(template, userInput)
	out.Messages = buildMessages(ar, req.Messages, processed)

	if opts.Verbose {
		out.Report = buildReport(o.Name(), ar, req, configs, results, out)
	}
	return out, nil
}

func copyResults(m map[string]plugins.ToolResult) map[string]plugins.ToolResult {
	out := make(map[string]plugins.ToolResult, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
