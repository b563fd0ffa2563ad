package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool
}

// Metrics holds the pipeline instruments. The zero value records
// nothing, so callers never nil-check.
type Metrics struct {
	httpDuration       metric.Float64Histogram
	httpRequests       metric.Int64Counter
	completionDuration metric.Float64Histogram
	completions        metric.Int64Counter
	completionErrors   metric.Int64Counter
	toolDuration       metric.Float64Histogram
	toolCalls          metric.Int64Counter
	toolErrors         metric.Int64Counter
	llmDuration        metric.Float64Histogram
	llmTokens          metric.Int64Counter
	llmErrors          metric.Int64Counter
}

func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	).Meter("lamb")

	m := &Metrics{}

	if m.httpDuration, err = meter.Float64Histogram(
		"lamb_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter(
		"lamb_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}
	if m.completionDuration, err = meter.Float64Histogram(
		"lamb_completion_duration_seconds",
		metric.WithDescription("Completion pipeline duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create completion duration histogram: %w", err)
	}
	if m.completions, err = meter.Int64Counter(
		"lamb_completions_total",
		metric.WithDescription("Total completion requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create completions counter: %w", err)
	}
	if m.completionErrors, err = meter.Int64Counter(
		"lamb_completion_errors_total",
		metric.WithDescription("Total failed completion requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create completion errors counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"lamb_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"lamb_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"lamb_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}
	if m.llmDuration, err = meter.Float64Histogram(
		"lamb_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmTokens, err = meter.Int64Counter(
		"lamb_llm_tokens_total",
		metric.WithDescription("Total tokens reported by LLM providers"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm tokens counter: %w", err)
	}
	if m.llmErrors, err = meter.Int64Counter(
		"lamb_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil || m.httpRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) RecordCompletion(ctx context.Context, connectorName string, streaming bool, duration time.Duration, err error) {
	if m == nil || m.completions == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("connector", connectorName),
		attribute.Bool("streaming", streaming),
	)
	m.completions.Add(ctx, 1, attrs)
	m.completionDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.completionErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool string, duration time.Duration, err error) {
	if m == nil || m.toolCalls == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordLLMRequest(ctx context.Context, connectorName string, duration time.Duration, tokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("connector", connectorName))
	m.llmDuration.Record(ctx, duration.Seconds(), attrs)
	if tokens > 0 {
		m.llmTokens.Add(ctx, int64(tokens), attrs)
	}
	if err != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}
