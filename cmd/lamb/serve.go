package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lamb-project/lamb/pkg/auth"
	"github.com/lamb-project/lamb/pkg/chats"
	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/connector"
	"github.com/lamb-project/lamb/pkg/observability"
	"github.com/lamb-project/lamb/pkg/orchestrator"
	"github.com/lamb-project/lamb/pkg/org"
	"github.com/lamb-project/lamb/pkg/pipeline"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/prompt"
	"github.com/lamb-project/lamb/pkg/server"
	"github.com/lamb-project/lamb/pkg/store"
	"github.com/lamb-project/lamb/pkg/tools"
)

// ServeCmd starts the completion server.
type ServeCmd struct {
	Listen         string  `help:"Listen address." default:""`
	Metrics        bool    `help:"Enable Prometheus metrics." default:"true" negatable:""`
	Tracing        bool    `help:"Enable OpenTelemetry tracing."`
	TracingURL     string  `name:"tracing-url" help:"OTLP gRPC endpoint." default:"localhost:4317"`
	TracingSample  float64 `name:"tracing-sample" help:"Trace sampling rate." default:"1.0"`
	ShutdownGrace  int     `name:"shutdown-grace" help:"Shutdown grace period in seconds." default:"10"`
}

func (c *ServeCmd) Run() error {
	if err := config.LoadEnvFiles(); err != nil {
		slog.Warn("Failed to load env files", "error", err)
	}
	settings := config.FromEnv()

	listen := c.Listen
	if listen == "" {
		listen = settings.ListenAddr
	}

	ctx := context.Background()

	metrics, err := observability.InitMetrics(ctx, observability.MetricsConfig{Enabled: c.Metrics})
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	stopTracing, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{
		Enabled:      c.Tracing,
		EndpointURL:  c.TracingURL,
		SamplingRate: c.TracingSample,
		ServiceName:  "lamb",
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	pool := config.NewDBPool()
	defer pool.Close()

	st, err := store.NewFromConfig(pool, &settings.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	verifiers := []auth.TokenVerifier{auth.NewJWTVerifier(settings.JWTSecret)}
	if settings.LegacyAuthURL != "" {
		verifiers = append(verifiers, auth.NewLegacyVerifier(settings.LegacyAuthURL))
	}
	authBuilder := auth.NewBuilder(st, verifiers...)

	orgs := org.NewResolver(st, settings)
	chatSvc := chats.NewService(st)

	registries, err := buildRegistries(settings, metrics)
	if err != nil {
		return fmt.Errorf("failed to register plugins: %w", err)
	}

	pipelineSvc := pipeline.NewService(registries, st, orgs, chatSvc, settings, metrics)
	srv := server.New(listen, pipelineSvc, authBuilder, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Duration(c.ShutdownGrace)*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		return err
	}
	if err := stopTracing(shutdownCtx); err != nil {
		slog.Warn("Failed to flush traces", "error", err)
	}
	return nil
}

// buildRegistries populates the five plugin families. Registries are
// read-only after this point.
func buildRegistries(settings *config.Settings, metrics *observability.Metrics) (*plugins.Registries, error) {
	registries := plugins.NewRegistries()

	for _, err := range []error{
		registries.RegisterConnector(connector.NewOpenAI()),
		registries.RegisterConnector(connector.NewOllama()),

		registries.RegisterOrchestrator(orchestrator.NewParallel(registries, metrics)),
		registries.RegisterOrchestrator(orchestrator.NewSequential(registries, metrics)),

		registries.RegisterPromptProcessor(prompt.NewSimple()),
		registries.RegisterPromptProcessor(prompt.NewMoodleAugment(settings)),

		registries.RegisterRAGProcessor(prompt.NewSimpleRAG()),
		registries.RegisterRAGProcessor(prompt.NewNoRAG()),

		registries.RegisterTool(tools.NewSimpleRAG()),
		registries.RegisterTool(tools.NewContextAwareRAG()),
		registries.RegisterTool(tools.NewHierarchicalRAG()),
		registries.RegisterTool(tools.NewContextSummarizer()),
	} {
		if err != nil {
			return nil, err
		}
	}

	return registries, nil
}
