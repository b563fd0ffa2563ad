package plugins

import (
	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/registry"
)

// Registries holds the five plugin families. Lookups of unknown names
// fail with the plugin-not-found kind so callers map them to 404.
type Registries struct {
	connectors       *registry.Registry[Connector]
	orchestrators    *registry.Registry[Orchestrator]
	promptProcessors *registry.Registry[PromptProcessor]
	ragProcessors    *registry.Registry[RAGProcessor]
	tools            *registry.Registry[Tool]
}

func NewRegistries() *Registries {
	return &Registries{
		connectors:       registry.New[Connector](),
		orchestrators:    registry.New[Orchestrator](),
		promptProcessors: registry.New[PromptProcessor](),
		ragProcessors:    registry.New[RAGProcessor](),
		tools:            registry.New[Tool](),
	}
}

func (r *Registries) RegisterConnector(c Connector) error {
	return r.connectors.Register(c.Name(), c)
}

func (r *Registries) RegisterOrchestrator(o Orchestrator) error {
	return r.orchestrators.Register(o.Name(), o)
}

func (r *Registries) RegisterPromptProcessor(p PromptProcessor) error {
	return r.promptProcessors.Register(p.Name(), p)
}

func (r *Registries) RegisterRAGProcessor(p RAGProcessor) error {
	return r.ragProcessors.Register(p.Name(), p)
}

func (r *Registries) RegisterTool(t Tool) error {
	return r.tools.Register(t.Declaration().Name, t)
}

func (r *Registries) Connector(name string) (Connector, error) {
	c, ok := r.connectors.Get(name)
	if !ok {
		return nil, apperr.Newf(apperr.KindPluginNotFound, "unknown connector %q", name)
	}
	return c, nil
}

func (r *Registries) Orchestrator(name string) (Orchestrator, error) {
	o, ok := r.orchestrators.Get(name)
	if !ok {
		return nil, apperr.Newf(apperr.KindPluginNotFound, "unknown orchestrator %q", name)
	}
	return o, nil
}

func (r *Registries) PromptProcessor(name string) (PromptProcessor, error) {
	p, ok := r.promptProcessors.Get(name)
	if !ok {
		return nil, apperr.Newf(apperr.KindPluginNotFound, "unknown prompt processor %q", name)
	}
	return p, nil
}

func (r *Registries) RAGProcessor(name string) (RAGProcessor, error) {
	p, ok := r.ragProcessors.Get(name)
	if !ok {
		return nil, apperr.Newf(apperr.KindPluginNotFound, "unknown rag processor %q", name)
	}
	return p, nil
}

func (r *Registries) Tool(name string) (Tool, error) {
	t, ok := r.tools.Get(name)
	if !ok {
		return nil, apperr.Newf(apperr.KindPluginNotFound, "unknown tool %q", name)
	}
	return t, nil
}

func (r *Registries) ConnectorNames() []string       { return r.connectors.Names() }
func (r *Registries) OrchestratorNames() []string    { return r.orchestrators.Names() }
func (r *Registries) PromptProcessorNames() []string { return r.promptProcessors.Names() }
func (r *Registries) RAGProcessorNames() []string    { return r.ragProcessors.Names() }
func (r *Registries) ToolNames() []string            { return r.tools.Names() }
