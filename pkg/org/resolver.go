package org

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/store"
)

// Resolver produces configuration views scoped to an assistant owner.
// Shared process-wide; read-mostly.
type Resolver struct {
	store *store.Store
	env   *config.Settings
}

func NewResolver(st *store.Store, env *config.Settings) *Resolver {
	return &Resolver{store: st, env: env}
}

// ForOwner resolves the organization config view for the given
// assistant owner email. When the owner resolves to no organization,
// the system organization acts as the owner's organization.
func (r *Resolver) ForOwner(ctx context.Context, ownerEmail string) (*View, error) {
	organization, err := r.organizationForOwner(ctx, ownerEmail)
	if err != nil {
		return nil, err
	}

	cfg, err := ParseConfig(organization.Config)
	if err != nil {
		slog.Warn("Organization config unparseable, using environment defaults",
			"organization", organization.Slug, "error", err)
		cfg = &Config{}
	}

	return &View{organization: organization, cfg: cfg, env: r.env}, nil
}

// ForOrganization resolves the view for an already-loaded organization.
func (r *Resolver) ForOrganization(organization *store.Organization) (*View, error) {
	cfg, err := ParseConfig(organization.Config)
	if err != nil {
		return nil, fmt.Errorf("organization %s config: %w", organization.Slug, err)
	}
	return &View{organization: organization, cfg: cfg, env: r.env}, nil
}

func (r *Resolver) organizationForOwner(ctx context.Context, ownerEmail string) (*store.Organization, error) {
	user, err := r.store.GetUserByEmail(ctx, ownerEmail)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if user != nil {
		organization, err := r.store.GetOrganizationByID(ctx, user.OrganizationID)
		if err == nil {
			return organization, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	organization, err := r.store.GetSystemOrganization(ctx)
	if err != nil {
		return nil, fmt.Errorf("no organization for owner %s and no system organization: %w", ownerEmail, err)
	}
	return organization, nil
}

// View answers configuration questions for one organization, with
// environment fallback per field.
type View struct {
	organization *store.Organization
	cfg          *Config
	env          *config.Settings
}

func (v *View) Organization() *store.Organization { return v.organization }

func (v *View) Features() map[string]bool {
	if v.cfg.Features == nil {
		return map[string]bool{}
	}
	return v.cfg.Features
}

func (v *View) FeatureEnabled(name string) bool {
	return v.cfg.Features[name]
}

// ProviderConfig returns the credential setup for a provider name,
// falling back to process environment defaults where fields are
// absent. Credential fields may reference environment variables.
func (v *View) ProviderConfig(name string) ProviderConfig {
	pc := v.cfg.Providers[name]

	pc.APIKey = config.ExpandEnvVars(pc.APIKey)
	pc.BaseURL = config.ExpandEnvVars(pc.BaseURL)

	switch name {
	case "openai":
		if pc.APIKey == "" {
			pc.APIKey = v.env.OpenAIAPIKey
		}
		if pc.BaseURL == "" {
			pc.BaseURL = v.env.OpenAIBaseURL
		}
	case "ollama":
		if pc.BaseURL == "" {
			pc.BaseURL = v.env.OllamaBaseURL
		}
	}

	return pc
}

func (v *View) KnowledgeBaseConfig() KBConfig {
	kb := v.cfg.KB
	kb.ServerURL = config.ExpandEnvVars(kb.ServerURL)
	kb.APIToken = config.ExpandEnvVars(kb.APIToken)

	if kb.ServerURL == "" {
		kb.ServerURL = v.env.KBServerURL
	}
	if kb.APIToken == "" {
		kb.APIToken = v.env.KBAPIToken
	}
	return kb
}

func (v *View) EmbeddingsConfig() EmbeddingsConfig {
	emb := v.cfg.Embeddings
	if emb.URL == "" {
		emb.URL = v.env.EmbeddingsURL
	}
	if emb.APIKey == "" {
		emb.APIKey = v.env.EmbeddingsAPIKey
	}
	if emb.Model == "" {
		emb.Model = v.env.EmbeddingsModel
	}
	return emb
}

// SmallFastModelConfig returns the auxiliary model settings. The
// model field empty means the small-fast-model is not configured and
// callers must fall back.
func (v *View) SmallFastModelConfig() SmallFastModelConfig {
	sf := v.cfg.SmallFastModel
	sf.APIKey = config.ExpandEnvVars(sf.APIKey)

	if sf.BaseURL == "" {
		sf.BaseURL = v.env.SmallFastModelBaseURL
	}
	if sf.APIKey == "" {
		sf.APIKey = v.env.SmallFastModelAPIKey
	}
	if sf.Model == "" {
		sf.Model = v.env.SmallFastModel
	}
	return sf
}

func (v *View) AssistantDefaults() AssistantDefaults {
	return v.cfg.AssistantDefaults
}
