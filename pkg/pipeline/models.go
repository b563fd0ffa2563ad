package pipeline

import (
	"context"
	"time"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/auth"
)

// ModelInfo is one entry of the OpenAI-compatible model listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Name    string `json:"name,omitempty"`
}

// Models lists the assistants reachable by the authenticated user as
// OpenAI model entries: everything published in their organization
// plus their own assistants.
func (s *Service) Models(ctx context.Context) ([]ModelInfo, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing auth context")
	}

	records, err := s.store.ListPublishedAssistants(ctx, authCtx.User.OrganizationID, authCtx.User.Email)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list assistants", err)
	}

	now := time.Now().Unix()
	out := make([]ModelInfo, 0, len(records))
	for _, record := range records {
		out = append(out, ModelInfo{
			ID:      assistant.ModelRef(record.ID),
			Object:  "model",
			Created: now,
			OwnedBy: record.OwnerEmail,
			Name:    record.Name,
		})
	}
	return out, nil
}

// ProviderModels lists the raw LLM names one connector can reach with
// the caller's organization credentials. Used by assistant authoring
// frontends to populate the model picker.
func (s *Service) ProviderModels(ctx context.Context, connectorName string) ([]string, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing auth context")
	}

	if connectorName == "" {
		connectorName = "openai"
	}
	conn, err := s.registries.Connector(connectorName)
	if err != nil {
		return nil, err
	}

	view, err := s.orgs.ForOrganization(authCtx.Organization)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to resolve organization config", err)
	}

	return conn.Models(ctx, view)
}
