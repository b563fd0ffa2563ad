package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/org"
	"github.com/lamb-project/lamb/pkg/store"
)

// AccessLevel describes how a principal may reach an assistant.
type AccessLevel string

const (
	AccessOwner    AccessLevel = "owner"
	AccessOrgAdmin AccessLevel = "org_admin"
	AccessShared   AccessLevel = "shared"
	AccessNone     AccessLevel = "none"
)

// AuthContext is the immutable per-request permission snapshot.
type AuthContext struct {
	User             *store.CreatorUser
	Claims           *Claims
	IsSystemAdmin    bool
	OrganizationRole string
	IsOrgAdmin       bool
	Organization     *store.Organization
	Features         map[string]bool

	store *store.Store
}

// Builder resolves bearer tokens into auth contexts. Shared
// process-wide.
type Builder struct {
	verifiers []TokenVerifier
	store     *store.Store
}

func NewBuilder(st *store.Store, verifiers ...TokenVerifier) *Builder {
	return &Builder{verifiers: verifiers, store: st}
}

// Build decodes the token against each verifier in order, loads the
// principal, and assembles the snapshot. Disabled users never obtain
// a context.
func (b *Builder) Build(ctx context.Context, token string) (*AuthContext, error) {
	if token == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing bearer token")
	}

	var claims *Claims
	var lastErr error
	for _, verifier := range b.verifiers {
		c, err := verifier.Verify(ctx, token)
		if err == nil {
			claims = c
			break
		}
		lastErr = err
	}
	if claims == nil {
		return nil, apperr.Wrap(apperr.KindUnauthenticated, "invalid or expired token", lastErr)
	}

	user, err := b.store.GetUserByEmail(ctx, claims.Email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Newf(apperr.KindUnauthenticated, "unknown user %s", claims.Email)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load user", err)
	}

	if !user.Enabled {
		return nil, apperr.New(apperr.KindAccountDisabled, "account disabled")
	}

	// The JWT role wins over the DB role when present.
	effectiveRole := user.Role
	if claims.Role != "" {
		effectiveRole = claims.Role
	}

	organization, err := b.store.GetOrganizationByID(ctx, user.OrganizationID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Wrap(apperr.KindInternal, "failed to load organization", err)
		}
		slog.Warn("User has no organization", "email", user.Email, "organization_id", user.OrganizationID)
		organization = &store.Organization{}
	}

	features := map[string]bool{}
	if cfg, err := org.ParseConfig(organization.Config); err == nil {
		if cfg.Features != nil {
			features = cfg.Features
		}
	} else {
		slog.Warn("Organization config unparseable", "organization", organization.Slug, "error", err)
	}

	orgRole := user.OrganizationRole

	return &AuthContext{
		User:             user,
		Claims:           claims,
		IsSystemAdmin:    effectiveRole == "admin",
		OrganizationRole: orgRole,
		IsOrgAdmin:       orgRole == "owner" || orgRole == "admin",
		Organization:     organization,
		Features:         features,
		store:            b.store,
	}, nil
}

// CanAccessAssistant classifies the principal's access to an
// assistant. Order: ownership, system admin, org admin in the same
// organization, explicit share, same organization (usage only, and
// only when published).
func (a *AuthContext) CanAccessAssistant(ctx context.Context, assistant *store.Assistant) (AccessLevel, error) {
	if assistant == nil {
		return AccessNone, nil
	}

	if assistant.OwnerEmail == a.User.Email {
		return AccessOwner, nil
	}
	if a.IsSystemAdmin {
		return AccessOrgAdmin, nil
	}
	if a.IsOrgAdmin && assistant.OrganizationID == a.User.OrganizationID {
		return AccessOrgAdmin, nil
	}

	shared, err := a.store.IsAssistantSharedWith(ctx, assistant.ID, a.User.Email)
	if err != nil {
		return AccessNone, apperr.Wrap(apperr.KindInternal, "failed to check assistant share", err)
	}
	if shared {
		return AccessShared, nil
	}

	if assistant.OrganizationID == a.User.OrganizationID && assistant.Published {
		return AccessShared, nil
	}

	return AccessNone, nil
}

// CanModifyAssistant reports whether the principal may mutate the
// assistant. Only the owner and the system admin may.
func (a *AuthContext) CanModifyAssistant(ctx context.Context, assistant *store.Assistant) (bool, error) {
	level, err := a.CanAccessAssistant(ctx, assistant)
	if err != nil {
		return false, err
	}
	return level == AccessOwner || a.IsSystemAdmin, nil
}

// CanAccessKB returns "owner", "shared" or "none" for a knowledge
// base id. The system admin always gets owner access.
func (a *AuthContext) CanAccessKB(ctx context.Context, kbID string) (string, error) {
	if a.IsSystemAdmin {
		return "owner", nil
	}
	level, err := a.store.KBAccessLevel(ctx, kbID, a.User.Email)
	if err != nil {
		return "none", apperr.Wrap(apperr.KindInternal, "failed to check kb access", err)
	}
	return level, nil
}

// RequireAssistantAccess fails with NotFound for missing-or-forbidden
// so existence cannot be probed.
func (a *AuthContext) RequireAssistantAccess(ctx context.Context, assistant *store.Assistant) (AccessLevel, error) {
	level, err := a.CanAccessAssistant(ctx, assistant)
	if err != nil {
		return AccessNone, err
	}
	if level == AccessNone {
		return AccessNone, apperr.New(apperr.KindNotFound, "assistant not found")
	}
	return level, nil
}

// RequireOrgAdmin fails with PermissionDenied for role failures.
func (a *AuthContext) RequireOrgAdmin() error {
	if a.IsSystemAdmin || a.IsOrgAdmin {
		return nil
	}
	return apperr.New(apperr.KindPermissionDenied, "organization admin role required")
}

// RequireFeature guards an organization feature flag.
func (a *AuthContext) RequireFeature(name string) error {
	if a.Features[name] {
		return nil
	}
	return apperr.Newf(apperr.KindPermissionDenied, "feature %s is not enabled for this organization", name)
}
