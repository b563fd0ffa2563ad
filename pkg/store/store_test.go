package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	st, err := New(db, "sqlite")
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	return st
}

func TestUserRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgID, err := st.InsertOrganization(ctx, &Organization{Slug: "dept", Name: "Dept", Status: "active"})
	if err != nil {
		t.Fatalf("InsertOrganization failed: %v", err)
	}

	if _, err := st.InsertUser(ctx, &CreatorUser{
		Email: "a@example.org", Name: "A", OrganizationID: orgID,
		Role: "user", OrganizationRole: "member", Enabled: true,
	}); err != nil {
		t.Fatalf("InsertUser failed: %v", err)
	}

	u, err := st.GetUserByEmail(ctx, "a@example.org")
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if u.OrganizationID != orgID || !u.Enabled {
		t.Errorf("user = %+v", u)
	}

	if _, err := st.GetUserByEmail(ctx, "missing@example.org"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user error = %v, want ErrNotFound", err)
	}
}

func TestSetUserEnabled(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgID, _ := st.InsertOrganization(ctx, &Organization{Slug: "dept", Name: "Dept", Status: "active"})
	st.InsertUser(ctx, &CreatorUser{Email: "a@example.org", Name: "A", OrganizationID: orgID, Role: "user", Enabled: true})

	if err := st.SetUserEnabled(ctx, "a@example.org", false); err != nil {
		t.Fatalf("SetUserEnabled failed: %v", err)
	}
	u, _ := st.GetUserByEmail(ctx, "a@example.org")
	if u.Enabled {
		t.Error("user still enabled")
	}

	if err := st.SetUserEnabled(ctx, "missing@example.org", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing user error = %v, want ErrNotFound", err)
	}
}

func TestGetSystemOrganization(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.GetSystemOrganization(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	if _, err := st.InsertOrganization(ctx, &Organization{Slug: "lamb", Name: "System", IsSystem: true, Status: "active"}); err != nil {
		t.Fatalf("InsertOrganization failed: %v", err)
	}

	o, err := st.GetSystemOrganization(ctx)
	if err != nil {
		t.Fatalf("GetSystemOrganization failed: %v", err)
	}
	if o.Slug != "lamb" || !o.IsSystem {
		t.Errorf("organization = %+v", o)
	}
}

func TestAssistantCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgID, _ := st.InsertOrganization(ctx, &Organization{Slug: "dept", Name: "Dept", Status: "active"})
	id, err := st.InsertAssistant(ctx, &Assistant{
		Name: "tutor", OwnerEmail: "a@example.org", OrganizationID: orgID,
		SystemPrompt: "You are a tutor.", RAGCollections: `["col-1"]`, RAGTopK: 3,
	})
	if err != nil {
		t.Fatalf("InsertAssistant failed: %v", err)
	}

	a, err := st.GetAssistantByID(ctx, id)
	if err != nil {
		t.Fatalf("GetAssistantByID failed: %v", err)
	}
	if a.SystemPrompt != "You are a tutor." || a.RAGTopK != 3 {
		t.Errorf("assistant = %+v", a)
	}

	byName, err := st.GetAssistantByOwnerAndName(ctx, "a@example.org", "tutor")
	if err != nil || byName.ID != id {
		t.Errorf("GetAssistantByOwnerAndName = (%+v, %v)", byName, err)
	}

	a.Published = true
	a.Description = "updated"
	if err := st.UpdateAssistant(ctx, a); err != nil {
		t.Fatalf("UpdateAssistant failed: %v", err)
	}
	a2, _ := st.GetAssistantByID(ctx, id)
	if !a2.Published || a2.Description != "updated" {
		t.Errorf("update not applied: %+v", a2)
	}

	if err := st.UpdateAssistant(ctx, &Assistant{ID: 9999, Name: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing error = %v, want ErrNotFound", err)
	}

	if err := st.DeleteAssistant(ctx, id); err != nil {
		t.Fatalf("DeleteAssistant failed: %v", err)
	}
	if _, err := st.GetAssistantByID(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted assistant error = %v, want ErrNotFound", err)
	}
}

func TestListPublishedAssistants(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgID, _ := st.InsertOrganization(ctx, &Organization{Slug: "dept", Name: "Dept", Status: "active"})
	otherOrgID, _ := st.InsertOrganization(ctx, &Organization{Slug: "other", Name: "Other", Status: "active"})

	st.InsertAssistant(ctx, &Assistant{Name: "published", OwnerEmail: "x@example.org", OrganizationID: orgID, Published: true})
	st.InsertAssistant(ctx, &Assistant{Name: "private", OwnerEmail: "x@example.org", OrganizationID: orgID})
	st.InsertAssistant(ctx, &Assistant{Name: "mine", OwnerEmail: "me@example.org", OrganizationID: orgID})
	st.InsertAssistant(ctx, &Assistant{Name: "elsewhere", OwnerEmail: "y@example.org", OrganizationID: otherOrgID, Published: true})

	out, err := st.ListPublishedAssistants(ctx, orgID, "me@example.org")
	if err != nil {
		t.Fatalf("ListPublishedAssistants failed: %v", err)
	}

	names := map[string]bool{}
	for _, a := range out {
		names[a.Name] = true
	}
	if len(out) != 2 || !names["published"] || !names["mine"] {
		t.Errorf("listed = %v", names)
	}
}

func TestAssistantShares(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	orgID, _ := st.InsertOrganization(ctx, &Organization{Slug: "dept", Name: "Dept", Status: "active"})
	id, _ := st.InsertAssistant(ctx, &Assistant{Name: "tutor", OwnerEmail: "a@example.org", OrganizationID: orgID})

	shared, err := st.IsAssistantSharedWith(ctx, id, "b@example.org")
	if err != nil || shared {
		t.Errorf("initial share = (%v, %v)", shared, err)
	}

	if err := st.ShareAssistant(ctx, id, "b@example.org"); err != nil {
		t.Fatalf("ShareAssistant failed: %v", err)
	}
	// Granting twice is a no-op.
	if err := st.ShareAssistant(ctx, id, "b@example.org"); err != nil {
		t.Fatalf("repeated ShareAssistant failed: %v", err)
	}

	shared, _ = st.IsAssistantSharedWith(ctx, id, "b@example.org")
	if !shared {
		t.Error("share not recorded")
	}

	if err := st.UnshareAssistant(ctx, id, "b@example.org"); err != nil {
		t.Fatalf("UnshareAssistant failed: %v", err)
	}
	shared, _ = st.IsAssistantSharedWith(ctx, id, "b@example.org")
	if shared {
		t.Error("share not removed")
	}
}

func TestKBAccessLevel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	level, err := st.KBAccessLevel(ctx, "kb-1", "a@example.org")
	if err != nil || level != "none" {
		t.Errorf("default level = (%q, %v), want none", level, err)
	}

	if err := st.SetKBAccess(ctx, "kb-1", "a@example.org", "shared"); err != nil {
		t.Fatalf("SetKBAccess failed: %v", err)
	}
	level, _ = st.KBAccessLevel(ctx, "kb-1", "a@example.org")
	if level != "shared" {
		t.Errorf("level = %q, want shared", level)
	}

	// Upsert replaces the level.
	if err := st.SetKBAccess(ctx, "kb-1", "a@example.org", "owner"); err != nil {
		t.Fatalf("SetKBAccess upsert failed: %v", err)
	}
	level, _ = st.KBAccessLevel(ctx, "kb-1", "a@example.org")
	if level != "owner" {
		t.Errorf("level = %q, want owner", level)
	}
}
