package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/auth"
	"github.com/lamb-project/lamb/pkg/chats"
	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/org"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/prompt"
	"github.com/lamb-project/lamb/pkg/protocol"
	"github.com/lamb-project/lamb/pkg/store"
)

// fakeConnector answers every completion with a fixed reply, can
// stream a fixed frame sequence, and can fail on demand.
type fakeConnector struct {
	reply   string
	frames  []plugins.StreamFrame
	fail    error
	lastReq *plugins.CompletionRequest
}

func (f *fakeConnector) Name() string { return "openai" }

func (f *fakeConnector) Complete(ctx context.Context, req *plugins.CompletionRequest) (*protocol.ChatCompletion, error) {
	f.lastReq = req
	if f.fail != nil {
		return nil, f.fail
	}
	return &protocol.ChatCompletion{
		ID:     "cmpl-test",
		Object: "chat.completion",
		Choices: []protocol.Choice{{
			Message:      protocol.Message{Role: protocol.RoleAssistant, Content: protocol.TextContent(f.reply)},
			FinishReason: "stop",
		}},
	}, nil
}

func (f *fakeConnector) Stream(ctx context.Context, req *plugins.CompletionRequest) (<-chan plugins.StreamFrame, error) {
	f.lastReq = req
	if f.fail != nil {
		return nil, f.fail
	}
	out := make(chan plugins.StreamFrame, len(f.frames))
	for _, frame := range f.frames {
		out <- frame
	}
	close(out)
	return out, nil
}

func (f *fakeConnector) Models(ctx context.Context, view *org.View) ([]string, error) {
	return nil, nil
}

type testEnv struct {
	service     *Service
	store       *store.Store
	connector   *fakeConnector
	assistantID int64
	authCtx     *auth.AuthContext
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	st, err := store.New(db, "sqlite")
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}

	ctx := context.Background()
	orgID, err := st.InsertOrganization(ctx, &store.Organization{Slug: "dept", Name: "Dept", Status: "active"})
	if err != nil {
		t.Fatalf("failed to insert organization: %v", err)
	}
	if _, err := st.InsertUser(ctx, &store.CreatorUser{
		Email: "owner@example.org", Name: "Owner", OrganizationID: orgID,
		Role: "user", OrganizationRole: "member", Enabled: true,
	}); err != nil {
		t.Fatalf("failed to insert user: %v", err)
	}
	assistantID, err := st.InsertAssistant(ctx, &store.Assistant{
		Name: "tutor", OwnerEmail: "owner@example.org", OrganizationID: orgID,
		SystemPrompt: "You are a tutor.",
	})
	if err != nil {
		t.Fatalf("failed to insert assistant: %v", err)
	}

	settings := &config.Settings{}
	conn := &fakeConnector{reply: "assistant reply"}

	registries := plugins.NewRegistries()
	for _, rerr := range []error{
		registries.RegisterConnector(conn),
		registries.RegisterPromptProcessor(prompt.NewSimple()),
		registries.RegisterRAGProcessor(prompt.NewSimpleRAG()),
	} {
		if rerr != nil {
			t.Fatalf("failed to register plugin: %v", rerr)
		}
	}

	verifier := auth.NewJWTVerifier("test-secret")
	token, err := verifier.Sign(&auth.Claims{Subject: "owner@example.org", Email: "owner@example.org"}, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	authCtx, err := auth.NewBuilder(st, verifier).Build(ctx, token)
	if err != nil {
		t.Fatalf("failed to build auth context: %v", err)
	}

	service := NewService(registries, st, org.NewResolver(st, settings), chats.NewService(st), settings, nil)
	return &testEnv{service: service, store: st, connector: conn, assistantID: assistantID, authCtx: authCtx}
}

func (e *testEnv) ctx() context.Context {
	return auth.WithContext(context.Background(), e.authCtx)
}

func (e *testEnv) chatMessages(t *testing.T, chatID string) []chats.MessageRecord {
	t.Helper()
	chat, err := e.store.GetChat(context.Background(), chatID)
	if err != nil {
		t.Fatalf("failed to load chat %s: %v", chatID, err)
	}
	var doc chats.Document
	if err := json.Unmarshal([]byte(chat.Doc), &doc); err != nil {
		t.Fatalf("failed to parse chat document: %v", err)
	}
	return chats.SortedMessages(doc)
}

func userMessages(texts ...string) []protocol.Message {
	var out []protocol.Message
	for _, text := range texts {
		out = append(out, protocol.Message{Role: protocol.RoleUser, Content: protocol.TextContent(text)})
	}
	return out
}

func TestCompletePersistsTurn(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.service.Complete(env.ctx(), &Request{
		Model:    "lamb_assistant.1",
		Messages: userMessages("what is osmosis?"),
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if result.Completion.AssistantText() != "assistant reply" {
		t.Errorf("reply = %q", result.Completion.AssistantText())
	}
	if result.ChatID == "" {
		t.Fatal("no chat id returned")
	}

	messages := env.chatMessages(t, result.ChatID)
	if len(messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "what is osmosis?" {
		t.Errorf("first record = %+v", messages[0])
	}
	if messages[1].Role != "assistant" || messages[1].Content != "assistant reply" {
		t.Errorf("second record = %+v", messages[1])
	}

	// The legacy simple processor prepends the system prompt.
	if env.connector.lastReq.Messages[0].Content.PlainText() != "You are a tutor." {
		t.Errorf("system prompt missing: %+v", env.connector.lastReq.Messages)
	}
}

func TestCompleteReusesSuppliedChatID(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.service.Complete(env.ctx(), &Request{
		Model:    "lamb_assistant.1",
		Messages: userMessages("first"),
		ChatID:   "chat-123",
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	second, err := env.service.Complete(env.ctx(), &Request{
		Model:    "lamb_assistant.1",
		Messages: userMessages("second"),
		ChatID:   "chat-123",
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if first.ChatID != "chat-123" || second.ChatID != "chat-123" {
		t.Errorf("chat ids = %q, %q", first.ChatID, second.ChatID)
	}

	if got := len(env.chatMessages(t, "chat-123")); got != 4 {
		t.Errorf("persisted %d messages, want 4", got)
	}
}

func TestCompleteStreamingReassemblesReply(t *testing.T) {
	env := newTestEnv(t)
	env.connector.frames = []plugins.StreamFrame{
		{Data: "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"},
		{Data: "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n"},
		{Data: "data: [DONE]\n\n"},
	}

	result, err := env.service.Complete(env.ctx(), &Request{
		Model:    "lamb_assistant.1",
		Messages: userMessages("hi"),
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	var forwarded int
	for range result.Frames {
		forwarded++
	}
	if forwarded != 3 {
		t.Errorf("forwarded %d frames, want 3", forwarded)
	}

	// The frame channel closes only after the turn was persisted.
	messages := env.chatMessages(t, result.ChatID)
	if len(messages) != 2 || messages[1].Content != "Hello" {
		t.Errorf("persisted records = %+v", messages)
	}
}

func TestCompleteValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Complete(env.ctx(), &Request{Model: "gpt-4o", Messages: userMessages("hi")})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("non-assistant model error = %v, want validation", err)
	}

	_, err = env.service.Complete(env.ctx(), &Request{Model: "lamb_assistant.1"})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("empty messages error = %v, want validation", err)
	}
}

func TestCompleteMissingAuthContext(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Complete(context.Background(), &Request{
		Model:    "lamb_assistant.1",
		Messages: userMessages("hi"),
	})
	if apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Errorf("error = %v, want unauthenticated", err)
	}
}

func TestCompleteUnknownAssistant(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Complete(env.ctx(), &Request{
		Model:    "lamb_assistant.999",
		Messages: userMessages("hi"),
	})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("error = %v, want not-found", err)
	}
}

func TestCompleteFailureLeavesNoChat(t *testing.T) {
	env := newTestEnv(t)
	env.connector.fail = apperr.New(apperr.KindUpstreamUnavailable, "provider down")

	_, err := env.service.Complete(env.ctx(), &Request{
		Model:    "lamb_assistant.1",
		Messages: userMessages("hello"),
	})
	if apperr.KindOf(err) != apperr.KindUpstreamUnavailable {
		t.Fatalf("error = %v, want upstream-unavailable", err)
	}

	_, err = env.service.Complete(env.ctx(), &Request{
		Model:    "lamb_assistant.1",
		Messages: userMessages("hello"),
		Stream:   true,
	})
	if apperr.KindOf(err) != apperr.KindUpstreamUnavailable {
		t.Fatalf("stream error = %v, want upstream-unavailable", err)
	}

	list, err := env.service.ListChats(env.ctx())
	if err != nil {
		t.Fatalf("ListChats failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("failed completions left %d chat rows behind", len(list))
	}
}

func TestCompleteRAGFeatureGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	gatedID, err := env.store.InsertAssistant(ctx, &store.Assistant{
		Name: "rag-tutor", OwnerEmail: "owner@example.org",
		OrganizationID: env.authCtx.User.OrganizationID,
		Metadata:       `{"rag_processor": "simple_rag"}`,
	})
	if err != nil {
		t.Fatalf("failed to insert assistant: %v", err)
	}

	_, err = env.service.Complete(env.ctx(), &Request{
		Model:    fmt.Sprintf("lamb_assistant.%d", gatedID),
		Messages: userMessages("hi"),
	})
	if apperr.KindOf(err) != apperr.KindPermissionDenied {
		t.Fatalf("error = %v, want permission-denied", err)
	}

	// The same declaration passes in an organization with the flag on.
	orgID, err := env.store.InsertOrganization(ctx, &store.Organization{
		Slug: "rag-dept", Name: "RAG Dept", Status: "active",
		Config: `{"features": {"rag_enabled": true}}`,
	})
	if err != nil {
		t.Fatalf("failed to insert organization: %v", err)
	}
	if _, err := env.store.InsertUser(ctx, &store.CreatorUser{
		Email: "rag@example.org", Name: "Rag", OrganizationID: orgID,
		Role: "user", OrganizationRole: "member", Enabled: true,
	}); err != nil {
		t.Fatalf("failed to insert user: %v", err)
	}
	allowedID, err := env.store.InsertAssistant(ctx, &store.Assistant{
		Name: "rag-tutor", OwnerEmail: "rag@example.org", OrganizationID: orgID,
		SystemPrompt: "You are a tutor.",
		Metadata:     `{"rag_processor": "simple_rag"}`,
	})
	if err != nil {
		t.Fatalf("failed to insert assistant: %v", err)
	}

	verifier := auth.NewJWTVerifier("test-secret")
	token, err := verifier.Sign(&auth.Claims{Subject: "rag@example.org", Email: "rag@example.org"}, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	ragCtx, err := auth.NewBuilder(env.store, verifier).Build(ctx, token)
	if err != nil {
		t.Fatalf("failed to build auth context: %v", err)
	}

	result, err := env.service.Complete(auth.WithContext(context.Background(), ragCtx), &Request{
		Model:    fmt.Sprintf("lamb_assistant.%d", allowedID),
		Messages: userMessages("hi"),
	})
	if err != nil {
		t.Fatalf("Complete with feature enabled failed: %v", err)
	}
	if result.Completion.AssistantText() != "assistant reply" {
		t.Errorf("reply = %q", result.Completion.AssistantText())
	}
}

func TestChatListingAndFetch(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.service.Complete(env.ctx(), &Request{
		Model:    "lamb_assistant.1",
		Messages: userMessages("what is osmosis?"),
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	list, err := env.service.ListChats(env.ctx())
	if err != nil {
		t.Fatalf("ListChats failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("listed %d chats, want 1", len(list))
	}
	if list[0].ID != result.ChatID || list[0].Assistant != "lamb_assistant.1" {
		t.Errorf("listing entry = %+v", list[0])
	}
	if list[0].Title != "what is osmosis?" {
		t.Errorf("auto-title = %q", list[0].Title)
	}

	view, err := env.service.GetChat(env.ctx(), result.ChatID)
	if err != nil {
		t.Fatalf("GetChat failed: %v", err)
	}
	if len(view.Messages) != 2 || view.Messages[1].Content != "assistant reply" {
		t.Errorf("fetched messages = %+v", view.Messages)
	}

	if _, err := env.service.GetChat(env.ctx(), "no-such-chat"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("unknown chat error = %v, want not-found", err)
	}
}
