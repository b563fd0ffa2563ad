// Package chats persists conversation turns after a completion
// finishes. The chat document mirrors the OWI shape: a history object
// whose messages map keys message ids to message records.
package chats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/store"
)

const autoTitleMaxLen = 50

// MessageRecord is one stored turn.
type MessageRecord struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"`
	Content     string   `json:"content"`
	Timestamp   int64    `json:"timestamp"`
	ParentID    *string  `json:"parentId"`
	ChildrenIDs []string `json:"childrenIds"`
}

// Document is the parsed chat JSON document.
type Document struct {
	History History `json:"history"`
}

type History struct {
	Messages  map[string]MessageRecord `json:"messages"`
	CurrentID string                   `json:"currentId,omitempty"`
}

// Service owns the persistence hook.
type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// NewChatID returns a fresh chat id.
func NewChatID() string { return uuid.NewString() }

// Validate checks a supplied chat id against its existing row without
// writing anything. A missing row is fine: it is created when the
// turn persists.
func (s *Service) Validate(ctx context.Context, userID, assistantID int64, chatID string, hasAssistantAccess bool) error {
	if chatID == "" {
		return nil
	}
	chat, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "failed to load chat", err)
	}
	return checkTurnAccess(chat, userID, assistantID, hasAssistantAccess)
}

// checkTurnAccess guards a turn against an existing chat row. Foreign
// chats surface as NotFound so chat ids cannot be probed; a chat bound
// to a different assistant is a conflict.
func checkTurnAccess(chat *store.Chat, userID, assistantID int64, hasAssistantAccess bool) error {
	if chat.UserID != userID && !hasAssistantAccess {
		return apperr.New(apperr.KindNotFound, "chat not found")
	}
	if chat.AssistantID != assistantID {
		return apperr.New(apperr.KindConflict, "chat belongs to a different assistant")
	}
	return nil
}

// Ensure resolves or creates the chat row for a turn. A supplied id
// with no row is created under that id, which makes creation
// idempotent per chat id.
func (s *Service) Ensure(ctx context.Context, userID, assistantID int64, chatID, firstUserText string, hasAssistantAccess bool) (*store.Chat, error) {
	now := time.Now().Unix()

	if chatID == "" {
		chatID = NewChatID()
	}

	chat, err := s.store.GetChat(ctx, chatID)
	if err == nil {
		if err := checkTurnAccess(chat, userID, assistantID, hasAssistantAccess); err != nil {
			return nil, err
		}
		return chat, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load chat", err)
	}

	doc, _ := json.Marshal(Document{History: History{Messages: map[string]MessageRecord{}}})
	chat = &store.Chat{
		ID:          chatID,
		UserID:      userID,
		AssistantID: assistantID,
		Title:       autoTitle(firstUserText, now),
		Doc:         string(doc),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.InsertChat(ctx, chat); err != nil {
		// A concurrent creator won the insert race; reuse its row.
		if existing, getErr := s.store.GetChat(ctx, chatID); getErr == nil {
			if err := checkTurnAccess(existing, userID, assistantID, hasAssistantAccess); err != nil {
				return nil, err
			}
			return existing, nil
		}
		return nil, apperr.Wrap(apperr.KindInternal, "failed to create chat", err)
	}
	return chat, nil
}

// Append adds one message record under history.messages and bumps
// updated_at. The new record's parent is the latest existing message;
// last writer wins on the document under concurrent appends.
func (s *Service) Append(ctx context.Context, chat *store.Chat, role, content string) (string, error) {
	doc := parseDocument(chat.Doc)

	// V7 ids are time-ordered, so the id tie-break in SortedMessages
	// preserves creation order for records written within one second.
	record := MessageRecord{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Role:        role,
		Content:     content,
		Timestamp:   time.Now().Unix(),
		ChildrenIDs: []string{},
	}

	if ordered := SortedMessages(doc); len(ordered) > 0 {
		parent := ordered[len(ordered)-1]
		record.ParentID = &parent.ID
		parent.ChildrenIDs = append(parent.ChildrenIDs, record.ID)
		doc.History.Messages[parent.ID] = parent
	}

	doc.History.Messages[record.ID] = record
	doc.History.CurrentID = record.ID

	encoded, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode chat document: %w", err)
	}

	chat.Doc = string(encoded)
	chat.UpdatedAt = time.Now().Unix()
	if err := s.store.UpdateChatDoc(ctx, chat.ID, chat.Doc, chat.UpdatedAt); err != nil {
		return "", fmt.Errorf("failed to persist chat document: %w", err)
	}
	return record.ID, nil
}

// AppendTurn persists the user message and the assistant reply of one
// completed turn.
func (s *Service) AppendTurn(ctx context.Context, chat *store.Chat, userText, assistantText string) error {
	if userText != "" {
		if _, err := s.Append(ctx, chat, "user", userText); err != nil {
			return err
		}
	}
	if assistantText != "" {
		if _, err := s.Append(ctx, chat, "assistant", assistantText); err != nil {
			return err
		}
	}
	return nil
}

// ListForUser returns the user's chats, most recently updated first.
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]*store.Chat, error) {
	out, err := s.store.ListChatsByUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to list chats", err)
	}
	return out, nil
}

// GetForUser loads one chat. Chats owned by other users read as
// missing so chat ids cannot be probed.
func (s *Service) GetForUser(ctx context.Context, userID int64, chatID string) (*store.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "chat not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load chat", err)
	}
	if chat.UserID != userID {
		return nil, apperr.New(apperr.KindNotFound, "chat not found")
	}
	return chat, nil
}

// SortedMessages orders records by timestamp ascending with missing
// timestamps first. Ties keep a stable id order so readers see a
// deterministic sequence.
func SortedMessages(doc Document) []MessageRecord {
	out := make([]MessageRecord, 0, len(doc.History.Messages))
	for _, msg := range doc.History.Messages {
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// parseDocument tolerates empty and malformed documents; a broken
// document starts over rather than blocking persistence.
func parseDocument(raw string) Document {
	doc := Document{History: History{Messages: map[string]MessageRecord{}}}
	if raw == "" {
		return doc
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc.History.Messages == nil {
		doc.History.Messages = map[string]MessageRecord{}
	}
	return doc
}

func autoTitle(firstUserText string, now int64) string {
	title := strings.TrimSpace(firstUserText)
	if title == "" {
		return "Chat " + time.Unix(now, 0).UTC().Format("2006-01-02 15:04")
	}
	return clipRunes(title, autoTitleMaxLen)
}

// clipRunes cuts s to at most max bytes without splitting a rune.
func clipRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
