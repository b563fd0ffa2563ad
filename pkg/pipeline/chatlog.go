package pipeline

import (
	"context"
	"encoding/json"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/auth"
	"github.com/lamb-project/lamb/pkg/chats"
)

// ChatSummary is one entry of the chat listing.
type ChatSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Assistant string `json:"assistant"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// ChatView is one chat with its turns in timestamp order.
type ChatView struct {
	ChatSummary
	Messages []chats.MessageRecord `json:"messages"`
}

// ListChats returns the caller's chats, most recently updated first.
func (s *Service) ListChats(ctx context.Context) ([]ChatSummary, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing auth context")
	}

	records, err := s.chats.ListForUser(ctx, authCtx.User.ID)
	if err != nil {
		return nil, err
	}

	out := make([]ChatSummary, 0, len(records))
	for _, record := range records {
		out = append(out, ChatSummary{
			ID:        record.ID,
			Title:     record.Title,
			Assistant: assistant.ModelRef(record.AssistantID),
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		})
	}
	return out, nil
}

// GetChat returns one of the caller's chats with its message history.
func (s *Service) GetChat(ctx context.Context, chatID string) (*ChatView, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing auth context")
	}

	record, err := s.chats.GetForUser(ctx, authCtx.User.ID, chatID)
	if err != nil {
		return nil, err
	}

	var doc chats.Document
	if err := json.Unmarshal([]byte(record.Doc), &doc); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "chat document corrupted", err)
	}

	return &ChatView{
		ChatSummary: ChatSummary{
			ID:        record.ID,
			Title:     record.Title,
			Assistant: assistant.ModelRef(record.AssistantID),
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		},
		Messages: chats.SortedMessages(doc),
	}, nil
}
