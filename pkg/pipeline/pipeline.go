// Package pipeline executes one completion request end to end:
// resolve the assistant, check access, run orchestration or the
// legacy processors, dispatch to the connector, and persist the turn.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/assistant"
	"github.com/lamb-project/lamb/pkg/auth"
	"github.com/lamb-project/lamb/pkg/chats"
	"github.com/lamb-project/lamb/pkg/config"
	"github.com/lamb-project/lamb/pkg/observability"
	"github.com/lamb-project/lamb/pkg/org"
	"github.com/lamb-project/lamb/pkg/plugins"
	"github.com/lamb-project/lamb/pkg/protocol"
	"github.com/lamb-project/lamb/pkg/store"
)

// Request is the parsed completion API body plus transport context.
type Request struct {
	Model       string
	Messages    []protocol.Message
	Stream      bool
	Temperature *float64
	MaxTokens   int
	ChatID      string
	Verbose     bool
	Metadata    map[string]interface{}
	Headers     map[string]string
}

// Result is either a completion object or a frame stream, plus the
// aggregated sources.
type Result struct {
	Completion *protocol.ChatCompletion
	Frames     <-chan plugins.StreamFrame
	Sources    []protocol.Source
	Report     string
	ChatID     string
}

// Service is the completion pipeline. Shared process-wide; all
// per-request state lives in arguments.
type Service struct {
	registries *plugins.Registries
	store      *store.Store
	orgs       *org.Resolver
	chats      *chats.Service
	settings   *config.Settings
	metrics    *observability.Metrics
}

func NewService(registries *plugins.Registries, st *store.Store, orgs *org.Resolver, chatSvc *chats.Service, settings *config.Settings, metrics *observability.Metrics) *Service {
	return &Service{
		registries: registries,
		store:      st,
		orgs:       orgs,
		chats:      chatSvc,
		settings:   settings,
		metrics:    metrics,
	}
}

// Complete runs one turn. The AuthContext must already be on ctx; the
// pipeline reads credentials from no other path.
func (s *Service) Complete(ctx context.Context, req *Request) (*Result, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing auth context")
	}
	if len(req.Messages) == 0 {
		return nil, apperr.New(apperr.KindValidation, "messages must not be empty")
	}

	assistantID, err := assistant.ParseModelRef(req.Model)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid model field", err)
	}

	record, err := s.store.GetAssistantByID(ctx, assistantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, "assistant not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to load assistant", err)
	}

	if _, err := authCtx.RequireAssistantAccess(ctx, record); err != nil {
		return nil, err
	}

	meta, err := assistant.ParseMetadata(record.Metadata)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "assistant metadata invalid", err)
	}

	view, err := s.orgs.ForOwner(ctx, record.OwnerEmail)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to resolve organization config", err)
	}
	meta.ApplyDefaults(view.AssistantDefaults())

	if s.usesRAG(meta) {
		if err := authCtx.RequireFeature("rag_enabled"); err != nil {
			return nil, err
		}
	}

	runtime := &plugins.AssistantRuntime{Record: record, Meta: meta, OrgView: view}
	plugReq := &plugins.Request{
		Messages: req.Messages,
		Stream:   req.Stream,
		Headers:  req.Headers,
		Metadata: req.Metadata,
	}

	messages, sources, report, err := s.processPrompt(ctx, plugReq, runtime, req.Verbose)
	if err != nil {
		return nil, err
	}

	// The chat id is validated up front, but the row is written only
	// after the connector produced a reply, so a failed provider call
	// leaves no chat behind.
	chatID := req.ChatID
	if chatID == "" {
		chatID = chats.NewChatID()
	}
	if err := s.chats.Validate(ctx, authCtx.User.ID, record.ID, chatID, true); err != nil {
		return nil, err
	}

	connectorName := meta.Connector
	if connectorName == "" {
		connectorName = "openai"
	}
	conn, err := s.registries.Connector(connectorName)
	if err != nil {
		return nil, err
	}

	creq := &plugins.CompletionRequest{
		Model:       meta.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		OrgView:     view,
	}

	userText := protocol.LastUserText(req.Messages)
	llmStart := time.Now()

	if req.Stream {
		frames, err := conn.Stream(ctx, creq)
		s.metrics.RecordCompletion(ctx, connectorName, true, time.Since(llmStart), err)
		if err != nil {
			return nil, err
		}
		return &Result{
			Frames:  s.persistingFrames(ctx, frames, authCtx.User.ID, record.ID, chatID, userText),
			Sources: sources,
			Report:  report,
			ChatID:  chatID,
		}, nil
	}

	completion, err := conn.Complete(ctx, creq)
	s.metrics.RecordCompletion(ctx, connectorName, false, time.Since(llmStart), err)
	s.metrics.RecordLLMRequest(ctx, connectorName, time.Since(llmStart), usageTokens(completion), err)
	if err != nil {
		return nil, err
	}

	if err := s.persistTurn(ctx, authCtx.User.ID, record.ID, chatID, userText, completion.AssistantText()); err != nil {
		slog.Warn("Failed to persist chat turn", "chat", chatID, "error", err)
	}

	return &Result{
		Completion: completion,
		Sources:    sources,
		Report:     report,
		ChatID:     chatID,
	}, nil
}

// usesRAG reports whether the effective configuration retrieves
// knowledge base context: a legacy RAG processor other than no_rag,
// or an enabled tool from the rag category.
func (s *Service) usesRAG(meta *assistant.Metadata) bool {
	if meta.UsesOrchestrator() {
		for _, tc := range meta.Tools {
			if !tc.Enabled {
				continue
			}
			tool, err := s.registries.Tool(tc.Plugin)
			if err != nil {
				continue
			}
			if tool.Declaration().Category == "rag" {
				return true
			}
		}
		return false
	}
	return meta.RAGProcessor != "" && meta.RAGProcessor != "no_rag"
}

// persistTurn creates the chat row if needed and appends the turn.
func (s *Service) persistTurn(ctx context.Context, userID, assistantID int64, chatID, userText, assistantText string) error {
	chat, err := s.chats.Ensure(ctx, userID, assistantID, chatID, userText, true)
	if err != nil {
		return err
	}
	return s.chats.AppendTurn(ctx, chat, userText, assistantText)
}

// processPrompt runs either the declared orchestrator or the legacy
// single-slot processors.
func (s *Service) processPrompt(ctx context.Context, req *plugins.Request, runtime *plugins.AssistantRuntime, verbose bool) ([]protocol.Message, []protocol.Source, string, error) {
	meta := runtime.Meta

	if meta.UsesOrchestrator() {
		orch, err := s.registries.Orchestrator(meta.Orchestrator)
		if err != nil {
			return nil, nil, "", err
		}
		result, err := orch.Execute(ctx, req, runtime, plugins.ExecuteOptions{Verbose: verbose})
		if err != nil {
			return nil, nil, "", err
		}
		return result.Messages, result.Sources, result.Report, nil
	}

	var rag *plugins.RAGContext
	if meta.RAGProcessor != "" {
		proc, err := s.registries.RAGProcessor(meta.RAGProcessor)
		if err != nil {
			return nil, nil, "", err
		}
		rag, err = proc.Retrieve(ctx, req, runtime)
		if err != nil {
			slog.Warn("RAG retrieval failed, continuing without context",
				"processor", meta.RAGProcessor, "error", err)
			rag = &plugins.RAGContext{}
		}
	}

	processorName := meta.PromptProcessor
	if processorName == "" {
		processorName = "simple"
	}
	proc, err := s.registries.PromptProcessor(processorName)
	if err != nil {
		return nil, nil, "", err
	}

	messages, err := proc.Process(ctx, req, runtime, rag)
	if err != nil {
		return nil, nil, "", apperr.Wrap(apperr.KindInternal, "prompt processing failed", err)
	}

	var sources []protocol.Source
	if rag != nil {
		sources = rag.Sources
	}
	return messages, sources, "", nil
}

// persistingFrames forwards connector frames unchanged and persists
// the turn once the terminator has gone out. The chat row itself is
// first written here; assistant text is reassembled from the streamed
// deltas.
func (s *Service) persistingFrames(ctx context.Context, in <-chan plugins.StreamFrame, userID, assistantID int64, chatID, userText string) <-chan plugins.StreamFrame {
	out := make(chan plugins.StreamFrame)

	go func() {
		defer close(out)

		var assistantText []byte
		for frame := range in {
			if frame.Err == nil {
				assistantText = append(assistantText, deltaContent(frame.Data)...)
			}
			out <- frame
		}

		// Persistence happens after the stream closed; the client
		// request context may already be done, so detach from it.
		pctx := context.WithoutCancel(ctx)
		if err := s.persistTurn(pctx, userID, assistantID, chatID, userText, string(assistantText)); err != nil {
			slog.Warn("Failed to persist streamed chat turn", "chat", chatID, "error", err)
		}
	}()

	return out
}

// deltaContent extracts the text delta from one SSE frame; non-chunk
// frames yield nothing.
func deltaContent(frame string) string {
	payload, ok := chunkPayload(frame)
	if !ok {
		return ""
	}

	var chunk protocol.ChatCompletionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return ""
	}
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

func usageTokens(completion *protocol.ChatCompletion) int {
	if completion == nil {
		return 0
	}
	return completion.Usage.TotalTokens
}

func chunkPayload(frame string) (string, bool) {
	const prefix = "data: "
	if len(frame) < len(prefix) || frame[:len(prefix)] != prefix {
		return "", false
	}
	payload := frame[len(prefix):]
	for len(payload) > 0 && (payload[len(payload)-1] == '\n' || payload[len(payload)-1] == '\r') {
		payload = payload[:len(payload)-1]
	}
	if payload == "[DONE]" {
		return "", false
	}
	return payload, true
}
