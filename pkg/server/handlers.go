package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lamb-project/lamb/pkg/apperr"
	"github.com/lamb-project/lamb/pkg/pipeline"
	"github.com/lamb-project/lamb/pkg/protocol"
)

// completionBody is the OpenAI-compatible request payload plus the
// LAMB extensions (chat_id, verbose, metadata).
type completionBody struct {
	Model       string                 `json:"model"`
	Messages    []protocol.Message     `json:"messages"`
	Stream      bool                   `json:"stream"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	ChatID      string                 `json:"chat_id,omitempty"`
	Verbose     bool                   `json:"verbose,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "failed to read request body", err))
		return
	}

	var payload completionBody
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "malformed request body", err))
		return
	}
	if payload.Model == "" {
		writeError(w, r, apperr.New(apperr.KindValidation, "model is required"))
		return
	}

	req := &pipeline.Request{
		Model:       payload.Model,
		Messages:    payload.Messages,
		Stream:      payload.Stream,
		Temperature: payload.Temperature,
		MaxTokens:   payload.MaxTokens,
		ChatID:      payload.ChatID,
		Verbose:     payload.Verbose,
		Metadata:    payload.Metadata,
		Headers:     forwardedHeaders(r),
	}

	result, err := s.pipeline.Complete(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if payload.Stream {
		s.writeStream(w, r, result)
		return
	}

	writeJSON(w, http.StatusOK, completionResponse(result))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.pipeline.Models(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   models,
	})
}

func (s *Server) handleChatList(w http.ResponseWriter, r *http.Request) {
	list, err := s.pipeline.ListChats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chats": list})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.pipeline.GetChat(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.pipeline.ProviderModels(r.Context(), r.URL.Query().Get("connector"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// writeStream forwards connector frames over SSE. Sources go out as
// an initial frame before the first content chunk; the connector owns
// the terminator.
func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, result *pipeline.Result) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apperr.New(apperr.KindInternal, "streaming unsupported by transport"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if len(result.Sources) > 0 {
		frame, err := json.Marshal(map[string]interface{}{"sources": result.Sources})
		if err == nil {
			_, _ = io.WriteString(w, "data: "+string(frame)+"\n\n")
			flusher.Flush()
		}
	}

	for frame := range result.Frames {
		if frame.Err != nil {
			// The SSE stream is already committed; surface the error
			// in-band and terminate.
			msg, _ := json.Marshal(map[string]interface{}{
				"error": map[string]string{"message": apperr.ClientMessage(frame.Err)},
			})
			_, _ = io.WriteString(w, "data: "+string(msg)+"\n\n")
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
		_, _ = io.WriteString(w, frame.Data)
		flusher.Flush()
	}
}

// completionResponse attaches the top-level sources (and the verbose
// report when requested) to the provider-shaped completion object.
func completionResponse(result *pipeline.Result) map[string]interface{} {
	out := map[string]interface{}{}

	if raw, err := json.Marshal(result.Completion); err == nil {
		_ = json.Unmarshal(raw, &out)
	}
	if len(result.Sources) > 0 {
		out["sources"] = result.Sources
	}
	if result.Report != "" {
		out["verbose_report"] = result.Report
	}
	return out
}

// forwardedHeaders collects the end-user identity headers relayed by
// frontends, lower-cased.
func forwardedHeaders(r *http.Request) map[string]string {
	out := map[string]string{}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-openwebui-") && len(values) > 0 {
			out[lower] = values[0]
		}
	}
	return out
}
