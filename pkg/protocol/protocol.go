// Package protocol defines the message shapes shared by the completion
// pipeline: conversation messages with string-or-parts content, tool
// calls in OpenAI wire form, and retrieval source citations.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

const (
	ContentPartTypeText     = "text"
	ContentPartTypeImageURL = "image_url"
)

// Content is either a plain string or a list of typed parts.
// Vision-capable models receive the parts form; everything else uses
// plain text. The zero value is an empty text content.
type Content struct {
	text    string
	parts   []ContentPart
	isParts bool
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// TextContent returns a plain-string content.
func TextContent(s string) Content {
	return Content{text: s}
}

// PartsContent returns a multi-part content.
func PartsContent(parts []ContentPart) Content {
	return Content{parts: parts, isParts: true}
}

func TextPart(s string) ContentPart {
	return ContentPart{Type: ContentPartTypeText, Text: s}
}

// IsParts reports whether the content is the multi-part form.
func (c Content) IsParts() bool { return c.isParts }

// Parts returns the part list. Nil for plain-string content.
func (c Content) Parts() []ContentPart { return c.parts }

// PlainText returns the textual content. For the parts form, the text
// fields are joined with single spaces in part order.
func (c Content) PlainText() string {
	if !c.isParts {
		return c.text
	}
	texts := make([]string, 0, len(c.parts))
	for _, p := range c.parts {
		if p.Type == ContentPartTypeText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// NonTextParts returns the non-text parts in original order.
func (c Content) NonTextParts() []ContentPart {
	if !c.isParts {
		return nil
	}
	var out []ContentPart
	for _, p := range c.parts {
		if p.Type != ContentPartTypeText {
			out = append(out, p)
		}
	}
	return out
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.isParts {
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{text: s}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*c = Content{parts: parts, isParts: true}
		return nil
	}
	// Tolerate null content (tool-call turns carry no content).
	if string(data) == "null" {
		*c = Content{}
		return nil
	}
	return fmt.Errorf("content must be a string or a list of parts")
}

// Message is one conversation turn.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall mirrors the OpenAI function-calling wire shape.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Source is a retrieval citation attached to a completion.
type Source struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Similarity  float64 `json:"similarity"`
	ChunkIndex  *int    `json:"chunk_index,omitempty"`
	Page        *int    `json:"page,omitempty"`
	OriginalURL string  `json:"original_url,omitempty"`
	MarkdownURL string  `json:"markdown_url,omitempty"`
}

// LastUserMessage returns the last message with the user role, or nil.
func LastUserMessage(messages []Message) *Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return &messages[i]
		}
	}
	return nil
}

// LastUserText returns the plain text of the last user message.
func LastUserText(messages []Message) string {
	if msg := LastUserMessage(messages); msg != nil {
		return msg.Content.PlainText()
	}
	return ""
}
