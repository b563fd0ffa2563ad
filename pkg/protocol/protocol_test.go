package protocol

import (
	"encoding/json"
	"testing"
)

func TestContent_UnmarshalString(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if msg.Content.IsParts() {
		t.Error("Content.IsParts() = true, want false for string content")
	}
	if got := msg.Content.PlainText(); got != "hello" {
		t.Errorf("Content.PlainText() = %q, want %q", got, "hello")
	}
}

func TestContent_UnmarshalParts(t *testing.T) {
	raw := `{"role":"user","content":[` +
		`{"type":"text","text":"What is this?"},` +
		`{"type":"image_url","image_url":{"url":"data:image/png;base64,xyz"}}]}`

	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if !msg.Content.IsParts() {
		t.Fatal("Content.IsParts() = false, want true for parts content")
	}
	if got := msg.Content.PlainText(); got != "What is this?" {
		t.Errorf("Content.PlainText() = %q, want %q", got, "What is this?")
	}

	nonText := msg.Content.NonTextParts()
	if len(nonText) != 1 {
		t.Fatalf("Content.NonTextParts() length = %d, want 1", len(nonText))
	}
	if nonText[0].ImageURL == nil || nonText[0].ImageURL.URL != "data:image/png;base64,xyz" {
		t.Errorf("NonTextParts()[0].ImageURL = %+v, want original URL", nonText[0].ImageURL)
	}
}

func TestContent_UnmarshalNull(t *testing.T) {
	var msg Message
	raw := `{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Content.PlainText() != "" {
		t.Errorf("null content PlainText() = %q, want empty", msg.Content.PlainText())
	}
	if len(msg.ToolCalls) != 1 {
		t.Errorf("ToolCalls length = %d, want 1", len(msg.ToolCalls))
	}
}

func TestContent_MarshalRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		want    string
	}{
		{
			name:    "plain text",
			content: TextContent("hi"),
			want:    `"hi"`,
		},
		{
			name:    "parts",
			content: PartsContent([]ContentPart{TextPart("hi")}),
			want:    `[{"type":"text","text":"hi"}]`,
		},
		{
			name:    "zero value",
			content: Content{},
			want:    `""`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.content)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestLastUserText(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: TextContent("be nice")},
		{Role: RoleUser, Content: TextContent("first")},
		{Role: RoleAssistant, Content: TextContent("answer")},
		{Role: RoleUser, Content: TextContent("second")},
	}

	if got := LastUserText(messages); got != "second" {
		t.Errorf("LastUserText() = %q, want %q", got, "second")
	}

	if got := LastUserText(nil); got != "" {
		t.Errorf("LastUserText(nil) = %q, want empty", got)
	}
}
