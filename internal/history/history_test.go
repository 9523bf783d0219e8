package history

import (
	"fmt"
	"testing"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
)

func user(text string) chat.Message {
	return chat.Message{Author: chat.AuthorUser, Text: text}
}

func ai(text string) chat.Message {
	return chat.Message{Author: chat.AuthorAI, Text: text}
}

// alternating builds n messages starting with a user message.
func alternating(n int) []chat.Message {
	msgs := make([]chat.Message, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			msgs = append(msgs, user(fmt.Sprintf("u%d", i)))
		} else {
			msgs = append(msgs, ai(fmt.Sprintf("a%d", i)))
		}
	}
	return msgs
}

func TestFormat_Window(t *testing.T) {
	tests := []struct {
		name      string
		msgs      []chat.Message
		wantLen   int
		wantFirst string
	}{
		{
			// 40 messages: the last 30 start at index 10 (user).
			name:      "window starts on user",
			msgs:      alternating(40),
			wantLen:   30,
			wantFirst: "u10",
		},
		{
			// 41 messages: the last 30 start at index 11 (ai), which is dropped.
			name:      "window starts on assistant",
			msgs:      alternating(41),
			wantLen:   29,
			wantFirst: "u12",
		},
		{
			name:      "short session keeps everything",
			msgs:      alternating(5),
			wantLen:   5,
			wantFirst: "u0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.msgs)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if got[0].Role != llm.RoleUser {
				t.Errorf("first role = %q, want user", got[0].Role)
			}
			if text := got[0].Text(); text != tt.wantFirst {
				t.Errorf("first text = %q, want %q", text, tt.wantFirst)
			}
		})
	}
}

func TestFormat_DropsAllLeadingAssistantMessages(t *testing.T) {
	msgs := []chat.Message{ai("Hello! How can I help?"), ai("Anything?"), user("hi"), ai("hey")}

	got := Format(msgs)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Role != llm.RoleUser || got[0].Text() != "hi" {
		t.Errorf("first = %+v, want user hi", got[0])
	}
}

func TestFormat_OnlyAssistant(t *testing.T) {
	if got := Format([]chat.Message{ai("welcome")}); len(got) != 0 {
		t.Errorf("got %d contents, want 0", len(got))
	}
	if got := Format(nil); len(got) != 0 {
		t.Errorf("Format(nil) = %d contents, want 0", len(got))
	}
}

func TestFormat_UserMedia(t *testing.T) {
	msg := user("what is this?")
	msg.Media = &chat.Media{Kind: chat.MediaImage, MIMEType: "image/webp", Data: []byte("img")}

	got := Format([]chat.Message{msg})
	if len(got) != 1 || len(got[0].Parts) != 2 {
		t.Fatalf("got %+v, want one content with text and media parts", got)
	}
	blob := got[0].Parts[1].Blob
	if blob == nil || blob.MIMEType != "image/webp" || string(blob.Data) != "img" {
		t.Errorf("media part = %+v, want image/webp preserved", blob)
	}
}

func TestFormat_MediaOnlyUserMessage(t *testing.T) {
	msg := chat.Message{Author: chat.AuthorUser, Media: &chat.Media{MIMEType: "audio/webm", Data: []byte("a")}}
	got := Format([]chat.Message{msg})
	if len(got) != 1 || len(got[0].Parts) != 1 || got[0].Parts[0].Blob == nil {
		t.Fatalf("got %+v, want a single media part", got)
	}
}

func TestFormat_OmitsEmptyMessages(t *testing.T) {
	msgs := []chat.Message{user("one"), ai(""), user("two"), {Author: chat.AuthorUser}, ai("reply")}

	got := Format(msgs)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (empty dropped, users merged)", len(got))
	}
	if got[0].Text() != "onetwo" || len(got[0].Parts) != 2 {
		t.Errorf("merged user content = %+v", got[0])
	}
	if got[1].Role != llm.RoleModel || got[1].Text() != "reply" {
		t.Errorf("second = %+v", got[1])
	}
}

func consentMessage(granted bool) chat.Message {
	return chat.Message{
		Author:          chat.AuthorAI,
		Text:            "I need to read your inbox.",
		RequiresConsent: true,
		ConsentGranted:  granted,
		Action: &chat.PendingAction{
			ToolName: "read_emails",
			ToolArgs: map[string]any{"limit": float64(5)},
		},
	}
}

func TestFormat_ConsentReplayedAsToolCall(t *testing.T) {
	msgs := []chat.Message{user("check my email"), consentMessage(true), ai("You have 2 new messages.")}

	got := Format(msgs)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4: %+v", len(got), got)
	}

	call := got[1].FunctionCall()
	if got[1].Role != llm.RoleModel || call == nil {
		t.Fatalf("content 1 = %+v, want model function call", got[1])
	}
	if call.Name != ConsentToolName {
		t.Errorf("call name = %q", call.Name)
	}
	if call.Args["toolToCall"] != "read_emails" {
		t.Errorf("toolToCall = %v", call.Args["toolToCall"])
	}
	if call.Args["reason"] != "I need to read your inbox." {
		t.Errorf("reason = %v", call.Args["reason"])
	}
	if call.Args["toolArgs"] != `{"limit":5}` {
		t.Errorf("toolArgs = %v, want JSON string", call.Args["toolArgs"])
	}
	if got[1].Text() != "" {
		t.Error("consent message must not be encoded as plain text")
	}

	resp := got[2].Parts[0].FunctionResponse
	if got[2].Role != llm.RoleUser || resp == nil || resp.Name != ConsentToolName {
		t.Fatalf("content 2 = %+v, want consent response", got[2])
	}
	if resp.Response["granted"] != true {
		t.Errorf("granted = %v, want true", resp.Response["granted"])
	}
	if got[3].Role != llm.RoleModel {
		t.Errorf("content 3 role = %q, want model", got[3].Role)
	}
}

func TestFormat_TrailingConsentLeftOpen(t *testing.T) {
	got := Format([]chat.Message{user("check my email"), consentMessage(false)})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[1].FunctionCall() == nil {
		t.Error("trailing consent request should be a function call")
	}
}

func TestFormat_DeclinedConsentFollowedByUser(t *testing.T) {
	got := Format([]chat.Message{user("check my email"), consentMessage(false), user("never mind")})
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Consent response and the next user text share one user content.
	last := got[2]
	if last.Role != llm.RoleUser || len(last.Parts) != 2 {
		t.Fatalf("last = %+v", last)
	}
	if last.Parts[0].FunctionResponse.Response["granted"] != false {
		t.Error("declined consent should replay granted=false")
	}
	if last.Parts[1].Text != "never mind" {
		t.Errorf("user text = %q", last.Parts[1].Text)
	}
}

func TestFormat_ConsentFlagWithoutActionIsPlainText(t *testing.T) {
	m := ai("plain reply")
	m.RequiresConsent = true
	got := Format([]chat.Message{user("hi"), m})
	if len(got) != 2 || got[1].FunctionCall() != nil || got[1].Text() != "plain reply" {
		t.Errorf("got %+v, want plain model text", got)
	}
}

func TestConsentArgs_NoArgs(t *testing.T) {
	args := ConsentArgs("why", &chat.PendingAction{ToolName: "read_emails"})
	if args["toolArgs"] != "{}" {
		t.Errorf("toolArgs = %v, want {}", args["toolArgs"])
	}
}
