// Package history converts a stored conversation into the wire history
// the model gateway expects.
package history

import (
	"encoding/json"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
)

// DefaultWindow is the number of most recent messages sent to the model.
const DefaultWindow = 30

// ConsentToolName is the tool the model calls to ask for permission.
// Stored consent messages are replayed as calls to it.
const ConsentToolName = "request_consent"

// Format converts msgs using DefaultWindow.
func Format(msgs []chat.Message) []llm.Content {
	return FormatWindow(msgs, DefaultWindow)
}

// FormatWindow converts the most recent window messages into wire
// contents. The result always starts on a user turn, never has two
// adjacent contents with the same role, and omits malformed messages
// rather than failing.
//
// A stored consent request is replayed as a model call to the consent
// tool. When something follows it, a user response carrying the
// recorded decision is emitted so every call has its answer; a trailing
// consent request is left open for the caller to answer.
func FormatWindow(msgs []chat.Message, window int) []llm.Content {
	if window > 0 && len(msgs) > window {
		msgs = msgs[len(msgs)-window:]
	}
	for len(msgs) > 0 && msgs[0].Author != chat.AuthorUser {
		msgs = msgs[1:]
	}

	out := make([]llm.Content, 0, len(msgs))
	for i, m := range msgs {
		last := i == len(msgs)-1
		for _, c := range convert(m, last) {
			out = appendMerged(out, c)
		}
	}
	return out
}

func convert(m chat.Message, last bool) []llm.Content {
	switch m.Author {
	case chat.AuthorUser:
		var parts []llm.Part
		if m.Text != "" {
			parts = append(parts, llm.Part{Text: m.Text})
		}
		if m.Media != nil && len(m.Media.Data) > 0 {
			parts = append(parts, llm.Part{Blob: &llm.Blob{
				MIMEType: m.Media.MIMEType,
				Data:     m.Media.Data,
			}})
		}
		if len(parts) == 0 {
			return nil
		}
		return []llm.Content{{Role: llm.RoleUser, Parts: parts}}

	case chat.AuthorAI:
		if m.RequiresConsent && m.Action != nil {
			out := []llm.Content{llm.FunctionCallContent(ConsentToolName, ConsentArgs(m.Text, m.Action))}
			if !last {
				out = append(out, llm.FunctionResponseContent(ConsentToolName, map[string]any{
					"granted": m.ConsentGranted,
				}))
			}
			return out
		}
		if m.Text == "" {
			return nil
		}
		return []llm.Content{llm.TextContent(llm.RoleModel, m.Text)}
	}
	return nil
}

// ConsentArgs rebuilds the consent tool arguments for a stored action.
// Tool arguments travel as a JSON string, the same shape the model
// originally produced.
func ConsentArgs(reason string, action *chat.PendingAction) map[string]any {
	toolArgs := "{}"
	if len(action.ToolArgs) > 0 {
		if b, err := json.Marshal(action.ToolArgs); err == nil {
			toolArgs = string(b)
		}
	}
	return map[string]any{
		"reason":     reason,
		"toolToCall": action.ToolName,
		"toolArgs":   toolArgs,
	}
}

func appendMerged(out []llm.Content, c llm.Content) []llm.Content {
	if n := len(out); n > 0 && out[n-1].Role == c.Role {
		out[n-1].Parts = append(out[n-1].Parts, c.Parts...)
		return out
	}
	return append(out, c)
}
