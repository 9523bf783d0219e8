// Package chat defines the conversation data model shared by the
// orchestrator, the history formatter and the host application:
// messages, turns, responses, pending actions and connections.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Author identifies who wrote a message.
type Author string

const (
	AuthorUser Author = "user"
	AuthorAI   Author = "ai"
)

// MediaKind is the kind of an attached media payload.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// Media is an opaque binary payload with its MIME type. Encoding to
// and from transport formats (base64 etc.) is the host's concern; the
// MIME type travels with the bytes unchanged.
type Media struct {
	Kind     MediaKind `json:"kind"`
	MIMEType string    `json:"mime_type"`
	Data     []byte    `json:"data"`
}

// VideoState tracks an asynchronous video generation.
type VideoState string

const (
	VideoGenerating VideoState = "generating"
	VideoReady      VideoState = "ready"
	VideoError      VideoState = "error"
)

// GeneratedVideo is the handle for a video produced by the model.
type GeneratedVideo struct {
	State         VideoState `json:"state"`
	URL           string     `json:"url,omitempty"`
	OperationName string     `json:"operation_name,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// GroundingSource is a citation attached to a grounded answer.
type GroundingSource struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

// PendingAction is a tool invocation held back until the user consents.
type PendingAction struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args,omitempty"`
}

// Message is one entry in a conversation session.
type Message struct {
	ID               string            `json:"id"`
	Author           Author            `json:"author"`
	Text             string            `json:"text"`
	CreatedAt        time.Time         `json:"created_at"`
	Media            *Media            `json:"media,omitempty"`
	GeneratedImage   *Media            `json:"generated_image,omitempty"`
	GeneratedVideo   *GeneratedVideo   `json:"generated_video,omitempty"`
	GroundingSources []GroundingSource `json:"grounding_sources,omitempty"`
	RequiresConsent  bool              `json:"requires_consent,omitempty"`
	ConsentGranted   bool              `json:"consent_granted,omitempty"`
	Action           *PendingAction    `json:"action,omitempty"`
}

// NewUserMessage builds a user message from a turn.
func NewUserMessage(turn Turn) Message {
	return Message{
		ID:        uuid.NewString(),
		Author:    AuthorUser,
		Text:      turn.Prompt,
		CreatedAt: time.Now().UTC(),
		Media:     turn.Media,
	}
}

// NewAIMessage builds an assistant message from an orchestrator response.
func NewAIMessage(resp *Response) Message {
	m := Message{
		ID:               uuid.NewString(),
		Author:           AuthorAI,
		Text:             resp.Text,
		CreatedAt:        time.Now().UTC(),
		GeneratedImage:   resp.GeneratedImage,
		GeneratedVideo:   resp.GeneratedVideo,
		GroundingSources: resp.GroundingSources,
	}
	if resp.RequiresConsent && resp.Action != nil {
		m.RequiresConsent = true
		m.Action = resp.Action
	}
	return m
}

// AwaitingConsent reports whether the message holds an action the user
// has not answered yet.
func (m *Message) AwaitingConsent() bool {
	return m.RequiresConsent && m.Action != nil && !m.ConsentGranted
}

// GrantConsent marks the pending action as approved and appends the
// acknowledgement to the message text. It is one of only two mutations
// a stored message ever receives.
func (m *Message) GrantConsent(ack string) {
	if !m.RequiresConsent {
		return
	}
	m.ConsentGranted = true
	m.appendSuffix(ack)
}

// DeclineConsent records a refusal in the message text. The action is
// kept so the history still pairs the consent invocation correctly.
func (m *Message) DeclineConsent(ack string) {
	if !m.RequiresConsent {
		return
	}
	m.appendSuffix(ack)
}

func (m *Message) appendSuffix(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	if m.Text == "" {
		m.Text = s
		return
	}
	m.Text += "\n\n" + s
}

// TurnOptions carries per-turn generation hints.
type TurnOptions struct {
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Turn is the immutable input of one Respond call.
type Turn struct {
	Prompt  string       `json:"prompt"`
	Media   *Media       `json:"media,omitempty"`
	Options *TurnOptions `json:"options,omitempty"`
}

// AspectRatio returns the requested aspect ratio, or "" when unset.
func (t Turn) AspectRatio() string {
	if t.Options == nil {
		return ""
	}
	return t.Options.AspectRatio
}

// Response is the structured result of one orchestrator invocation.
// Exactly one terminal shape is populated: a consent request, a
// billing prompt, a media result, or plain text.
type Response struct {
	Text                   string            `json:"text"`
	GeneratedImage         *Media            `json:"generated_image,omitempty"`
	GeneratedVideo         *GeneratedVideo   `json:"generated_video,omitempty"`
	GroundingSources       []GroundingSource `json:"grounding_sources,omitempty"`
	RequiresConsent        bool              `json:"requires_consent,omitempty"`
	Action                 *PendingAction    `json:"action,omitempty"`
	RequiresBillingProject bool              `json:"requires_billing_project,omitempty"`
	LearnedFacts           []string          `json:"learned_facts,omitempty"`

	// Model records which backend model produced the final text.
	Model string `json:"model,omitempty"`
}

// Account is a sub-scope of a connected service (e.g. one mailbox).
type Account struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
}

// Connection is the host's snapshot of one integration.
type Connection struct {
	ID        string    `json:"id"`
	Connected bool      `json:"connected"`
	Accounts  []Account `json:"accounts,omitempty"`
}

// ConnectedAccounts returns the IDs of connected accounts belonging to
// the connected service serviceID, in snapshot order. A disconnected or
// missing service yields nil.
func ConnectedAccounts(conns []Connection, serviceID string) []string {
	for _, c := range conns {
		if c.ID != serviceID || !c.Connected {
			continue
		}
		var ids []string
		for _, a := range c.Accounts {
			if a.Connected {
				ids = append(ids, a.ID)
			}
		}
		return ids
	}
	return nil
}
