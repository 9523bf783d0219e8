// Package llm is the model gateway: provider-neutral request and
// response types, the Gateway interface the orchestrator talks to, and
// the Gemini implementation behind it.
package llm

import (
	"log/slog"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role is the author of a Content in the wire history.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Tier is a backend model variant chosen per turn.
type Tier string

const (
	TierLowLatency    Tier = "low-latency"
	TierDefault       Tier = "default"
	TierDeepReasoning Tier = "deep-reasoning"
)

// Blob is inline binary data with its MIME type.
type Blob struct {
	MIMEType string
	Data     []byte
}

// FunctionCall is a model-issued tool invocation.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Part is one piece of a Content. Exactly one payload field is set.
type Part struct {
	Text             string
	Blob             *Blob
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse

	// Signature is an opaque provider token that must be echoed back
	// with the part it arrived on.
	Signature []byte
}

// Content is one turn of the wire history.
type Content struct {
	Role  Role
	Parts []Part
}

// TextContent builds a single-part text content.
func TextContent(role Role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// FunctionCallContent builds a model turn invoking name with args.
func FunctionCallContent(name string, args map[string]any) Content {
	return Content{Role: RoleModel, Parts: []Part{{
		FunctionCall: &FunctionCall{Name: name, Args: args},
	}}}
}

// FunctionResponseContent builds a user turn answering a function call.
func FunctionResponseContent(name string, response map[string]any) Content {
	return Content{Role: RoleUser, Parts: []Part{{
		FunctionResponse: &FunctionResponse{Name: name, Response: response},
	}}}
}

// Text concatenates the text parts of c.
func (c Content) Text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// FunctionCall returns the first function call in c, or nil.
func (c Content) FunctionCall() *FunctionCall {
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			return p.FunctionCall
		}
	}
	return nil
}

// ToolDeclaration describes a callable tool to the model.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// Request is a multi-turn generation request.
type Request struct {
	Tier Tier

	// ThinkingBudget is a reasoning-token hint; zero leaves the
	// provider default.
	ThinkingBudget int32

	System   string
	Contents []Content
	Tools    []ToolDeclaration
}

// Source is a grounding citation.
type Source struct {
	URI   string
	Title string
}

// Response is the unified result of a Generate or Ground call.
type Response struct {
	Model   string
	Text    string
	Content Content

	// ToolCall is the first pending function call, if any.
	ToolCall *FunctionCall

	Sources []Source

	InputTokens  int
	OutputTokens int
}

// GroundKind selects the live grounding capability.
type GroundKind string

const (
	GroundWeb  GroundKind = "web"
	GroundMaps GroundKind = "maps"
)

// GroundRequest is a single-turn grounded query.
type GroundRequest struct {
	Kind   GroundKind
	Query  string
	System string
}

// MediaKind selects the generated media type.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaRequest asks for generated media.
type MediaRequest struct {
	Kind        MediaKind
	Prompt      string
	AspectRatio string
}

// Media is generated media. Images are materialized in Data; videos
// are asynchronous and carry only OperationName.
type Media struct {
	Kind          MediaKind
	MIMEType      string
	Data          []byte
	OperationName string
}

// VideoStatus is the state of an asynchronous video generation.
type VideoStatus struct {
	Done  bool
	URI   string
	Error string
}

// Audio is synthesized speech.
type Audio struct {
	MIMEType string
	Data     []byte
}
