// Package tools defines the tools available to the model: typed
// argument schemas, the immutable registry, and the executor that
// turns every invocation into a uniform result envelope.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/nugget/parley/internal/chat"
)

// Kind is the dispatch category of a tool. The orchestrator handles
// every kind except KindFunction itself; KindFunction tools run through
// Registry.Execute.
type Kind int

const (
	KindUnknown Kind = iota
	KindFunction
	KindMemoryWrite
	KindConsentGate
	KindImageGeneration
	KindVideoGeneration
	KindWebSearch
	KindMapsSearch
	KindLocation
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindMemoryWrite:
		return "memory_write"
	case KindConsentGate:
		return "consent_gate"
	case KindImageGeneration:
		return "image_generation"
	case KindVideoGeneration:
		return "video_generation"
	case KindWebSearch:
		return "web_search"
	case KindMapsSearch:
		return "maps_search"
	case KindLocation:
		return "location"
	default:
		return "unknown"
	}
}

// ExecContext is the read-only caller state a handler may consult.
type ExecContext struct {
	Connections []chat.Connection
}

// Handler runs a tool with validated, JSON-encoded arguments. The
// returned value must be JSON-serializable.
type Handler func(ctx context.Context, args json.RawMessage, ec ExecContext) (any, error)

// ScopeRule names the argument that carries account identifiers for a
// connected service. The executor rewrites that argument so the
// handler only ever sees accounts the user has connected.
type ScopeRule struct {
	Service string
	Field   string
}

// Tool represents a callable tool.
type Tool struct {
	Name            string
	Description     string
	Kind            Kind
	Parameters      *jsonschema.Schema
	RequiresConsent bool
	Scope           *ScopeRule

	resolved *jsonschema.Resolved
	handler  Handler
}

// Option configures a Tool.
type Option func(*Tool)

// RequiringConsent marks a tool that may only run after the user
// approves it through the consent gate.
func RequiringConsent() Option {
	return func(t *Tool) { t.RequiresConsent = true }
}

// WithScope attaches an account scope rule.
func WithScope(service, field string) Option {
	return func(t *Tool) { t.Scope = &ScopeRule{Service: service, Field: field} }
}

// NewTool builds a KindFunction tool whose argument schema is derived
// from A. The handler receives decoded, validated arguments.
func NewTool[A any](name, description string, fn func(ctx context.Context, args A, ec ExecContext) (any, error), opts ...Option) (*Tool, error) {
	t, err := newTool[A](name, description, KindFunction, opts...)
	if err != nil {
		return nil, err
	}
	t.handler = func(ctx context.Context, raw json.RawMessage, ec ExecContext) (any, error) {
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode %s arguments: %w", name, err)
		}
		return fn(ctx, args, ec)
	}
	return t, nil
}

// Declare builds a tool the orchestrator handles itself. It has a
// schema for the model and for validation but no handler.
func Declare[A any](name, description string, kind Kind, opts ...Option) (*Tool, error) {
	return newTool[A](name, description, kind, opts...)
}

func newTool[A any](name, description string, kind Kind, opts ...Option) (*Tool, error) {
	schema, err := jsonschema.For[A](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("tool %s: infer schema: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool %s: resolve schema: %w", name, err)
	}
	t := &Tool{
		Name:        name,
		Description: description,
		Kind:        kind,
		Parameters:  schema,
		resolved:    resolved,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Must panics if err is non-nil. For package-level tool construction.
func Must(t *Tool, err error) *Tool {
	if err != nil {
		panic(err)
	}
	return t
}

// Validate checks args against the tool's schema.
func (t *Tool) Validate(args map[string]any) error {
	if t.resolved == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.resolved.Validate(args); err != nil {
		return &ErrInvalidArgs{ToolName: t.Name, Err: err}
	}
	return nil
}

// DecodeArgs converts model-supplied arguments into a typed struct.
func DecodeArgs[A any](args map[string]any) (A, error) {
	var out A
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode arguments: %w", err)
	}
	return out, nil
}

// SanitizeScope restricts a requested account scope to what is
// connected. An empty request means every connected account; otherwise
// the result is the intersection, in requested order.
func SanitizeScope(requested, connected []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), connected...)
	}
	allowed := make(map[string]bool, len(connected))
	for _, id := range connected {
		allowed[id] = true
	}
	var out []string
	seen := make(map[string]bool, len(requested))
	for _, id := range requested {
		if allowed[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// Envelope is the uniform result of a tool invocation. Exactly one of
// Result or Error is meaningful.
type Envelope struct {
	ToolName string `json:"toolName"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OK reports whether the invocation succeeded.
func (e Envelope) OK() bool { return e.Error == "" }

// Response renders the envelope as a function response payload.
func (e Envelope) Response() map[string]any {
	if e.Error != "" {
		return map[string]any{"error": e.Error}
	}
	return map[string]any{"result": e.Result}
}
