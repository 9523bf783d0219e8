package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
)

// Messages returned to the model in place of internal error detail.
const (
	msgExecutionFailed     = "Tool execution failed."
	msgLocationUnavailable = "Unable to determine the current location."
)

// Location is a device position reported by a LocationProvider.
type Location struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracyMeters,omitempty"`
	Label          string  `json:"label,omitempty"`
}

// LocationProvider answers the location tool. It stands in for a
// device permission prompt, so it is called directly rather than
// through a registered handler.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (*Location, error)
}

// Registry is the closed, immutable set of tools. Build it once with
// NewRegistry and share it; it is safe for concurrent use.
type Registry struct {
	tools    map[string]*Tool
	order    []*Tool
	location LocationProvider
	logger   *slog.Logger
}

// NewRegistry builds a registry from tools. When location is non-nil
// the location tool is declared and routed to it.
func NewRegistry(logger *slog.Logger, location LocationProvider, tools ...*Tool) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:    make(map[string]*Tool, len(tools)+1),
		location: location,
		logger:   logger,
	}
	if location != nil {
		tools = append(tools, Must(Declare[LocationArgs](CurrentLocation,
			"Get the user's current location. Call this before answering questions about nearby places, local weather or directions when no location is known.",
			KindLocation)))
	}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name)
		}
		r.tools[t.Name] = t
		r.order = append(r.order, t)
	}
	return r, nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Kind returns the dispatch kind for name, KindUnknown if unregistered.
func (r *Registry) Kind(name string) Kind {
	if t, ok := r.tools[name]; ok {
		return t.Kind
	}
	return KindUnknown
}

// Names returns all tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.order))
	for _, t := range r.order {
		names = append(names, t.Name)
	}
	return names
}

// Catalog returns the tool declarations sent to the model.
func (r *Registry) Catalog() []llm.ToolDeclaration {
	decls := make([]llm.ToolDeclaration, 0, len(r.order))
	for _, t := range r.order {
		decls = append(decls, llm.ToolDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return decls
}

// ConsentRequired returns the tools that must pass the consent gate.
func (r *Registry) ConsentRequired() []*Tool {
	var out []*Tool
	for _, t := range r.order {
		if t.RequiresConsent {
			out = append(out, t)
		}
	}
	return out
}

// Execute runs a tool and always returns a well-formed envelope.
// Unknown names, invalid arguments and handler failures become error
// envelopes the model can react to; handler error detail is logged but
// never returned.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, ec ExecContext) (env Envelope) {
	env.ToolName = name
	logger := r.logger.With("tool", name)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("tool handler panicked", "panic", p)
			env = Envelope{ToolName: name, Error: msgExecutionFailed}
		}
	}()

	if name == CurrentLocation && r.location != nil {
		loc, err := r.location.CurrentLocation(ctx)
		if err != nil {
			logger.Warn("location lookup failed", "error", err)
			env.Error = msgLocationUnavailable
			return env
		}
		env.Result = loc
		return env
	}

	t, ok := r.tools[name]
	if !ok {
		err := &ErrToolUnavailable{ToolName: name}
		logger.Warn("unknown tool requested", "error", err)
		env.Error = err.Error()
		return env
	}
	if t.handler == nil {
		env.Error = fmt.Sprintf("tool %q cannot be executed directly", name)
		return env
	}

	args = cloneArgs(args)
	if t.Scope != nil {
		connected := chat.ConnectedAccounts(ec.Connections, t.Scope.Service)
		scoped := SanitizeScope(stringList(args[t.Scope.Field]), connected)
		if len(scoped) == 0 {
			env.Error = fmt.Sprintf("No connected %s accounts are available.", t.Scope.Service)
			return env
		}
		list := make([]any, len(scoped))
		for i, id := range scoped {
			list[i] = id
		}
		args[t.Scope.Field] = list
		logger.Debug("tool scope sanitized", "service", t.Scope.Service, "accounts", scoped)
	}

	if err := t.Validate(args); err != nil {
		logger.Warn("tool arguments rejected", "error", err)
		env.Error = err.Error()
		return env
	}

	raw, err := json.Marshal(args)
	if err != nil {
		env.Error = msgExecutionFailed
		return env
	}

	logger.Debug("executing tool", "kind", t.Kind)
	result, err := t.handler(ctx, raw, ec)
	if err != nil {
		logger.Error("tool execution failed", "error", err)
		env.Error = msgExecutionFailed
		return env
	}
	env.Result = result
	return env
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// stringList reads a model-supplied list of identifiers, accepting a
// JSON array or a single string.
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	}
	return nil
}
