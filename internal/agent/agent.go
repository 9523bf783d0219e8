// Package agent implements the orchestrator: the tool-calling loop
// that turns one user turn into a structured response, enforcing the
// consent gate along the way.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/history"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/retry"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/tools"
)

// DefaultMaxIterations caps model round-trips per turn.
const DefaultMaxIterations = 10

// MemoryStore is the long-term fact list: read at turn start, appended
// to when the model learns something.
type MemoryStore interface {
	Facts(ctx context.Context) ([]string, error)
	Remember(ctx context.Context, fact string) error
}

// Config holds orchestrator settings.
type Config struct {
	// Persona is the base system instruction. Empty uses the built-in
	// persona.
	Persona string

	// MaxIterations caps model round-trips per turn (default 10).
	MaxIterations int

	// HistoryWindow is the number of stored messages sent as history
	// (default 30).
	HistoryWindow int

	// Retry wraps every gateway call.
	Retry retry.Policy
}

// Orchestrator drives turns against a model gateway.
type Orchestrator struct {
	logger   *slog.Logger
	gateway  llm.Gateway
	registry *tools.Registry
	router   *router.Router
	memory   MemoryStore
	context  *CompositeContextProvider
	events   *events.Bus
	cfg      Config

	now func() time.Time
}

// New creates an orchestrator. memory may be nil, in which case the
// memory-write tool reports that memory is unavailable.
func New(logger *slog.Logger, gateway llm.Gateway, registry *tools.Registry, rt *router.Router, memory MemoryStore, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if rt == nil {
		rt = router.NewRouter(logger, router.Config{})
	}
	if registry == nil {
		registry, _ = tools.NewRegistry(logger, nil)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = history.DefaultWindow
	}
	if cfg.Retry.Logger == nil {
		cfg.Retry.Logger = logger
	}

	o := &Orchestrator{
		logger:   logger,
		gateway:  gateway,
		registry: registry,
		router:   rt,
		memory:   memory,
		cfg:      cfg,
		now:      time.Now,
	}
	o.context = NewCompositeContextProvider(logger,
		ConnectionsProvider{},
		FactsProvider{Memory: memory},
		ConsentProvider{Registry: registry},
	)
	return o
}

// SetEventBus attaches an event bus for operational events.
func (o *Orchestrator) SetEventBus(bus *events.Bus) {
	o.events = bus
}

// AddContextProvider appends a section to every system instruction.
func (o *Orchestrator) AddContextProvider(p ContextProvider) {
	o.context.Add(p)
}

// Router returns the model router, for introspection endpoints.
func (o *Orchestrator) Router() *router.Router {
	return o.router
}
