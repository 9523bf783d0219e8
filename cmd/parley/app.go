package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/connwatch"
	"github.com/nugget/parley/internal/email"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/fetch"
	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/mqtt"
	"github.com/nugget/parley/internal/retry"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/speech"
	"github.com/nugget/parley/internal/tools"
)

// app holds the components shared by serve and ask.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *events.Bus
	gateway *llm.GeminiGateway
	store   *memory.Store
	mail    *email.Manager
	router  *router.Router
	agent   *agent.Orchestrator
}

// newApp opens the memory store, connects the model gateway and
// assembles the tool registry and orchestrator. bus may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, bus *events.Bus) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: bus}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	persona, err := loadPersona(cfg.PersonaFile)
	if err != nil {
		return nil, err
	}

	gateway, err := llm.NewGeminiGateway(ctx, llm.GeminiConfig{
		APIKey:  cfg.Gemini.APIKey,
		BaseURL: cfg.Gemini.BaseURL,
		Models:  cfg.Gemini.Models,
		HTTPClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Retry.CallTimeout()),
			httpkit.WithLogger(logger),
		),
	}, logger)
	if err != nil {
		return nil, err
	}
	a.gateway = gateway

	store, err := memory.Open(filepath.Join(cfg.DataDir, "parley.db"))
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	a.store = store

	registry, err := a.buildRegistry()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.router = router.NewRouter(logger, router.Config{ThinkingBudget: cfg.Gemini.ThinkingBudget})
	a.agent = agent.New(logger, gateway, registry, a.router, store, agent.Config{
		Persona:       persona,
		MaxIterations: cfg.Orchestrator.MaxIterations,
		HistoryWindow: cfg.Orchestrator.HistoryWindow,
		Retry:         a.retryPolicy(),
	})
	a.agent.SetEventBus(bus)

	logger.Info("assistant ready",
		"models", gateway.Models(),
		"tools", len(registry.Catalog()),
		"email_accounts", len(a.mailAccounts()),
	)
	return a, nil
}

func (a *app) buildRegistry() (*tools.Registry, error) {
	all := tools.Builtins()

	recall, err := memory.RecallTool(a.store)
	if err != nil {
		return nil, err
	}
	all = append(all, recall)

	fetchTool, err := fetch.Tool(fetch.New(nil, a.logger))
	if err != nil {
		return nil, err
	}
	all = append(all, fetchTool)

	if a.cfg.Email.Configured() {
		a.mail = email.NewManager(a.cfg.Email, a.logger)
		readTool, err := email.ReadTool(a.mail)
		if err != nil {
			return nil, err
		}
		all = append(all, readTool)
	}

	var loc tools.LocationProvider
	if a.cfg.Location != nil {
		loc = staticLocation{cfg: *a.cfg.Location}
	}
	return tools.NewRegistry(a.logger, loc, all...)
}

func (a *app) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:  a.cfg.Retry.MaxRetries,
		BaseDelay:   a.cfg.Retry.BaseDelay(),
		CallTimeout: a.cfg.Retry.CallTimeout(),
		Logger:      a.logger,
	}
}

// connections is the host's view of connected services.
func (a *app) connections() []chat.Connection {
	if a.mail == nil {
		return nil
	}
	return []chat.Connection{a.mail.Connection()}
}

func (a *app) mailAccounts() []string {
	if a.mail == nil {
		return nil
	}
	return a.mail.AccountNames()
}

// watchConnections probes every mailbox in the background so the
// connection snapshot only offers accounts that answer.
func (a *app) watchConnections(ctx context.Context) *connwatch.Manager {
	watch := connwatch.NewManager(a.logger, a.bus)
	for _, name := range a.mailAccounts() {
		client, err := a.mail.Account(name)
		if err != nil {
			continue
		}
		watch.Watch(ctx, connwatch.Target{
			Service: email.ServiceID,
			Account: name,
			Probe:   client.Ping,
		}, connwatch.BackoffConfig{})
	}
	return watch
}

// startSpeaker connects the MQTT speaker.
func (a *app) startSpeaker(ctx context.Context) (*mqtt.Speaker, error) {
	id, err := mqtt.LoadOrCreateInstanceID(a.cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("mqtt instance id: %w", err)
	}
	sp := mqtt.NewSpeaker(a.cfg.MQTT, id, a.logger)
	if err := sp.Start(ctx); err != nil {
		return nil, fmt.Errorf("mqtt speaker: %w", err)
	}
	return sp, nil
}

func (a *app) newPipeline(player speech.Player) *speech.Pipeline {
	return speech.New(a.gateway, player, speech.Config{
		Voice: a.cfg.Speech.Voice,
		Retry: a.retryPolicy(),
	}, a.logger, a.bus)
}

// Close releases the store and mail connections.
func (a *app) Close() {
	if a.mail != nil {
		a.mail.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close memory store", "error", err)
		}
	}
}

// loadPersona reads the persona file. An empty path uses the built-in
// persona.
func loadPersona(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona: %w", err)
	}
	return string(data), nil
}

// staticLocation answers the location tool from configuration.
type staticLocation struct {
	cfg config.LocationConfig
}

func (l staticLocation) CurrentLocation(context.Context) (*tools.Location, error) {
	return &tools.Location{
		Latitude:       l.cfg.Latitude,
		Longitude:      l.cfg.Longitude,
		AccuracyMeters: l.cfg.AccuracyMeters,
		Label:          l.cfg.Label,
	}, nil
}

