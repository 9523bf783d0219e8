// Package connwatch tracks whether the host's integrations are
// reachable and turns that into the connection snapshot the
// orchestrator receives with every turn. A mailbox that stops
// answering drops out of the snapshot, so account-scoped tools stop
// offering it until it recovers.
//
// Each Watcher probes one target in two phases:
//  1. Startup: doubling backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with state transitions published
//     on the event bus
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/events"
)

// ProbeFunc checks whether a target is reachable. Return nil if
// healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first startup retry
	// (default: 2s). It doubles after each failure.
	InitialDelay time.Duration

	// MaxDelay caps the startup delay (default: 60s).
	MaxDelay time.Duration

	// MaxRetries is the number of startup probes (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the default schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Target is one thing to watch: a whole service, or one account of a
// service when Account is set.
type Target struct {
	Service string
	Account string
	Probe   ProbeFunc
}

func (t Target) name() string {
	if t.Account == "" {
		return t.Service
	}
	return t.Service + "/" + t.Account
}

// Status is a target's health, for the health endpoint.
type Status struct {
	Service   string    `json:"service"`
	Account   string    `json:"account,omitempty"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one target.
type Watcher struct {
	target  Target
	backoff BackoffConfig
	bus     *events.Bus
	logger  *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the target answered its latest probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Service:   w.target.Service,
		Account:   w.target.Account,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for attempt := 1; attempt <= w.backoff.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			w.transition(nil)
			w.logger.Debug("target connected", "after_attempts", attempt)
			break
		}
		if attempt == w.backoff.MaxRetries {
			w.logger.Info("startup probes failed, polling in background",
				"attempts", attempt,
				"error", err,
			)
			break
		}
		w.logger.Debug("startup probe failed, retrying",
			"attempt", attempt,
			"next_delay", delay,
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(delay*2, w.backoff.MaxDelay)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.transition(w.probe(ctx))
		}
	}
}

// probe runs the target's probe under the timeout and records the
// outcome.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()
	err := w.target.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// transition applies a probe outcome, announcing up and down edges.
func (w *Watcher) transition(err error) {
	was := w.ready.Load()
	switch {
	case err == nil && !was:
		w.ready.Store(true)
		w.logger.Info("target reachable")
		w.bus.Emit(events.SourceConnections, events.KindServiceUp, map[string]any{
			"service": w.target.Service,
			"account": w.target.Account,
		})
	case err != nil && was:
		w.ready.Store(false)
		w.logger.Warn("target unreachable", "error", err)
		w.bus.Emit(events.SourceConnections, events.KindServiceDown, map[string]any{
			"service": w.target.Service,
			"account": w.target.Account,
			"error":   err.Error(),
		})
	case err != nil:
		w.logger.Debug("target still unreachable", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers and assembles the connection snapshot.
type Manager struct {
	mu       sync.RWMutex
	watchers []*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a manager. bus may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{bus: bus, logger: logger}
}

// Watch starts probing target in the background until ctx is done or
// Stop is called. Zero backoff fields take their defaults.
//
// Panics if Service is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, target Target, backoff BackoffConfig) *Watcher {
	if target.Service == "" {
		panic("connwatch: Target.Service must not be empty")
	}
	if target.Probe == nil {
		panic("connwatch: Target.Probe must not be nil")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		target:  target,
		backoff: backoff.withDefaults(),
		bus:     m.bus,
		logger:  m.logger.With("target", target.name()),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Connections returns the snapshot in registration order. A service
// watched per account is connected while any of its accounts is.
func (m *Manager) Connections() []chat.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var conns []chat.Connection
	index := map[string]int{}
	for _, w := range m.watchers {
		i, ok := index[w.target.Service]
		if !ok {
			i = len(conns)
			index[w.target.Service] = i
			conns = append(conns, chat.Connection{ID: w.target.Service})
		}
		c := &conns[i]
		ready := w.IsReady()
		if w.target.Account == "" {
			c.Connected = ready
			continue
		}
		c.Accounts = append(c.Accounts, chat.Account{ID: w.target.Account, Connected: ready})
		if ready {
			c.Connected = true
		}
	}
	return conns
}

// Status returns every target's health in registration order.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	return out
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := append([]*Watcher(nil), m.watchers...)
	m.mu.RUnlock()
	for _, w := range watchers {
		w.Stop()
	}
}
