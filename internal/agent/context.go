package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/prompts"
	"github.com/nugget/parley/internal/tools"
)

// ContextInput is the per-turn state a context provider may draw on.
type ContextInput struct {
	Prompt      string
	Connections []chat.Connection
}

// ContextProvider contributes one section of the system instruction.
// An empty string contributes nothing.
type ContextProvider interface {
	GetContext(ctx context.Context, in ContextInput) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is separated by a blank line.
type CompositeContextProvider struct {
	providers []ContextProvider
	logger    *slog.Logger
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(logger *slog.Logger, providers ...ContextProvider) *CompositeContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CompositeContextProvider{logger: logger}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is logged and skipped so one bad source never blocks a turn.
func (c *CompositeContextProvider) GetContext(ctx context.Context, in ContextInput) (string, error) {
	var parts []string

	for _, p := range c.providers {
		content, err := p.GetContext(ctx, in)
		if err != nil {
			c.logger.Warn("context provider failed", "provider", fmt.Sprintf("%T", p), "error", err)
			continue
		}
		if content = strings.TrimSpace(content); content != "" {
			parts = append(parts, content)
		}
	}

	return strings.Join(parts, "\n\n"), nil
}

// ConnectionsProvider describes which services and accounts the user
// has connected.
type ConnectionsProvider struct{}

// GetContext lists connected services with their connected accounts.
func (ConnectionsProvider) GetContext(_ context.Context, in ContextInput) (string, error) {
	var sb strings.Builder
	for _, c := range in.Connections {
		if !c.Connected {
			continue
		}
		sb.WriteString("- " + c.ID)
		if ids := chat.ConnectedAccounts(in.Connections, c.ID); len(ids) > 0 {
			sb.WriteString(" (accounts: " + strings.Join(ids, ", ") + ")")
		}
		sb.WriteByte('\n')
	}
	if sb.Len() == 0 {
		return "## Connected services\nThe user has not connected any services.", nil
	}
	return "## Connected services\n" + sb.String(), nil
}

// FactsProvider lists what has been learned about the user.
type FactsProvider struct {
	Memory MemoryStore
}

// GetContext renders every stored fact as a bullet.
func (p FactsProvider) GetContext(ctx context.Context, _ ContextInput) (string, error) {
	if p.Memory == nil {
		return "", nil
	}
	facts, err := p.Memory.Facts(ctx)
	if err != nil {
		return "", fmt.Errorf("load facts: %w", err)
	}
	if len(facts) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("## What you know about the user\n")
	for _, f := range facts {
		sb.WriteString("- " + f + "\n")
	}
	return sb.String(), nil
}

// ConsentProvider lists the tools that must go through the consent
// gate.
type ConsentProvider struct {
	Registry *tools.Registry
}

// GetContext renders the consent instructions and gated tool list.
func (p ConsentProvider) GetContext(_ context.Context, _ ContextInput) (string, error) {
	if p.Registry == nil {
		return "", nil
	}
	gated := p.Registry.ConsentRequired()
	if len(gated) == 0 {
		return "", nil
	}
	var sb strings.Builder
	sb.WriteString("## Tools that need permission\n")
	sb.WriteString(prompts.ConsentInstructions(tools.RequestConsent))
	sb.WriteString("\n\n")
	for _, t := range gated {
		sb.WriteString("- " + t.Name + "\n")
	}
	return sb.String(), nil
}
