package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/tools"
)

type staticProvider struct {
	content string
	err     error
}

func (p staticProvider) GetContext(context.Context, ContextInput) (string, error) {
	return p.content, p.err
}

func TestCompositeContextProvider(t *testing.T) {
	c := NewCompositeContextProvider(nil,
		staticProvider{content: "first"},
		staticProvider{err: errors.New("unavailable")},
		staticProvider{content: "  "},
		nil,
	)
	c.Add(staticProvider{content: "second\n"})

	got, err := c.GetContext(context.Background(), ContextInput{})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if got != "first\n\nsecond" {
		t.Errorf("GetContext = %q", got)
	}
}

func TestConnectionsProvider(t *testing.T) {
	tests := []struct {
		name  string
		conns []chat.Connection
		want  []string
		not   []string
	}{
		{
			name:  "none connected",
			conns: []chat.Connection{{ID: "email", Connected: false}},
			want:  []string{"has not connected any services"},
			not:   []string{"email"},
		},
		{
			name:  "accounts listed",
			conns: testConns,
			want:  []string{"- email (accounts: work, home)"},
			not:   []string{"old", "calendar"},
		},
		{
			name:  "service without accounts",
			conns: []chat.Connection{{ID: "maps", Connected: true}},
			want:  []string{"- maps\n"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConnectionsProvider{}.GetContext(context.Background(), ContextInput{Connections: tt.conns})
			if err != nil {
				t.Fatalf("GetContext: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("missing %q in %q", w, got)
				}
			}
			for _, n := range tt.not {
				if strings.Contains(got, n) {
					t.Errorf("unexpected %q in %q", n, got)
				}
			}
		})
	}
}

func TestFactsProvider(t *testing.T) {
	got, err := FactsProvider{Memory: &fakeMemory{facts: []string{"Has a cat", "Vegetarian"}}}.GetContext(context.Background(), ContextInput{})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if !strings.Contains(got, "- Has a cat\n- Vegetarian") {
		t.Errorf("GetContext = %q", got)
	}

	empty, _ := FactsProvider{Memory: &fakeMemory{}}.GetContext(context.Background(), ContextInput{})
	if empty != "" {
		t.Errorf("no facts should render nothing, got %q", empty)
	}
}

func TestConsentProvider(t *testing.T) {
	tt := &testTools{}
	got, err := ConsentProvider{Registry: tt.registry(t)}.GetContext(context.Background(), ContextInput{})
	if err != nil {
		t.Fatalf("GetContext: %v", err)
	}
	if !strings.Contains(got, "- read_emails") || !strings.Contains(got, tools.RequestConsent) {
		t.Errorf("GetContext = %q", got)
	}
	if strings.Contains(got, "- echo") {
		t.Error("tool without consent listed")
	}

	plain, err := tools.NewRegistry(nil, nil, tools.Builtins()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got, _ := (ConsentProvider{Registry: plain}).GetContext(context.Background(), ContextInput{}); got != "" {
		t.Errorf("registry without gated tools rendered %q", got)
	}
}

func TestCitations(t *testing.T) {
	if got := Citations(nil); got != nil {
		t.Errorf("Citations(nil) = %v", got)
	}
}
