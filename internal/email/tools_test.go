package email

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/tools"
)

type fakeLister struct {
	messages map[string][]Envelope
	fail     map[string]bool
	calls    []string
	opts     []ListOptions
}

func (f *fakeLister) ListMessages(_ context.Context, account string, opts ListOptions) ([]Envelope, error) {
	f.calls = append(f.calls, account)
	f.opts = append(f.opts, opts)
	if f.fail[account] {
		return nil, errors.New("dial imap.example.com: password rejected for s3cret")
	}
	return f.messages[account], nil
}

var toolConns = []chat.Connection{{
	ID:        ServiceID,
	Connected: true,
	Accounts: []chat.Account{
		{ID: "work", Connected: true},
		{ID: "home", Connected: true},
		{ID: "old", Connected: false},
	},
}}

func newReadRegistry(t *testing.T, l Lister) *tools.Registry {
	t.Helper()
	tool, err := ReadTool(l)
	if err != nil {
		t.Fatalf("ReadTool: %v", err)
	}
	if !tool.RequiresConsent {
		t.Error("read_emails must require consent")
	}
	reg, err := tools.NewRegistry(nil, nil, tool)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func accountsOf(t *testing.T, env tools.Envelope) []AccountMessages {
	t.Helper()
	if !env.OK() {
		t.Fatalf("envelope error: %s", env.Error)
	}
	m, ok := env.Result.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", env.Result)
	}
	accts, ok := m["accounts"].([]AccountMessages)
	if !ok {
		t.Fatalf("accounts type %T", m["accounts"])
	}
	return accts
}

func TestReadTool_Scope(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want []string
	}{
		{name: "empty means all connected", args: map[string]any{}, want: []string{"work", "home"}},
		{name: "intersection", args: map[string]any{"accountIds": []any{"home", "old", "stranger"}}, want: []string{"home"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeLister{}
			reg := newReadRegistry(t, l)
			env := reg.Execute(context.Background(), ReadEmails, tt.args, tools.ExecContext{Connections: toolConns})
			accountsOf(t, env)
			if !slices.Equal(l.calls, tt.want) {
				t.Errorf("listed %v, want %v", l.calls, tt.want)
			}
		})
	}
}

func TestReadTool_NoConnectedAccounts(t *testing.T) {
	l := &fakeLister{}
	reg := newReadRegistry(t, l)
	env := reg.Execute(context.Background(), ReadEmails, map[string]any{"accountIds": []any{"old"}}, tools.ExecContext{Connections: toolConns})
	if env.OK() {
		t.Fatal("expected error envelope")
	}
	if len(l.calls) != 0 {
		t.Errorf("lister called for %v", l.calls)
	}
}

func TestReadTool_Results(t *testing.T) {
	when := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l := &fakeLister{
		messages: map[string][]Envelope{
			"work": {{UID: 7, Date: when, From: "Ana <ana@example.com>", Subject: "Standup", Unread: true}},
		},
		fail: map[string]bool{"home": true},
	}
	reg := newReadRegistry(t, l)
	env := reg.Execute(context.Background(), ReadEmails,
		map[string]any{"limit": 500, "unreadOnly": true},
		tools.ExecContext{Connections: toolConns})

	accts := accountsOf(t, env)
	if len(accts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(accts))
	}
	if accts[0].Account != "work" || len(accts[0].Messages) != 1 || accts[0].Messages[0].Subject != "Standup" {
		t.Errorf("work = %+v", accts[0])
	}
	if accts[1].Error == "" || accts[1].Messages == nil {
		t.Errorf("home = %+v, want error with empty message list", accts[1])
	}
	if strings.Contains(accts[1].Error, "s3cret") {
		t.Error("account error leaked internal detail")
	}
	for _, o := range l.opts {
		if o.Limit != maxReadLimit || !o.Unseen {
			t.Errorf("opts = %+v, want limit %d unseen", o, maxReadLimit)
		}
	}
}

func TestFlagState(t *testing.T) {
	tests := []struct {
		flags         []imap.Flag
		unread, flagd bool
	}{
		{flags: nil, unread: true},
		{flags: []imap.Flag{imap.FlagSeen}, unread: false},
		{flags: []imap.Flag{imap.FlagFlagged}, unread: true, flagd: true},
		{flags: []imap.Flag{imap.FlagSeen, imap.FlagFlagged, imap.FlagAnswered}, flagd: true},
	}
	for _, tt := range tests {
		u, f := flagState(tt.flags)
		if u != tt.unread || f != tt.flagd {
			t.Errorf("flagState(%v) = %v, %v; want %v, %v", tt.flags, u, f, tt.unread, tt.flagd)
		}
	}
}

func TestFormatAddress(t *testing.T) {
	tests := []struct {
		addr imap.Address
		want string
	}{
		{addr: imap.Address{Mailbox: "ana", Host: "example.com"}, want: "ana@example.com"},
		{addr: imap.Address{Name: "Ana", Mailbox: "ana", Host: "example.com"}, want: "Ana <ana@example.com>"},
	}
	for _, tt := range tests {
		if got := formatAddress(tt.addr); got != tt.want {
			t.Errorf("formatAddress = %q, want %q", got, tt.want)
		}
	}
}
