package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/parley/internal/chat"
)

// Manager holds the configured IMAP accounts by name and routes
// requests to the right one.
type Manager struct {
	clients map[string]*Client
	order   []string
	logger  *slog.Logger
}

// NewManager creates a manager from the email configuration. Each
// account gets a lazily-connected Client.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		clients: make(map[string]*Client, len(cfg.Accounts)),
		logger:  logger,
	}
	for _, acct := range cfg.Accounts {
		m.clients[acct.Name] = NewClient(acct.IMAP, logger.With("email_account", acct.Name))
		m.order = append(m.order, acct.Name)
	}
	return m
}

// Account returns the named client.
func (m *Manager) Account(name string) (*Client, error) {
	client, ok := m.clients[name]
	if !ok {
		return nil, fmt.Errorf("email account %q not found", name)
	}
	return client, nil
}

// AccountNames returns the configured account names in config order.
func (m *Manager) AccountNames() []string {
	return append([]string(nil), m.order...)
}

// ListMessages lists recent messages for one account.
func (m *Manager) ListMessages(ctx context.Context, account string, opts ListOptions) ([]Envelope, error) {
	client, err := m.Account(account)
	if err != nil {
		return nil, err
	}
	return client.ListMessages(ctx, opts)
}

// Connection reports the email service as the host sees it. Every
// configured account counts as connected; reachability is checked
// lazily on first use.
func (m *Manager) Connection() chat.Connection {
	conn := chat.Connection{ID: ServiceID, Connected: len(m.order) > 0}
	for _, name := range m.order {
		conn.Accounts = append(conn.Accounts, chat.Account{ID: name, Connected: true})
	}
	return conn
}

// Close closes all client connections.
func (m *Manager) Close() {
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("error closing email client", "account", name, "error", err)
		}
	}
}
