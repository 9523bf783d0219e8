package email

import (
	"context"

	"github.com/nugget/parley/internal/tools"
)

// ReadEmails is the tool name of the inbox reader.
const ReadEmails = "read_emails"

// Lister lists messages for a named account. *Manager implements it.
type Lister interface {
	ListMessages(ctx context.Context, account string, opts ListOptions) ([]Envelope, error)
}

// ReadArgs are the model-supplied arguments for read_emails.
type ReadArgs struct {
	AccountIDs []string `json:"accountIds,omitempty" jsonschema:"Email accounts to read. Omit to read every connected account."`
	Limit      int      `json:"limit,omitempty" jsonschema:"Maximum messages per account (default 10)."`
	UnreadOnly bool     `json:"unreadOnly,omitempty" jsonschema:"Only return unread messages."`
}

// AccountMessages is the read result for one account.
type AccountMessages struct {
	Account  string     `json:"account"`
	Messages []Envelope `json:"messages"`
	Error    string     `json:"error,omitempty"`
}

const (
	defaultReadLimit = 10
	maxReadLimit     = 50
)

// ReadTool builds the read_emails tool. It requires consent and is
// scoped to the user's connected email accounts, so by the time the
// handler runs AccountIDs only names accounts the user connected.
func ReadTool(lister Lister) (*tools.Tool, error) {
	return tools.NewTool(ReadEmails,
		"Read recent messages from the user's connected email inboxes. Returns sender, subject, date and read state for each message.",
		func(ctx context.Context, args ReadArgs, _ tools.ExecContext) (any, error) {
			limit := args.Limit
			switch {
			case limit <= 0:
				limit = defaultReadLimit
			case limit > maxReadLimit:
				limit = maxReadLimit
			}

			results := make([]AccountMessages, 0, len(args.AccountIDs))
			for _, account := range args.AccountIDs {
				res := AccountMessages{Account: account, Messages: []Envelope{}}
				msgs, err := lister.ListMessages(ctx, account, ListOptions{Limit: limit, Unseen: args.UnreadOnly})
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					res.Error = "Unable to read this account right now."
				} else if msgs != nil {
					res.Messages = msgs
				}
				results = append(results, res)
			}
			return map[string]any{"accounts": results}, nil
		},
		tools.RequiringConsent(),
		tools.WithScope(ServiceID, "accountIds"),
	)
}
