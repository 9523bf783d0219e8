// Package email reads the user's mailboxes over IMAP. It backs the
// read_emails tool, which only ever sees the accounts the user has
// connected.
package email

import (
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
)

// ServiceID is the connection ID the host uses for email.
const ServiceID = "email"

// drainLiteral reads and discards the contents of an IMAP literal reader.
// This prevents blocking the IMAP stream when a body section is fetched
// but not consumed. Nil readers are handled gracefully.
func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// Envelope is the summary of one message.
type Envelope struct {
	UID     uint32    `json:"uid"`
	Date    time.Time `json:"date"`
	From    string    `json:"from"`
	To      []string  `json:"to,omitempty"`
	Subject string    `json:"subject"`
	Unread  bool      `json:"unread"`
	Flagged bool      `json:"flagged,omitempty"`
}

// ListOptions controls a mailbox listing.
type ListOptions struct {
	// Folder is the mailbox to list from. Default: "INBOX".
	Folder string

	// Limit is the maximum number of messages to return. Default: 20.
	Limit int

	// Unseen restricts the listing to unseen messages only.
	Unseen bool
}
