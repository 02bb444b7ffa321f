package domain

import (
	"context"
	"time"
)

// Source supplies messages from a mail store.
type Source interface {
	// Name identifies the source for cursors and logs.
	Name() string

	// FetchSince returns messages received after since.
	FetchSince(ctx context.Context, since time.Time) ([]*EmailMessage, error)
}

// Labeler assigns a category label to a message in its source.
type Labeler interface {
	ApplyLabel(ctx context.Context, sourceRef string, label string) error
}

// SourceConfig selects and configures the mail source.
type SourceConfig struct {
	// Type is "none", "dir" or "imap".
	Type string

	// Dir is the directory of .eml files for the "dir" source.
	Dir string

	IMAP IMAPConfig
}

// IMAPConfig holds IMAP connection settings.
type IMAPConfig struct {
	Addr     string
	Username string
	Password string
	Mailbox  string
	TLS      bool
}
