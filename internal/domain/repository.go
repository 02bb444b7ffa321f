// Package domain defines the core types and collaborator interfaces for Heron.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require a mailbox for strict isolation between mailboxes.
type Repository interface {
	// Message operations
	SaveMessage(ctx context.Context, mailbox string, msg *EmailMessage) error
	GetMessage(ctx context.Context, mailbox string, messageID string) (*EmailMessage, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, mailbox string, eval *Evaluation) error
	GetEvaluation(ctx context.Context, mailbox string, evalID string) (*Evaluation, error)
	LatestEvaluation(ctx context.Context, mailbox string, messageID string) (*Evaluation, error)

	// Poll cursors. The first cursor stored for a source marks the
	// deployment time; older mail is never processed.
	GetCursor(ctx context.Context, mailbox string, source string) (time.Time, bool, error)
	SaveCursor(ctx context.Context, mailbox string, source string, at time.Time) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
