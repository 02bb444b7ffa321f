// Package repository persists messages, evaluations and poll cursors.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite", "":
		cfg.Driver = "sqlite"
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireMailbox(mailbox string) error {
	if mailbox == "" {
		return fmt.Errorf("%w: mailbox is required", ErrInvalidInput)
	}
	return nil
}

// SaveMessage stores a message, replacing any earlier copy with the same ID
// in the mailbox.
func (r *SQLRepository) SaveMessage(ctx context.Context, mailbox string, msg *domain.EmailMessage) error {
	if err := requireMailbox(mailbox); err != nil {
		return err
	}
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidInput)
	}

	attachments, err := json.Marshal(nonNil(msg.AttachmentNames))
	if err != nil {
		return fmt.Errorf("failed to encode attachment names: %w", err)
	}
	categories, err := json.Marshal(nonNil(msg.Categories))
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}

	query := `
		INSERT INTO messages (
			id, mailbox, subject, body, sender_email, sender_name,
			attachment_names, categories, conversation_id, source_ref,
			received_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mailbox, id) DO UPDATE SET
			subject = excluded.subject,
			body = excluded.body,
			sender_email = excluded.sender_email,
			sender_name = excluded.sender_name,
			attachment_names = excluded.attachment_names,
			categories = excluded.categories,
			conversation_id = excluded.conversation_id,
			source_ref = excluded.source_ref,
			received_at = excluded.received_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		msg.ID, mailbox, msg.Subject, msg.Body,
		msg.SenderEmail, msg.SenderName,
		string(attachments), string(categories),
		msg.ConversationID, msg.SourceRef,
		msg.ReceivedAt.UTC(), time.Now().UTC(),
	)
	return err
}

// GetMessage retrieves a message by ID within a mailbox.
func (r *SQLRepository) GetMessage(ctx context.Context, mailbox string, messageID string) (*domain.EmailMessage, error) {
	if err := requireMailbox(mailbox); err != nil {
		return nil, err
	}

	query := `
		SELECT id, mailbox, subject, body, sender_email, sender_name,
			   attachment_names, categories, conversation_id, source_ref, received_at
		FROM messages
		WHERE mailbox = ? AND id = ?
	`

	var msg domain.EmailMessage
	var attachments, categories string
	var conversationID, sourceRef sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), mailbox, messageID).Scan(
		&msg.ID, &msg.Mailbox, &msg.Subject, &msg.Body,
		&msg.SenderEmail, &msg.SenderName,
		&attachments, &categories,
		&conversationID, &sourceRef, &msg.ReceivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msg.ConversationID = conversationID.String
	msg.SourceRef = sourceRef.String
	if err := json.Unmarshal([]byte(attachments), &msg.AttachmentNames); err != nil {
		return nil, fmt.Errorf("failed to decode attachment names: %w", err)
	}
	if err := json.Unmarshal([]byte(categories), &msg.Categories); err != nil {
		return nil, fmt.Errorf("failed to decode categories: %w", err)
	}

	return &msg, nil
}

// SaveEvaluation stores an evaluation result.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, mailbox string, eval *domain.Evaluation) error {
	if err := requireMailbox(mailbox); err != nil {
		return err
	}
	if eval == nil || eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	results, err := json.Marshal(eval.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	applied, _ := json.Marshal(nonNil(eval.Applied))
	suppressed, _ := json.Marshal(eval.Suppressed)
	metadata, _ := json.Marshal(eval.Metadata)

	dryRun := 0
	if eval.DryRun {
		dryRun = 1
	}

	query := `
		INSERT INTO evaluations (
			id, mailbox, message_id, subject, timestamp,
			results, applied, suppressed, dry_run, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, mailbox, eval.MessageID, eval.Subject, eval.Timestamp.UTC(),
		string(results), string(applied), string(suppressed), dryRun, string(metadata),
	)
	return err
}

const evaluationColumns = `
	id, mailbox, message_id, subject, timestamp,
	results, applied, suppressed, dry_run, metadata
`

// GetEvaluation retrieves an evaluation by ID within a mailbox.
func (r *SQLRepository) GetEvaluation(ctx context.Context, mailbox string, evalID string) (*domain.Evaluation, error) {
	if err := requireMailbox(mailbox); err != nil {
		return nil, err
	}

	query := `SELECT ` + evaluationColumns + ` FROM evaluations WHERE mailbox = ? AND id = ?`
	return r.scanEvaluation(r.db.QueryRowContext(ctx, r.rebind(query), mailbox, evalID))
}

// LatestEvaluation returns the most recent evaluation of a message.
func (r *SQLRepository) LatestEvaluation(ctx context.Context, mailbox string, messageID string) (*domain.Evaluation, error) {
	if err := requireMailbox(mailbox); err != nil {
		return nil, err
	}

	query := `SELECT ` + evaluationColumns + `
		FROM evaluations
		WHERE mailbox = ? AND message_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`
	return r.scanEvaluation(r.db.QueryRowContext(ctx, r.rebind(query), mailbox, messageID))
}

func (r *SQLRepository) scanEvaluation(row *sql.Row) (*domain.Evaluation, error) {
	var eval domain.Evaluation
	var results, applied, metadata string
	var suppressed sql.NullString
	var dryRun int

	err := row.Scan(
		&eval.ID, &eval.Mailbox, &eval.MessageID, &eval.Subject, &eval.Timestamp,
		&results, &applied, &suppressed, &dryRun, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	eval.DryRun = dryRun == 1
	if err := json.Unmarshal([]byte(results), &eval.Results); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	if err := json.Unmarshal([]byte(applied), &eval.Applied); err != nil {
		return nil, fmt.Errorf("failed to decode applied labels: %w", err)
	}
	if suppressed.Valid && suppressed.String != "" {
		if err := json.Unmarshal([]byte(suppressed.String), &eval.Suppressed); err != nil {
			return nil, fmt.Errorf("failed to decode suppressed labels: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(metadata), &eval.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return &eval, nil
}

// GetCursor returns the poll position for a source. The bool is false when
// no cursor has been stored yet.
func (r *SQLRepository) GetCursor(ctx context.Context, mailbox string, source string) (time.Time, bool, error) {
	if err := requireMailbox(mailbox); err != nil {
		return time.Time{}, false, err
	}

	query := `SELECT position FROM poll_cursors WHERE mailbox = ? AND source = ?`

	var position time.Time
	err := r.db.QueryRowContext(ctx, r.rebind(query), mailbox, source).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return position.UTC(), true, nil
}

// SaveCursor stores the poll position for a source.
func (r *SQLRepository) SaveCursor(ctx context.Context, mailbox string, source string, at time.Time) error {
	if err := requireMailbox(mailbox); err != nil {
		return err
	}
	if source == "" {
		return fmt.Errorf("%w: source is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO poll_cursors (mailbox, source, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mailbox, source) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), mailbox, source, at.UTC(), time.Now().UTC())
	return err
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
