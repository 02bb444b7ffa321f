package repository

// Schema definitions for the Heron database.
// Compatible with both SQLite and PostgreSQL.

const schemaMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT NOT NULL,
    mailbox TEXT NOT NULL,
    subject TEXT NOT NULL,
    body TEXT NOT NULL,
    sender_email TEXT NOT NULL,
    sender_name TEXT NOT NULL,
    attachment_names TEXT NOT NULL,
    categories TEXT NOT NULL,
    conversation_id TEXT,
    source_ref TEXT,
    received_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (mailbox, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(mailbox, received_at);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(mailbox, conversation_id);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    mailbox TEXT NOT NULL,
    message_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    results TEXT NOT NULL,
    applied TEXT NOT NULL,
    suppressed TEXT,
    dry_run INTEGER NOT NULL DEFAULT 1,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_mailbox ON evaluations(mailbox);
CREATE INDEX IF NOT EXISTS idx_evaluations_message ON evaluations(mailbox, message_id, timestamp);
`

// schemaPollCursors holds one row per (mailbox, source). The first row
// written for a source is the deployment marker.
const schemaPollCursors = `
CREATE TABLE IF NOT EXISTS poll_cursors (
    mailbox TEXT NOT NULL,
    source TEXT NOT NULL,
    position TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (mailbox, source)
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaMessages,
		schemaEvaluations,
		schemaPollCursors,
	}
}
