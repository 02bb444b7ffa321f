package domain

import (
	"strings"
	"time"
)

// EmailMessage is a message as supplied by a mail source. Scoring never
// mutates it.
type EmailMessage struct {
	ID      string `json:"id"`
	Mailbox string `json:"mailbox,omitempty"`

	Subject     string `json:"subject"`
	Body        string `json:"body"`
	SenderEmail string `json:"senderEmail"`
	SenderName  string `json:"senderName"`

	AttachmentNames []string `json:"attachmentNames,omitempty"`

	// Categories are the labels already assigned to the message.
	Categories []string `json:"categories,omitempty"`

	ConversationID string    `json:"conversationId,omitempty"`
	ReceivedAt     time.Time `json:"receivedAt"`

	// SourceRef lets the originating source find the message again
	// (a file path or an IMAP UID).
	SourceRef string `json:"sourceRef,omitempty"`
}

// HasCategory reports whether label is already assigned.
func (m *EmailMessage) HasCategory(label string) bool {
	for _, c := range m.Categories {
		if strings.EqualFold(c, label) {
			return true
		}
	}
	return false
}
