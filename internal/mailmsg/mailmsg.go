// Package mailmsg converts RFC 5322 messages into domain.EmailMessage values
// and rewrites their Keywords header.
package mailmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"

	"github.com/opensource-finance/heron/internal/domain"
)

// KeywordsHeader carries the labels assigned to a message on disk.
const KeywordsHeader = "Keywords"

// Parse reads a message and extracts the fields scoring needs. The body
// is the longer of the plain-text part and the HTML part reduced to text.
func Parse(r io.Reader) (*domain.EmailMessage, error) {
	entity, err := message.Read(r)
	if message.IsUnknownCharset(err) {
		slog.Debug("unknown charset in message header", "error", err)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	header := mail.Header{Header: entity.Header}
	msg := &domain.EmailMessage{}

	msg.ID, _ = header.MessageID()
	msg.Subject, _ = header.Subject()
	msg.ReceivedAt, _ = header.Date()

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.SenderEmail = from[0].Address
		msg.SenderName = from[0].Name
	} else {
		msg.SenderEmail = strings.TrimSpace(header.Get("From"))
	}

	msg.Categories = keywords(header)
	msg.ConversationID = conversationID(header, msg.ID)

	var plain, html strings.Builder
	err = entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) {
				slog.Debug("unknown charset in message part", "error", err)
			} else {
				return err
			}
		}

		mediaType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}

		if name, ok := attachmentName(part); ok {
			msg.AttachmentNames = append(msg.AttachmentNames, name)
			return nil
		}

		switch mediaType {
		case "text/plain", "":
			return appendBody(&plain, part.Body)
		case "text/html":
			return appendBody(&html, part.Body)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk message: %w", err)
	}

	msg.Body = chooseBody(plain.String(), html.String())
	return msg, nil
}

// ParseBytes is Parse over an in-memory message.
func ParseBytes(raw []byte) (*domain.EmailMessage, error) {
	return Parse(bytes.NewReader(raw))
}

// chooseBody prefers whichever representation carries more text.
func chooseBody(plain, html string) string {
	plain = strings.TrimSpace(plain)
	if html == "" {
		return plain
	}
	text := strings.TrimSpace(html2text.HTML2Text(html))
	if len(plain) >= len(text) {
		return plain
	}
	return text
}

func appendBody(b *strings.Builder, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.Write(data)
	return nil
}

// attachmentName returns the file name of an attachment part. Inline
// parts with a file name count as attachments too.
func attachmentName(part *message.Entity) (string, bool) {
	disposition, _, _ := part.Header.ContentDisposition()
	ah := mail.AttachmentHeader{Header: part.Header}
	name, _ := ah.Filename()
	if name == "" {
		_, params, _ := part.Header.ContentType()
		name = params["name"]
	}
	if name != "" {
		return name, true
	}
	if disposition == "attachment" {
		return "unnamed", true
	}
	return "", false
}

func keywords(header mail.Header) []string {
	raw, err := header.Text(KeywordsHeader)
	if err != nil {
		raw = header.Get(KeywordsHeader)
	}
	return SplitKeywords(raw)
}

// SplitKeywords splits a comma-separated Keywords value.
func SplitKeywords(raw string) []string {
	var out []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func conversationID(header mail.Header, messageID string) string {
	if refs, err := header.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if reply, err := header.MsgIDList("In-Reply-To"); err == nil && len(reply) > 0 {
		return reply[0]
	}
	return messageID
}

// AddKeyword returns raw with label appended to its Keywords header. The
// body is copied unchanged. It reports false when the label was present.
func AddKeyword(raw []byte, label string) ([]byte, bool, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read header: %w", err)
	}

	current := SplitKeywords(h.Get(KeywordsHeader))
	for _, k := range current {
		if strings.EqualFold(k, label) {
			return raw, false, nil
		}
	}

	out, err := SetKeywords(h, br, append(current, label))
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// SetKeywords writes header with its Keywords replaced by labels, followed
// by the remaining body.
func SetKeywords(h textproto.Header, body io.Reader, labels []string) ([]byte, error) {
	if len(labels) == 0 {
		h.Del(KeywordsHeader)
	} else {
		h.Set(KeywordsHeader, strings.Join(labels, ", "))
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, fmt.Errorf("failed to copy body: %w", err)
	}
	return buf.Bytes(), nil
}
