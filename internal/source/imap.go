package source

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/mailmsg"
)

// IMAPSource reads one IMAP mailbox. Messages are fetched with BODY.PEEK
// so polling never marks mail as seen, and labels are stored as IMAP
// keywords. SourceRef holds the message UID.
type IMAPSource struct {
	cfg domain.IMAPConfig

	mu     sync.Mutex
	client *imapclient.Client
}

// NewIMAPSource creates an IMAP source. The connection is opened lazily.
func NewIMAPSource(cfg domain.IMAPConfig) *IMAPSource {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &IMAPSource{cfg: cfg}
}

// Name implements domain.Source.
func (s *IMAPSource) Name() string {
	return fmt.Sprintf("imap:%s@%s/%s", s.cfg.Username, s.cfg.Addr, s.cfg.Mailbox)
}

func (s *IMAPSource) connect() (*imapclient.Client, error) {
	if s.client != nil {
		return s.client, nil
	}

	var (
		c   *imapclient.Client
		err error
	)
	if s.cfg.TLS {
		c, err = imapclient.DialTLS(s.cfg.Addr, nil)
	} else {
		c, err = imapclient.DialInsecure(s.cfg.Addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.cfg.Addr, err)
	}

	if err := c.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to log in: %w", err)
	}

	if _, err := c.Select(s.cfg.Mailbox, nil).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to select %s: %w", s.cfg.Mailbox, err)
	}

	slog.Info("connected to IMAP server", "addr", s.cfg.Addr, "mailbox", s.cfg.Mailbox)
	s.client = c
	return c, nil
}

// reset drops a broken connection so the next call reconnects.
func (s *IMAPSource) reset() {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

var fullBody = &imap.FetchItemBodySection{Peek: true}

// FetchSince implements domain.Source. IMAP SINCE has day granularity, so
// results are filtered again on the internal date.
func (s *IMAPSource) FetchSince(ctx context.Context, since time.Time) ([]*domain.EmailMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := s.connect()
	if err != nil {
		return nil, err
	}

	found, err := c.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		s.reset()
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	uids := found.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fetched, err := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{fullBody},
	}).Collect()
	if err != nil {
		s.reset()
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}

	messages := make([]*domain.EmailMessage, 0, len(fetched))
	for _, buf := range fetched {
		if !buf.InternalDate.After(since) {
			continue
		}

		raw := buf.FindBodySection(fullBody)
		msg, err := mailmsg.Parse(bytes.NewReader(raw))
		if err != nil {
			slog.Warn("skipping unparsable message", "uid", buf.UID, "error", err)
			continue
		}

		ref := strconv.FormatUint(uint64(buf.UID), 10)
		if msg.ID == "" {
			msg.ID = "uid-" + ref
		}
		msg.SourceRef = ref
		msg.ReceivedAt = buf.InternalDate
		msg.Categories = mergeCategories(msg.Categories, FlagCategories(buf.Flags))
		messages = append(messages, msg)
	}
	return messages, nil
}

// ApplyLabel implements domain.Labeler by adding a keyword to the message.
func (s *IMAPSource) ApplyLabel(ctx context.Context, sourceRef string, label string) error {
	uid, err := strconv.ParseUint(sourceRef, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid IMAP UID %q: %w", sourceRef, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := s.connect()
	if err != nil {
		return err
	}

	err = c.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.Flag(SanitizeKeyword(label))},
	}, nil).Close()
	if err != nil {
		s.reset()
		return fmt.Errorf("failed to store keyword: %w", err)
	}
	return nil
}

// Close logs out and closes the connection.
func (s *IMAPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Logout().Wait(); err != nil {
		slog.Debug("IMAP logout failed", "error", err)
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// SanitizeKeyword turns a label into a valid IMAP keyword. Characters that
// may not appear in an atom become underscores.
func SanitizeKeyword(label string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(label) {
		if isAtomChar(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func isAtomChar(r rune) bool {
	if r <= 0x20 || r >= 0x7f {
		return false
	}
	switch r {
	case '(', ')', '{', '%', '*', '"', '\\', ']':
		return false
	}
	return true
}

// FlagCategories returns the user keywords among flags. System flags and
// $-prefixed keywords are ignored. Underscores are read back as spaces so
// a label stored with SanitizeKeyword matches its category again.
func FlagCategories(flags []imap.Flag) []string {
	var out []string
	for _, f := range flags {
		s := string(f)
		if s == "" || strings.HasPrefix(s, `\`) || strings.HasPrefix(s, "$") {
			continue
		}
		out = append(out, s)
		if spaced := strings.ReplaceAll(s, "_", " "); spaced != s {
			out = append(out, spaced)
		}
	}
	return out
}

func mergeCategories(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, c := range b {
		dup := false
		for _, existing := range out {
			if strings.EqualFold(existing, c) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}
