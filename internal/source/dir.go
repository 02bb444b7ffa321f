// Package source provides the mail sources the poller reads from and the
// labelers that write categories back.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/mailmsg"
)

// DirSource reads .eml files from a directory. A message counts as
// received when its file was last modified. Labels are written into the
// file's Keywords header.
type DirSource struct {
	dir string
}

// NewDirSource creates a source over an existing directory.
func NewDirSource(dir string) (*DirSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open mail directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mail directory %s is not a directory", dir)
	}
	return &DirSource{dir: dir}, nil
}

// Name implements domain.Source.
func (s *DirSource) Name() string {
	return "dir:" + s.dir
}

type dirEntry struct {
	path    string
	modTime time.Time
}

// FetchSince returns the messages whose files changed after since, oldest
// first. Files that fail to parse are logged and skipped.
func (s *DirSource) FetchSince(ctx context.Context, since time.Time) ([]*domain.EmailMessage, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.eml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list mail directory: %w", err)
	}

	var entries []dirEntry
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(since) {
			entries = append(entries, dirEntry{path: path, modTime: info.ModTime()})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	messages := make([]*domain.EmailMessage, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return messages, err
		}

		msg, err := s.read(e)
		if err != nil {
			slog.Warn("skipping unreadable message", "path", e.path, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *DirSource) read(e dirEntry) (*domain.EmailMessage, error) {
	f, err := os.Open(e.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	msg, err := mailmsg.Parse(f)
	if err != nil {
		return nil, err
	}

	if msg.ID == "" {
		msg.ID = strings.TrimSuffix(filepath.Base(e.path), filepath.Ext(e.path))
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = e.modTime
	}
	msg.SourceRef = e.path
	return msg, nil
}

// ApplyLabel implements domain.Labeler. sourceRef is the message path and
// must lie inside the source directory.
func (s *DirSource) ApplyLabel(_ context.Context, sourceRef string, label string) error {
	path, err := s.resolve(sourceRef)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	updated, changed, err := mailmsg.AddKeyword(raw, label)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err := writeFileAtomic(path, updated); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *DirSource) resolve(sourceRef string) (string, error) {
	path := sourceRef
	if !filepath.IsAbs(path) && filepath.Dir(path) == "." {
		path = filepath.Join(s.dir, path)
	}
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.Dir(rel) != "." {
		return "", fmt.Errorf("message %q is outside %s", sourceRef, s.dir)
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".heron-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
