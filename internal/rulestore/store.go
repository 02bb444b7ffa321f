// Package rulestore persists category rules as versioned YAML documents,
// one rule per file in a flat directory.
package rulestore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/rules"
)

// Store reads and writes rule documents in a directory.
type Store struct {
	dir string
}

// NewStore opens the rules directory, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create rules directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the rules directory.
func (s *Store) Dir() string {
	return s.dir
}

// FileResult is the outcome of loading one document during a scan.
type FileResult struct {
	Path    string
	Version string
	Rule    *domain.CategoryRule

	// Err is set when the document failed to load.
	Err error

	// Duplicate is set when an earlier document already claimed the name.
	Duplicate bool
}

// Scan loads every *.yaml document in name order and reports each one.
func (s *Store) Scan() ([]FileResult, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	results := make([]FileResult, 0, len(paths))
	seen := make(map[string]string)

	for _, path := range paths {
		res := FileResult{Path: path}
		rule, version, err := s.load(path)
		res.Version = version
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		res.Rule = rule
		if _, dup := seen[rule.CategoryName]; dup {
			res.Duplicate = true
		} else {
			seen[rule.CategoryName] = path
		}
		results = append(results, res)
	}

	return results, nil
}

// LoadAll returns the rules in the directory, enabled or not. Documents
// that fail to load are logged and skipped. When two documents share a
// category name the first in name order wins.
func (s *Store) LoadAll() ([]*domain.CategoryRule, error) {
	results, err := s.Scan()
	if err != nil {
		return nil, err
	}

	loaded := make([]*domain.CategoryRule, 0, len(results))
	for _, res := range results {
		switch {
		case res.Err != nil:
			slog.Error("skipping rule document",
				"path", res.Path,
				"error", res.Err,
			)
			metrics.DocumentsSkipped.WithLabelValues(skipReason(res.Err)).Inc()
		case res.Duplicate:
			slog.Warn("skipping duplicate category",
				"path", res.Path,
				"category", res.Rule.CategoryName,
			)
			metrics.DocumentsSkipped.WithLabelValues("duplicate").Inc()
		default:
			loaded = append(loaded, res.Rule)
		}
	}

	return loaded, nil
}

func skipReason(err error) string {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return "invalid"
	}
	return "unreadable"
}

// LoadOne reads, migrates and validates a single document.
func (s *Store) LoadOne(path string) (*domain.CategoryRule, error) {
	rule, _, err := s.load(path)
	return rule, err
}

func (s *Store) load(path string) (*domain.CategoryRule, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", &domain.DocumentError{Path: path, Err: err}
	}

	rule, version, err := decodeDocument(data)
	if err != nil {
		return nil, version, &domain.DocumentError{Path: path, Err: err}
	}

	if err := rules.Validate(rule); err != nil {
		return nil, version, &domain.DocumentError{Path: path, Err: err}
	}

	return rule, version, nil
}

// Save validates rule and writes it as a 2.0 document. An empty path is
// derived from the category name. The written path is returned.
func (s *Store) Save(rule *domain.CategoryRule, path string) (string, error) {
	if err := rules.Validate(rule); err != nil {
		return "", err
	}

	if path == "" {
		path = filepath.Join(s.dir, FileName(rule.CategoryName))
	}

	data, err := encodeV2(rule)
	if err != nil {
		return "", fmt.Errorf("failed to encode rule: %w", err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to write rule: %w", err)
	}

	slog.Info("saved rule", "category", rule.CategoryName, "path", path)
	return path, nil
}

// Delete removes a rule document. It reports whether a file was removed.
func (s *Store) Delete(path string) bool {
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Error("failed to delete rule document", "path", path, "error", err)
		}
		return false
	}
	slog.Info("deleted rule document", "path", path)
	return true
}

// Migrate rewrites a document in the current version. It returns false
// when the document was already current. With backup set the original is
// first copied to path + ".backup".
func (s *Store) Migrate(path string, backup bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, &domain.DocumentError{Path: path, Err: err}
	}

	version, err := documentVersion(data)
	if err != nil {
		return false, &domain.DocumentError{Path: path, Err: err}
	}
	if version == CurrentVersion {
		return false, nil
	}

	rule, _, err := s.load(path)
	if err != nil {
		return false, err
	}

	if backup {
		if err := os.WriteFile(path+".backup", data, 0o644); err != nil {
			return false, fmt.Errorf("failed to write backup: %w", err)
		}
	}

	if _, err := s.Save(rule, path); err != nil {
		return false, err
	}
	return true, nil
}

// FileName derives a document name from a category name.
func FileName(categoryName string) string {
	name := strings.ToLower(categoryName)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "/", "_")
	return name + ".yaml"
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".heron-*.tmp")
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
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
