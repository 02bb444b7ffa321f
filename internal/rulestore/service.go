package rulestore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
)

var (
	// ErrCategoryExists is returned when creating a category whose name is taken.
	ErrCategoryExists = errors.New("category already exists")

	// ErrCategoryNotFound is returned when no document holds the category.
	ErrCategoryNotFound = errors.New("category not found")
)

// Service manages categories by name on top of a Store. Every change
// triggers the reload callback with the full rule set.
type Service struct {
	mu       sync.Mutex
	store    *Store
	onChange func([]*domain.CategoryRule)
}

// NewService creates a category service. onChange may be nil.
func NewService(store *Store, onChange func([]*domain.CategoryRule)) *Service {
	return &Service{store: store, onChange: onChange}
}

// Store returns the underlying document store.
func (s *Service) Store() *Store {
	return s.store
}

// List returns every loadable category.
func (s *Service) List() ([]*domain.CategoryRule, error) {
	return s.store.LoadAll()
}

// Get returns a category by name.
func (s *Service) Get(name string) (*domain.CategoryRule, error) {
	res, err := s.find(name)
	if err != nil {
		return nil, err
	}
	return res.Rule, nil
}

// Create stores a new category.
func (s *Service) Create(rule *domain.CategoryRule) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.find(rule.CategoryName); err == nil {
		return "", fmt.Errorf("%w: %s", ErrCategoryExists, rule.CategoryName)
	} else if !errors.Is(err, ErrCategoryNotFound) {
		return "", err
	}

	path := filepath.Join(s.store.Dir(), FileName(rule.CategoryName))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s is taken", ErrCategoryExists, filepath.Base(path))
	}

	path, err := s.store.Save(rule, path)
	if err != nil {
		return "", err
	}
	s.reload()
	return path, nil
}

// Update replaces the category called name, keeping its document path.
// Renaming onto another existing category fails with ErrCategoryExists.
func (s *Service) Update(name string, rule *domain.CategoryRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.find(name)
	if err != nil {
		return err
	}

	if rule.CategoryName != name {
		if _, err := s.find(rule.CategoryName); err == nil {
			return fmt.Errorf("%w: %s", ErrCategoryExists, rule.CategoryName)
		}
	}

	if _, err := s.store.Save(rule, current.Path); err != nil {
		return err
	}
	s.reload()
	return nil
}

// Delete removes the category's document.
func (s *Service) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.find(name)
	if err != nil {
		return err
	}
	if !s.store.Delete(current.Path) {
		return fmt.Errorf("failed to delete %s", current.Path)
	}
	s.reload()
	return nil
}

// SetEnabled toggles a category without changing anything else.
func (s *Service) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.find(name)
	if err != nil {
		return err
	}
	if current.Rule.Enabled == enabled {
		return nil
	}

	rule := current.Rule.Clone()
	rule.Enabled = enabled
	if _, err := s.store.Save(rule, current.Path); err != nil {
		return err
	}
	s.reload()
	return nil
}

// Reload pushes the current rule set to the change callback.
func (s *Service) Reload() ([]*domain.CategoryRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded, err := s.store.LoadAll()
	if err != nil {
		metrics.RuleReloads.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.RuleReloads.WithLabelValues("ok").Inc()
	if s.onChange != nil {
		s.onChange(loaded)
	}
	return loaded, nil
}

func (s *Service) reload() {
	if s.onChange == nil {
		return
	}
	loaded, err := s.store.LoadAll()
	if err != nil {
		metrics.RuleReloads.WithLabelValues("error").Inc()
		slog.Error("failed to reload rules after change", "error", err)
		return
	}
	metrics.RuleReloads.WithLabelValues("ok").Inc()
	s.onChange(loaded)
}

// find locates the first loadable, non-duplicate document for name.
func (s *Service) find(name string) (*FileResult, error) {
	results, err := s.store.Scan()
	if err != nil {
		return nil, err
	}
	for i := range results {
		res := &results[i]
		if res.Err == nil && !res.Duplicate && res.Rule.CategoryName == name {
			return res, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCategoryNotFound, name)
}
