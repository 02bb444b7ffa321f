package rulestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
)

func sampleRule(name string) *domain.CategoryRule {
	rule := domain.NewCategoryRule(name, name)
	rule.StrongSignals = []domain.Signal{{
		Pattern: "keyword", Weight: 50, Location: domain.LocationAnywhere,
		PatternType: domain.PatternSubstring, Tier: domain.TierStrong, Enabled: true,
	}}
	return rule
}

func TestService(t *testing.T) {
	store := newStore(t)

	var reloads int
	var last []*domain.CategoryRule
	svc := NewService(store, func(rules []*domain.CategoryRule) {
		reloads++
		last = rules
	})

	path, err := svc.Create(sampleRule("Invoices"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Dir(), "invoices.yaml"), path)
	assert.Equal(t, 1, reloads)
	require.Len(t, last, 1)

	t.Run("create existing", func(t *testing.T) {
		_, err := svc.Create(sampleRule("Invoices"))
		assert.True(t, errors.Is(err, ErrCategoryExists))
	})

	t.Run("get", func(t *testing.T) {
		rule, err := svc.Get("Invoices")
		require.NoError(t, err)
		assert.Equal(t, "Invoices", rule.OutlookCategory)

		_, err = svc.Get("Missing")
		assert.True(t, errors.Is(err, ErrCategoryNotFound))
	})

	t.Run("update keeps the document path", func(t *testing.T) {
		updated := sampleRule("Invoices")
		updated.Threshold = 70
		require.NoError(t, svc.Update("Invoices", updated))

		rule, err := store.LoadOne(path)
		require.NoError(t, err)
		assert.Equal(t, 70, rule.Threshold)
	})

	t.Run("update onto another name", func(t *testing.T) {
		_, err := svc.Create(sampleRule("Bids"))
		require.NoError(t, err)

		err = svc.Update("Bids", sampleRule("Invoices"))
		assert.True(t, errors.Is(err, ErrCategoryExists))
	})

	t.Run("disable and enable", func(t *testing.T) {
		require.NoError(t, svc.SetEnabled("Invoices", false))
		rule, err := svc.Get("Invoices")
		require.NoError(t, err)
		assert.False(t, rule.Enabled)

		require.NoError(t, svc.SetEnabled("Invoices", true))
		rule, err = svc.Get("Invoices")
		require.NoError(t, err)
		assert.True(t, rule.Enabled)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, svc.Delete("Bids"))
		_, err := os.Stat(filepath.Join(store.Dir(), "bids.yaml"))
		assert.True(t, os.IsNotExist(err))
		assert.True(t, errors.Is(svc.Delete("Bids"), ErrCategoryNotFound))
	})

	t.Run("list", func(t *testing.T) {
		rules, err := svc.List()
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, "Invoices", rules[0].CategoryName)
	})
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()

	var calls atomic.Int32
	w, err := NewWatcher(dir, 20*time.Millisecond, func() { calls.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "rule.yaml"), []byte(v2Doc), 0o644))
	}

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
