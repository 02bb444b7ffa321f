package poller

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/repository"
)

const mailbox = "ops@example.com"

// stubSource serves a fixed list of messages, filtered by ReceivedAt.
type stubSource struct {
	mu       sync.Mutex
	messages []*domain.EmailMessage
	err      error
	since    []time.Time
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) FetchSince(ctx context.Context, since time.Time) ([]*domain.EmailMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = append(s.since, since)
	if s.err != nil {
		return nil, s.err
	}
	var out []*domain.EmailMessage
	for _, m := range s.messages {
		if m.ReceivedAt.After(since) {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func newRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "poller.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func ingested(t *testing.T, b domain.EventBus) <-chan domain.IngestedMessage {
	t.Helper()
	ch := make(chan domain.IngestedMessage, 10)
	_, err := b.Subscribe(context.Background(), mailbox, domain.TopicMessageIngested, func(ctx context.Context, msg *domain.Message) error {
		var in domain.IngestedMessage
		if err := json.Unmarshal(msg.Payload, &in); err != nil {
			return err
		}
		ch <- in
		return nil
	})
	require.NoError(t, err)
	return ch
}

func TestPoller_DeploymentMarker(t *testing.T) {
	ctx := context.Background()
	deployed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	src := &stubSource{messages: []*domain.EmailMessage{
		{ID: "before", Subject: "old mail", ReceivedAt: deployed.Add(-time.Hour)},
	}}
	repo := newRepo(t)
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()
	out := ingested(t, eventBus)

	p, err := New(src, repo, eventBus, Config{Mailbox: mailbox, Interval: time.Second})
	require.NoError(t, err)
	now := deployed
	p.now = func() time.Time { return now }

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "first run only stores the marker")
	assert.Empty(t, src.since, "first run does not fetch")

	cursor, ok, err := repo.GetCursor(ctx, mailbox, "stub")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, deployed.Equal(cursor))

	src.messages = append(src.messages, &domain.EmailMessage{
		ID: "after", Subject: "new mail", ReceivedAt: deployed.Add(time.Minute),
	})
	now = deployed.Add(2 * time.Minute)

	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case in := <-out:
		assert.Equal(t, "after", in.Message.ID)
		assert.Equal(t, mailbox, in.Message.Mailbox)
		assert.NotEmpty(t, in.TraceID)
	case <-time.After(time.Second):
		t.Fatal("message was not published")
	}

	stored, err := repo.GetMessage(ctx, mailbox, "after")
	require.NoError(t, err)
	assert.Equal(t, "new mail", stored.Subject)

	cursor, _, err = repo.GetCursor(ctx, mailbox, "stub")
	require.NoError(t, err)
	assert.True(t, now.Equal(cursor))

	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPoller_Backfill(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	src := &stubSource{messages: []*domain.EmailMessage{
		{Subject: "no id", ReceivedAt: now.Add(-30 * time.Minute)},
		{ID: "too-old", ReceivedAt: now.Add(-2 * time.Hour)},
	}}
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()
	out := ingested(t, eventBus)

	p, err := New(src, newRepo(t), eventBus, Config{Mailbox: mailbox, Backfill: time.Hour, RateLimit: 100})
	require.NoError(t, err)
	p.now = func() time.Time { return now }

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case in := <-out:
		assert.NotEmpty(t, in.Message.ID, "missing IDs are generated")
	case <-time.After(time.Second):
		t.Fatal("message was not published")
	}
}

func TestPoller_FetchErrorKeepsCursor(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	marker := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.SaveCursor(ctx, mailbox, "stub", marker))

	src := &stubSource{err: errors.New("connection reset")}
	p, err := New(src, repo, bus.NewChannelBus(1), Config{Mailbox: mailbox})
	require.NoError(t, err)

	_, err = p.RunOnce(ctx)
	assert.ErrorContains(t, err, "connection reset")

	cursor, _, err := repo.GetCursor(ctx, mailbox, "stub")
	require.NoError(t, err)
	assert.True(t, marker.Equal(cursor))
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	src := &stubSource{}
	p, err := New(src, newRepo(t), bus.NewChannelBus(1), Config{Mailbox: mailbox, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.since) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, nil, nil, Config{Mailbox: mailbox})
	assert.Error(t, err)

	_, err = New(&stubSource{}, newRepo(t), bus.NewChannelBus(1), Config{})
	assert.Error(t, err)
}
