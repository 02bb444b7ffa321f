package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/triage"
)

const mailbox = "ops@example.com"

type mockLabeler struct {
	mock.Mock
}

func (m *mockLabeler) ApplyLabel(ctx context.Context, sourceRef string, label string) error {
	args := m.Called(ctx, sourceRef, label)
	return args.Error(0)
}

func invoiceRule() *domain.CategoryRule {
	rule := domain.NewCategoryRule("Invoices", "Finance")
	rule.StrongSignals = []domain.Signal{{
		Pattern:     "invoice",
		Weight:      60,
		Location:    domain.LocationAnywhere,
		PatternType: domain.PatternSubstring,
		Tier:        domain.TierStrong,
		Enabled:     true,
	}}
	return rule
}

func newTestEngine() *rules.Engine {
	engine := rules.NewEngine(nil, 2)
	engine.ReloadRules([]*domain.CategoryRule{invoiceRule()})
	return engine
}

func invoiceMessage(id string) *domain.EmailMessage {
	return &domain.EmailMessage{
		ID:        id,
		Mailbox:   mailbox,
		Subject:   "Invoice for March",
		Body:      "Amount due on receipt.",
		SourceRef: id + ".eml",
	}
}

func collect[T any](t *testing.T, b domain.EventBus, topic string) <-chan T {
	t.Helper()
	ch := make(chan T, 10)
	_, err := b.Subscribe(context.Background(), mailbox, topic, func(ctx context.Context, msg *domain.Message) error {
		var v T
		if err := json.Unmarshal(msg.Payload, &v); err != nil {
			return err
		}
		ch <- v
		return nil
	})
	require.NoError(t, err)
	return ch
}

func TestWorker_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("scores, caches and publishes", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()
		c := cache.NewLRUCache(100)

		scored := collect[domain.Evaluation](t, eventBus, domain.TopicMessageScored)
		labels := collect[domain.LabelRequest](t, eventBus, domain.TopicLabelApply)

		w := NewWorker(eventBus, nil, c, newTestEngine(), triage.NewProcessor(false), nil)

		eval, err := w.Process(ctx, "trace-1", invoiceMessage("m-1"))
		require.NoError(t, err)
		require.NotNil(t, eval)
		assert.Equal(t, []string{"Finance"}, eval.Applied)
		assert.Equal(t, "trace-1", eval.Metadata.TraceID)

		ptr, err := c.Get(ctx, mailbox, EvaluationKeyPrefix+"m-1")
		require.NoError(t, err)
		assert.Equal(t, eval.ID, string(ptr))

		select {
		case got := <-scored:
			assert.Equal(t, eval.ID, got.ID)
		case <-time.After(time.Second):
			t.Fatal("no scored event")
		}

		select {
		case req := <-labels:
			assert.Equal(t, "Finance", req.Label)
			assert.Equal(t, "m-1.eml", req.SourceRef)
			assert.Equal(t, eval.ID, req.EvaluationID)
		case <-time.After(time.Second):
			t.Fatal("no label request")
		}
	})

	t.Run("duplicate delivery is skipped", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		w := NewWorker(eventBus, nil, cache.NewLRUCache(100), newTestEngine(), triage.NewProcessor(true), nil)

		first, err := w.Process(ctx, "t", invoiceMessage("m-dup"))
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := w.Process(ctx, "t", invoiceMessage("m-dup"))
		require.NoError(t, err)
		assert.Nil(t, second)

		require.NoError(t, w.ReleaseClaim(ctx, mailbox, "m-dup"))
		third, err := w.Process(ctx, "t", invoiceMessage("m-dup"))
		require.NoError(t, err)
		assert.NotNil(t, third)
	})

	t.Run("dry run publishes no label requests", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()
		labels := collect[domain.LabelRequest](t, eventBus, domain.TopicLabelApply)

		w := NewWorker(eventBus, nil, nil, newTestEngine(), triage.NewProcessor(true), nil)

		eval, err := w.Process(ctx, "t", invoiceMessage("m-dry"))
		require.NoError(t, err)
		assert.True(t, eval.DryRun)
		assert.Equal(t, []string{"Finance"}, eval.Applied)

		select {
		case <-labels:
			t.Fatal("unexpected label request in dry run")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("already labelled message is suppressed", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		w := NewWorker(eventBus, nil, nil, newTestEngine(), triage.NewProcessor(false), nil)

		msg := invoiceMessage("m-labelled")
		msg.Categories = []string{"finance"}
		eval, err := w.Process(ctx, "t", msg)
		require.NoError(t, err)
		assert.Empty(t, eval.Applied)
		assert.Equal(t, []string{"Finance"}, eval.Suppressed)
	})
}

func TestWorker_Pipeline(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	labeler := &mockLabeler{}
	applied := make(chan string, 1)
	labeler.On("ApplyLabel", mock.Anything, "m-2.eml", "Finance").
		Run(func(args mock.Arguments) { applied <- args.String(2) }).
		Return(nil)

	w := NewWorker(eventBus, nil, cache.NewLRUCache(100), newTestEngine(), triage.NewProcessor(false), labeler)
	require.NoError(t, w.Start(Config{Mailboxes: []string{mailbox}}))
	defer w.Stop()

	stats := w.GetStats()
	assert.Equal(t, 2, stats.SubscriptionCount)
	assert.ElementsMatch(t, []string{domain.TopicMessageIngested, domain.TopicLabelApply}, stats.Topics)

	payload, err := json.Marshal(domain.IngestedMessage{TraceID: "trace-2", Message: invoiceMessage("m-2")})
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(context.Background(), mailbox, domain.TopicMessageIngested, payload))

	select {
	case label := <-applied:
		assert.Equal(t, "Finance", label)
	case <-time.After(2 * time.Second):
		t.Fatal("label was not applied")
	}
	labeler.AssertExpectations(t)
}

func TestWorker_HandleLabelError(t *testing.T) {
	labeler := &mockLabeler{}
	labeler.On("ApplyLabel", mock.Anything, "missing.eml", "Finance").Return(errors.New("no such file"))

	w := NewWorker(bus.NewChannelBus(1), nil, nil, newTestEngine(), triage.NewProcessor(false), labeler)

	payload, _ := json.Marshal(domain.LabelRequest{Mailbox: mailbox, SourceRef: "missing.eml", Label: "Finance"})
	err := w.handleLabel(context.Background(), &domain.Message{Payload: payload})
	assert.Error(t, err)
	labeler.AssertExpectations(t)
}

func TestWorker_HandleIngestedDefaultsMailbox(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	w := NewWorker(eventBus, nil, nil, newTestEngine(), triage.NewProcessor(true), nil)
	scored := collect[domain.Evaluation](t, eventBus, domain.TopicMessageScored)

	msg := invoiceMessage("m-3")
	msg.Mailbox = ""
	payload, _ := json.Marshal(domain.IngestedMessage{Message: msg})

	require.NoError(t, w.handleIngested(context.Background(), mailbox, &domain.Message{ID: "bus-1", Payload: payload}))

	select {
	case eval := <-scored:
		assert.Equal(t, mailbox, eval.Mailbox)
		assert.Equal(t, "bus-1", eval.Metadata.TraceID)
	case <-time.After(time.Second):
		t.Fatal("no scored event")
	}

	assert.Error(t, w.handleIngested(context.Background(), mailbox, &domain.Message{Payload: []byte(`{}`)}))
	assert.Error(t, w.handleIngested(context.Background(), mailbox, &domain.Message{Payload: []byte(`nope`)}))
}

func TestWorker_StartRequiresMailbox(t *testing.T) {
	w := NewWorker(bus.NewChannelBus(1), nil, nil, newTestEngine(), triage.NewProcessor(true), nil)
	assert.Error(t, w.Start(Config{}))
}
