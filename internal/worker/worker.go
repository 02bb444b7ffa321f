// Package worker consumes ingested messages from the EventBus, scores them
// and requests labels.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/triage"
)

// Cache key prefixes.
const (
	ClaimKeyPrefix      = "claim:"
	EvaluationKeyPrefix = "eval:"
)

// Worker scores messages published on the ingested topic.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	cache     domain.Cache
	engine    *rules.Engine
	processor *triage.Processor
	labeler   domain.Labeler

	subscriptions []domain.Subscription
	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc

	claimTTL time.Duration
	evalTTL  time.Duration
}

// Config holds worker configuration.
type Config struct {
	// Mailboxes to consume.
	Mailboxes []string

	// ClaimTTL is how long a processed message stays claimed.
	ClaimTTL time.Duration

	// EvaluationTTL is how long the message to evaluation pointer is cached.
	EvaluationTTL time.Duration
}

// NewWorker creates a worker. repo, cache and labeler may be nil.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, engine *rules.Engine, processor *triage.Processor, labeler domain.Labeler) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		cache:     cache,
		engine:    engine,
		processor: processor,
		labeler:   labeler,
		ctx:       ctx,
		cancel:    cancel,
		claimTTL:  24 * time.Hour,
		evalTTL:   24 * time.Hour,
	}
}

// Start subscribes to the ingested topic of every mailbox, and to the
// label topic when a labeler is set.
func (w *Worker) Start(cfg Config) error {
	if cfg.ClaimTTL > 0 {
		w.claimTTL = cfg.ClaimTTL
	}
	if cfg.EvaluationTTL > 0 {
		w.evalTTL = cfg.EvaluationTTL
	}
	if len(cfg.Mailboxes) == 0 {
		return errors.New("at least one mailbox is required")
	}

	for _, mailbox := range cfg.Mailboxes {
		if err := w.startMailboxWorker(mailbox); err != nil {
			slog.Error("failed to start worker for mailbox",
				"mailbox", mailbox,
				"error", err,
			)
			return err
		}
	}

	slog.Info("workers started",
		"mailbox_count", len(cfg.Mailboxes),
		"labeler", w.labeler != nil,
	)

	return nil
}

func (w *Worker) startMailboxWorker(mailbox string) error {
	sub, err := w.bus.Subscribe(w.ctx, mailbox, domain.TopicMessageIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.handleIngested(ctx, mailbox, msg)
	})
	if err != nil {
		return err
	}
	w.addSubscription(sub)

	if w.labeler != nil {
		sub, err := w.bus.Subscribe(w.ctx, mailbox, domain.TopicLabelApply, w.handleLabel)
		if err != nil {
			return err
		}
		w.addSubscription(sub)
	}

	slog.Info("mailbox worker started",
		"mailbox", mailbox,
		"topic", domain.TopicMessageIngested,
	)
	return nil
}

func (w *Worker) addSubscription(sub domain.Subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscriptions = append(w.subscriptions, sub)
}

func (w *Worker) handleIngested(ctx context.Context, mailbox string, m *domain.Message) error {
	var payload domain.IngestedMessage
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		slog.Error("failed to parse ingested message",
			"bus_message_id", m.ID,
			"error", err,
		)
		return err
	}
	if payload.Message == nil {
		return errors.New("ingested message has no message")
	}
	if payload.TraceID == "" {
		payload.TraceID = m.ID
	}
	if payload.Message.Mailbox == "" {
		payload.Message.Mailbox = mailbox
	}

	_, err := w.Process(ctx, payload.TraceID, payload.Message)
	return err
}

// Process claims, scores and records one message. It returns nil without
// error when another delivery already claimed the message.
func (w *Worker) Process(ctx context.Context, traceID string, msg *domain.EmailMessage) (*domain.Evaluation, error) {
	start := time.Now()
	mailbox := msg.Mailbox

	if !w.claim(ctx, mailbox, msg.ID) {
		metrics.DuplicateMessages.Inc()
		slog.Debug("message already processed",
			"mailbox", mailbox,
			"message_id", msg.ID,
		)
		return nil, nil
	}

	scoreStart := time.Now()
	results := w.engine.Score(ctx, msg)
	scoreTime := time.Since(scoreStart)
	metrics.MessagesScored.WithLabelValues("worker").Inc()

	evaluation := w.processor.Process(ctx, &triage.DecisionInput{
		Message:   msg,
		TraceID:   traceID,
		Results:   results,
		ScoreTime: scoreTime,
		StartTime: start,
	})

	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, mailbox, evaluation); err != nil {
			slog.Error("failed to save evaluation",
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	if w.cache != nil {
		key := EvaluationKeyPrefix + msg.ID
		if err := w.cache.Set(ctx, mailbox, key, []byte(evaluation.ID), w.evalTTL); err != nil {
			slog.Warn("failed to cache evaluation pointer",
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	payload, _ := json.Marshal(evaluation)
	if err := w.bus.Publish(ctx, mailbox, domain.TopicMessageScored, payload); err != nil {
		slog.Error("failed to publish scored message",
			"message_id", msg.ID,
			"error", err,
		)
	}

	if triage.ShouldLabel(evaluation) {
		PublishLabelRequests(ctx, w.bus, msg, evaluation)
	}

	slog.Info("message processed",
		"mailbox", mailbox,
		"message_id", msg.ID,
		"applied", evaluation.Applied,
		"suppressed", evaluation.Suppressed,
		"dry_run", evaluation.DryRun,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return evaluation, nil
}

// claim reports whether this delivery is the first for the message. Cache
// failures let the message through.
func (w *Worker) claim(ctx context.Context, mailbox, messageID string) bool {
	if w.cache == nil || messageID == "" {
		return true
	}
	n, err := w.cache.IncrementCounter(ctx, mailbox, ClaimKeyPrefix+messageID, w.claimTTL)
	if err != nil {
		slog.Warn("failed to claim message, processing anyway",
			"message_id", messageID,
			"error", err,
		)
		return true
	}
	return n == 1
}

// PublishLabelRequests publishes one label request per applied label.
func PublishLabelRequests(ctx context.Context, bus domain.EventBus, msg *domain.EmailMessage, eval *domain.Evaluation) {
	for _, label := range eval.Applied {
		req := domain.LabelRequest{
			Mailbox:      msg.Mailbox,
			MessageID:    msg.ID,
			SourceRef:    msg.SourceRef,
			Label:        label,
			EvaluationID: eval.ID,
		}
		payload, _ := json.Marshal(req)
		if err := bus.Publish(ctx, msg.Mailbox, domain.TopicLabelApply, payload); err != nil {
			slog.Error("failed to publish label request",
				"message_id", msg.ID,
				"label", label,
				"error", err,
			)
		}
	}
}

func (w *Worker) handleLabel(ctx context.Context, m *domain.Message) error {
	var req domain.LabelRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		slog.Error("failed to parse label request",
			"bus_message_id", m.ID,
			"error", err,
		)
		return err
	}

	if err := w.labeler.ApplyLabel(ctx, req.SourceRef, req.Label); err != nil {
		metrics.LabelErrors.Inc()
		slog.Error("failed to apply label",
			"message_id", req.MessageID,
			"label", req.Label,
			"error", err,
		)
		return err
	}

	slog.Info("label applied",
		"mailbox", req.Mailbox,
		"message_id", req.MessageID,
		"label", req.Label,
	)
	return nil
}

// ReleaseClaim forgets that a message was processed so it can be scored again.
func (w *Worker) ReleaseClaim(ctx context.Context, mailbox, messageID string) error {
	if w.cache == nil {
		return nil
	}
	return w.cache.Delete(ctx, mailbox, ClaimKeyPrefix+messageID)
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
