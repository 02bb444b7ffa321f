// Package poller fetches new mail from a source and publishes it to the
// worker over the event bus.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
)

// Config holds poller configuration.
type Config struct {
	// Mailbox the fetched messages belong to.
	Mailbox string

	// Interval between polls. Failed polls wait twice as long.
	Interval time.Duration

	// RateLimit caps messages published per second (0 = unlimited).
	RateLimit float64

	// Backfill moves the deployment marker into the past on first run.
	Backfill time.Duration
}

// Poller moves messages from a Source onto the ingested topic.
type Poller struct {
	source   domain.Source
	repo     domain.Repository
	bus      domain.EventBus
	mailbox  string
	interval time.Duration
	backfill time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
}

// New creates a poller. The repository holds the cursor, so it is required.
func New(source domain.Source, repo domain.Repository, bus domain.EventBus, cfg Config) (*Poller, error) {
	if source == nil || repo == nil || bus == nil {
		return nil, errors.New("poller needs a source, a repository and an event bus")
	}
	if cfg.Mailbox == "" {
		return nil, errors.New("mailbox is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Poller{
		source:   source,
		repo:     repo,
		bus:      bus,
		mailbox:  cfg.Mailbox,
		interval: cfg.Interval,
		backfill: cfg.Backfill,
		limiter:  limiter,
		now:      time.Now,
	}, nil
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	slog.Info("poller started",
		"mailbox", p.mailbox,
		"source", p.source.Name(),
		"interval", p.interval,
	)

	for {
		wait := p.interval
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				slog.Info("poller stopped", "mailbox", p.mailbox)
				return nil
			}
			metrics.PollErrors.WithLabelValues(p.source.Name()).Inc()
			slog.Error("poll failed",
				"mailbox", p.mailbox,
				"source", p.source.Name(),
				"retry_in", 2*p.interval,
				"error", err,
			)
			wait = 2 * p.interval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("poller stopped", "mailbox", p.mailbox)
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce fetches everything newer than the cursor, publishes it and
// advances the cursor. The first run for a source only stores the
// deployment marker, so mail older than the deployment is never touched.
// It returns the number of messages published.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	name := p.source.Name()

	cursor, ok, err := p.repo.GetCursor(ctx, p.mailbox, name)
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	if !ok {
		marker := p.now().UTC().Add(-p.backfill)
		if err := p.repo.SaveCursor(ctx, p.mailbox, name, marker); err != nil {
			return 0, fmt.Errorf("failed to store deployment marker: %w", err)
		}
		slog.Info("deployment marker stored",
			"mailbox", p.mailbox,
			"source", name,
			"marker", marker,
		)
		if p.backfill <= 0 {
			return 0, nil
		}
		cursor = marker
	}

	fetchStart := p.now().UTC()
	messages, err := p.source.FetchSince(ctx, cursor)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch from %s: %w", name, err)
	}

	published := 0
	for _, msg := range messages {
		if err := p.limiter.Wait(ctx); err != nil {
			return published, err
		}
		if err := p.publish(ctx, msg); err != nil {
			return published, err
		}
		published++
	}

	if err := p.repo.SaveCursor(ctx, p.mailbox, name, fetchStart); err != nil {
		return published, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if published > 0 {
		metrics.MessagesPolled.WithLabelValues(name).Add(float64(published))
		slog.Info("poll complete",
			"mailbox", p.mailbox,
			"source", name,
			"published", published,
		)
	}
	return published, nil
}

func (p *Poller) publish(ctx context.Context, msg *domain.EmailMessage) error {
	msg.Mailbox = p.mailbox
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	if err := p.repo.SaveMessage(ctx, p.mailbox, msg); err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}

	payload, err := json.Marshal(domain.IngestedMessage{
		TraceID: uuid.New().String(),
		Message: msg,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}

	if err := p.bus.Publish(ctx, p.mailbox, domain.TopicMessageIngested, payload); err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	return nil
}
