// Package triage turns per-category scoring results into a labelling
// decision for one message.
package triage

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/rules"
)

// topSignals is how many contributing signals are logged per decision.
const topSignals = 3

// Processor decides which labels a scored message receives.
type Processor struct {
	// DryRun records decisions without asking for labels to be applied.
	DryRun bool
}

// NewProcessor creates a processor. Dry-run is on by default.
func NewProcessor(dryRun bool) *Processor {
	return &Processor{DryRun: dryRun}
}

// DecisionInput contains everything needed for a decision.
type DecisionInput struct {
	Message   *domain.EmailMessage
	TraceID   string
	Results   []domain.ScoringResult
	ScoreTime time.Duration
	StartTime time.Time
}

// Process builds the evaluation for a message. Categories that qualify but
// are already assigned to the message are recorded as suppressed.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.Evaluation {
	msg := input.Message

	eval := &domain.Evaluation{
		ID:        uuid.New().String(),
		Mailbox:   msg.Mailbox,
		MessageID: msg.ID,
		Subject:   msg.Subject,
		Timestamp: time.Now().UTC(),
		Results:   input.Results,
		Applied:   []string{},
		DryRun:    p.DryRun,
	}

	mode := "apply"
	if p.DryRun {
		mode = "dry_run"
	}

	for i := range input.Results {
		res := &input.Results[i]

		decision := "skip"
		if res.ShouldApply {
			decision = "apply"
		}
		metrics.CategoryDecisions.WithLabelValues(res.CategoryName, decision).Inc()

		if !res.ShouldApply {
			continue
		}

		if msg.HasCategory(res.OutlookCategory) {
			eval.Suppressed = append(eval.Suppressed, res.OutlookCategory)
			metrics.LabelsSuppressed.WithLabelValues(res.CategoryName).Inc()
			slog.Debug("category already assigned",
				"message_id", msg.ID,
				"category", res.CategoryName,
			)
			continue
		}

		eval.Applied = append(eval.Applied, res.OutlookCategory)
		metrics.LabelsApplied.WithLabelValues(res.CategoryName, mode).Inc()

		slog.Info("category matched",
			"message_id", msg.ID,
			"subject", msg.Subject,
			"category", res.CategoryName,
			"label", res.OutlookCategory,
			"score", res.Score,
			"threshold", res.Threshold,
			"top_signals", describe(res.TopMatches(topSignals)),
			"dry_run", p.DryRun,
		)
	}

	eval.Metadata = domain.EvaluationMetadata{
		TraceID:        input.TraceID,
		ScoreMs:        input.ScoreTime.Milliseconds(),
		TotalMs:        time.Since(input.StartTime).Milliseconds(),
		RulesEvaluated: len(input.Results),
		EngineVersion:  rules.EngineVersion,
	}

	return eval
}

func describe(matches []domain.SignalMatch) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.String()
	}
	return out
}

// ShouldLabel reports whether the evaluation asks for any label.
func ShouldLabel(eval *domain.Evaluation) bool {
	return !eval.DryRun && len(eval.Applied) > 0
}

// Explanations renders the explanation of every result, applied first.
func Explanations(eval *domain.Evaluation, includeSkipped bool) []string {
	var applied, skipped []string
	for i := range eval.Results {
		res := &eval.Results[i]
		if res.ShouldApply {
			applied = append(applied, res.Explanation())
		} else if includeSkipped {
			skipped = append(skipped, res.Explanation())
		}
	}
	return append(applied, skipped...)
}
