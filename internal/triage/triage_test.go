package triage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/heron/internal/domain"
)

func results() []domain.ScoringResult {
	return []domain.ScoringResult{
		{
			CategoryName: "Change Orders", OutlookCategory: "CO", Score: 62, Threshold: 40, ShouldApply: true,
			Matches: []domain.SignalMatch{
				{Pattern: "pco", Weight: 50, FoundIn: domain.FoundInSubject},
				{Pattern: "$", Weight: 12, FoundIn: domain.FoundInBody},
			},
		},
		{CategoryName: "Invoices", OutlookCategory: "Invoices", Score: 55, Threshold: 40, ShouldApply: true},
		{CategoryName: "RFIs", OutlookCategory: "RFI", Score: 10, Threshold: 40},
	}
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()

	t.Run("applies qualifying categories", func(t *testing.T) {
		proc := NewProcessor(false)
		msg := &domain.EmailMessage{ID: "m1", Mailbox: "ops", Subject: "PCO #15"}

		eval := proc.Process(ctx, &DecisionInput{
			Message:   msg,
			TraceID:   "trace-1",
			Results:   results(),
			ScoreTime: 3 * time.Millisecond,
			StartTime: time.Now(),
		})

		assert.NotEmpty(t, eval.ID)
		assert.Equal(t, "ops", eval.Mailbox)
		assert.Equal(t, "m1", eval.MessageID)
		assert.Equal(t, []string{"CO", "Invoices"}, eval.Applied)
		assert.Empty(t, eval.Suppressed)
		assert.False(t, eval.DryRun)
		assert.Equal(t, "trace-1", eval.Metadata.TraceID)
		assert.Equal(t, int64(3), eval.Metadata.ScoreMs)
		assert.Equal(t, 3, eval.Metadata.RulesEvaluated)
		assert.True(t, ShouldLabel(eval))
	})

	t.Run("suppresses labels already assigned", func(t *testing.T) {
		proc := NewProcessor(false)
		msg := &domain.EmailMessage{ID: "m2", Categories: []string{"invoices"}}

		eval := proc.Process(ctx, &DecisionInput{Message: msg, Results: results(), StartTime: time.Now()})
		assert.Equal(t, []string{"CO"}, eval.Applied)
		assert.Equal(t, []string{"Invoices"}, eval.Suppressed)
	})

	t.Run("dry run records but does not label", func(t *testing.T) {
		proc := NewProcessor(true)
		msg := &domain.EmailMessage{ID: "m3"}

		eval := proc.Process(ctx, &DecisionInput{Message: msg, Results: results(), StartTime: time.Now()})
		assert.True(t, eval.DryRun)
		assert.Len(t, eval.Applied, 2)
		assert.False(t, ShouldLabel(eval))
	})

	t.Run("nothing qualifies", func(t *testing.T) {
		proc := NewProcessor(false)
		eval := proc.Process(ctx, &DecisionInput{
			Message:   &domain.EmailMessage{ID: "m4"},
			Results:   results()[2:],
			StartTime: time.Now(),
		})
		require.NotNil(t, eval.Applied)
		assert.Empty(t, eval.Applied)
		assert.False(t, ShouldLabel(eval))
	})
}

func TestExplanations(t *testing.T) {
	eval := &domain.Evaluation{Results: results()}

	applied := Explanations(eval, false)
	require.Len(t, applied, 2)
	assert.Contains(t, applied[0], "Category: Change Orders")
	assert.Contains(t, applied[0], "+50: 'pco' in subject")

	all := Explanations(eval, true)
	require.Len(t, all, 3)
	assert.Contains(t, all[2], "Decision: SKIP")
	assert.Contains(t, all[2], "No signals matched")
}
