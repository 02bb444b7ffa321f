package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SignalMatch records one signal that matched a message.
type SignalMatch struct {
	Pattern string `json:"pattern"`

	// Weight is the value actually applied, after any max_contribution cap.
	Weight   int      `json:"weight"`
	Location Location `json:"location"`

	// FoundIn is where the pattern was seen: subject, body, sender or attachment.
	FoundIn string `json:"foundIn"`
	Tier    Tier   `json:"tier"`
}

// Values for SignalMatch.FoundIn.
const (
	FoundInSubject    = "subject"
	FoundInBody       = "body"
	FoundInSender     = "sender"
	FoundInAttachment = "attachment"
)

// ScoringResult is the outcome of scoring one message against one rule.
type ScoringResult struct {
	CategoryName    string        `json:"categoryName"`
	OutlookCategory string        `json:"outlookCategory"`
	Score           int           `json:"score"`
	Threshold       int           `json:"threshold"`
	Matches         []SignalMatch `json:"matches"`
	ShouldApply     bool          `json:"shouldApply"`
}

// Explanation renders the decision for humans.
func (r *ScoringResult) Explanation() string {
	decision := "SKIP"
	if r.ShouldApply {
		decision = "APPLY"
	}

	lines := []string{
		"Category: " + r.CategoryName,
		fmt.Sprintf("Score: %d (threshold: %d)", r.Score, r.Threshold),
		"Decision: " + decision,
	}

	if len(r.Matches) == 0 {
		lines = append(lines, "No signals matched")
		return strings.Join(lines, "\n")
	}

	lines = append(lines, "Matching signals:")
	for _, m := range r.Matches {
		lines = append(lines, "  "+m.String())
	}
	return strings.Join(lines, "\n")
}

// String formats a match as "+W: 'pattern' in found_in".
func (m SignalMatch) String() string {
	sign := ""
	if m.Weight > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%d: '%s' in %s", sign, m.Weight, m.Pattern, m.FoundIn)
}

// TopMatches returns up to n matches ordered by weight, highest first.
func (r *ScoringResult) TopMatches(n int) []SignalMatch {
	sorted := make([]SignalMatch, len(r.Matches))
	copy(sorted, r.Matches)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Weight > sorted[j].Weight
	})
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// Evaluation is the persisted triage record for one message.
type Evaluation struct {
	ID        string    `json:"id"`
	Mailbox   string    `json:"mailbox"`
	MessageID string    `json:"messageId"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`

	Results []ScoringResult `json:"results"`

	// Applied holds the labels that were (or in dry-run would be) applied.
	Applied []string `json:"applied"`

	// Suppressed holds labels that qualified but were already assigned.
	Suppressed []string `json:"suppressed,omitempty"`

	DryRun   bool               `json:"dryRun"`
	Metadata EvaluationMetadata `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	ScoreMs        int64  `json:"scoreMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
	EngineVersion  string `json:"engineVersion"`
}

// ResultFor returns the result for a category, if present.
func (e *Evaluation) ResultFor(categoryName string) (*ScoringResult, bool) {
	for i := range e.Results {
		if e.Results[i].CategoryName == categoryName {
			return &e.Results[i], true
		}
	}
	return nil, false
}
