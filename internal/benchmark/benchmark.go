// Package benchmark scores a labelled message set in-process and reports
// per-category precision, recall and F1 so rules can be tuned offline.
//
// The CSV format is one message per row:
//
//	subject,body,sender,attachments,expected
//
// attachments and expected are ';'-separated lists. expected names the
// categories (or their labels) the message should receive.
package benchmark

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/rules"
)

// Case is one labelled message.
type Case struct {
	Line     int
	Message  *domain.EmailMessage
	Expected []string
}

// ReadCSV parses labelled cases. The header row is required; columns are
// matched by name so their order does not matter.
func ReadCSV(r io.Reader) ([]Case, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"subject", "body", "expected"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var cases []Case
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		cases = append(cases, Case{
			Line: line,
			Message: &domain.EmailMessage{
				ID:              fmt.Sprintf("row-%d", line),
				Subject:         field(record, "subject"),
				Body:            field(record, "body"),
				SenderEmail:     field(record, "sender"),
				AttachmentNames: splitList(field(record, "attachments")),
			},
			Expected: splitList(field(record, "expected")),
		})
	}

	return cases, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Confusion counts outcomes for one category.
type Confusion struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64
}

// Precision is the share of applied labels that were expected.
func (c Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// Recall is the share of expected labels that were applied.
func (c Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of correct decisions.
func (c Confusion) Accuracy() float64 {
	return ratio(c.TruePositives+c.TrueNegatives,
		c.TruePositives+c.TrueNegatives+c.FalsePositives+c.FalseNegatives)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Outcome is the scored result of one case.
type Outcome struct {
	Case      Case
	Predicted []string
	Missed    []string
	Spurious  []string
}

// Correct reports whether the predicted set equals the expected set.
func (o Outcome) Correct() bool {
	return len(o.Missed) == 0 && len(o.Spurious) == 0
}

// Report holds the totals of a run.
type Report struct {
	Categories map[string]*Confusion
	Processed  int64
	ExactMatch int64
	Duration   time.Duration

	// ScoringTime is the summed per-case engine time.
	ScoringTime time.Duration
}

// Overall sums the confusion of every category.
func (r *Report) Overall() Confusion {
	var total Confusion
	for _, c := range r.Categories {
		total.TruePositives += c.TruePositives
		total.FalsePositives += c.FalsePositives
		total.TrueNegatives += c.TrueNegatives
		total.FalseNegatives += c.FalseNegatives
	}
	return total
}

// CategoryNames returns the category names in sorted order.
func (r *Report) CategoryNames() []string {
	names := make([]string, 0, len(r.Categories))
	for name := range r.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options control a run.
type Options struct {
	Workers int

	// OnOutcome, when set, is called for every case. It may be called
	// from several goroutines at once.
	OnOutcome func(Outcome)
}

// Run scores every case against the enabled rules of engine.
func Run(ctx context.Context, engine *rules.Engine, cases []Case, opts Options) (*Report, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	loaded := engine.GetLoadedRules()
	var categories []*domain.CategoryRule
	for _, r := range loaded {
		if r.Enabled {
			categories = append(categories, r)
		}
	}
	if len(categories) == 0 {
		return nil, errors.New("no enabled rules to benchmark")
	}

	report := &Report{Categories: make(map[string]*Confusion, len(categories))}
	for _, r := range categories {
		report.Categories[r.CategoryName] = &Confusion{}
	}

	var (
		mu          sync.Mutex
		processed   atomic.Int64
		exact       atomic.Int64
		scoringTime atomic.Int64
	)

	start := time.Now()
	work := make(chan Case, 100)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				scoreStart := time.Now()
				results := engine.ScoreRules(ctx, c.Message, categories)
				scoringTime.Add(int64(time.Since(scoreStart)))

				outcome := compare(c, categories, results)

				mu.Lock()
				tally(report, c, categories, results)
				mu.Unlock()

				processed.Add(1)
				if outcome.Correct() {
					exact.Add(1)
				}
				if opts.OnOutcome != nil {
					opts.OnOutcome(outcome)
				}
			}
		}()
	}

send:
	for _, c := range cases {
		select {
		case work <- c:
		case <-ctx.Done():
			break send
		}
	}
	close(work)
	wg.Wait()

	report.Processed = processed.Load()
	report.ExactMatch = exact.Load()
	report.ScoringTime = time.Duration(scoringTime.Load())
	report.Duration = time.Since(start)

	return report, ctx.Err()
}

// expects reports whether the case lists the rule by category or label.
func expects(c Case, rule *domain.CategoryRule) bool {
	for _, e := range c.Expected {
		if strings.EqualFold(e, rule.CategoryName) || strings.EqualFold(e, rule.OutlookCategory) {
			return true
		}
	}
	return false
}

func tally(report *Report, c Case, categories []*domain.CategoryRule, results []domain.ScoringResult) {
	for i, rule := range categories {
		conf := report.Categories[rule.CategoryName]
		predicted := results[i].ShouldApply
		actual := expects(c, rule)

		switch {
		case predicted && actual:
			conf.TruePositives++
		case predicted && !actual:
			conf.FalsePositives++
		case !predicted && !actual:
			conf.TrueNegatives++
		default:
			conf.FalseNegatives++
		}
	}
}

func compare(c Case, categories []*domain.CategoryRule, results []domain.ScoringResult) Outcome {
	out := Outcome{Case: c}
	for i, rule := range categories {
		predicted := results[i].ShouldApply
		actual := expects(c, rule)
		if predicted {
			out.Predicted = append(out.Predicted, rule.CategoryName)
		}
		switch {
		case predicted && !actual:
			out.Spurious = append(out.Spurious, rule.CategoryName)
		case !predicted && actual:
			out.Missed = append(out.Missed, rule.CategoryName)
		}
	}
	return out
}

// Print writes a human-readable report to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintln(w, "BENCHMARK RESULTS")
	fmt.Fprintf(w, "   Messages:      %d\n", r.Processed)
	fmt.Fprintf(w, "   Exact matches: %d (%.2f%%)\n", r.ExactMatch, 100*ratio(r.ExactMatch, r.Processed))

	for _, name := range r.CategoryNames() {
		c := r.Categories[name]
		fmt.Fprintf(w, "\n%s\n", name)
		fmt.Fprintln(w, "                  Predicted")
		fmt.Fprintln(w, "                APPLY      SKIP")
		fmt.Fprintf(w, "   Expected  Y  %8d  %8d   (TP, FN)\n", c.TruePositives, c.FalseNegatives)
		fmt.Fprintf(w, "             N  %8d  %8d   (FP, TN)\n", c.FalsePositives, c.TrueNegatives)
		fmt.Fprintf(w, "   Precision: %.4f  Recall: %.4f  F1: %.4f  Accuracy: %.4f\n",
			c.Precision(), c.Recall(), c.F1(), c.Accuracy())
	}

	total := r.Overall()
	fmt.Fprintln(w, "\nOVERALL (micro-averaged)")
	fmt.Fprintf(w, "   Precision: %.4f  Recall: %.4f  F1: %.4f  Accuracy: %.4f\n",
		total.Precision(), total.Recall(), total.F1(), total.Accuracy())

	fmt.Fprintln(w, "\nPERFORMANCE")
	fmt.Fprintf(w, "   Total Duration:  %v\n", r.Duration.Round(time.Millisecond))
	if r.Processed > 0 {
		avg := r.ScoringTime / time.Duration(r.Processed)
		fmt.Fprintf(w, "   Avg Scoring:     %v\n", avg)
		fmt.Fprintf(w, "   Throughput:      %.2f msg/sec\n", float64(r.Processed)/r.Duration.Seconds())
	}
}
