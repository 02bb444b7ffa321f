// Package rules provides the signal matcher and the category scoring engine.
package rules

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/metrics"
)

// EngineVersion is recorded on every evaluation.
const EngineVersion = "heron-scoring-2"

var tracer = otel.Tracer("heron-rules")

// Engine scores messages against a set of category rules.
type Engine struct {
	mu         sync.RWMutex
	matcher    *Matcher
	rules      []*domain.CategoryRule
	maxWorkers int
}

// NewEngine creates a scoring engine. A nil matcher gets a fresh one.
func NewEngine(matcher *Matcher, maxWorkers int) *Engine {
	if matcher == nil {
		matcher = NewMatcher()
	}
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Engine{
		matcher:    matcher,
		maxWorkers: maxWorkers,
	}
}

// Matcher returns the matcher used by the engine.
func (e *Engine) Matcher() *Matcher {
	return e.matcher
}

// LoadRule adds a rule, replacing any loaded rule with the same name.
func (e *Engine) LoadRule(rule *domain.CategoryRule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range e.rules {
		if r.CategoryName == rule.CategoryName {
			e.rules[i] = rule.Clone()
			return
		}
	}
	e.rules = append(e.rules, rule.Clone())
	metrics.RulesLoaded.Set(float64(len(e.rules)))
}

// ReloadRules replaces every loaded rule. Disabled rules are kept so they
// stay visible to callers but are never scored.
func (e *Engine) ReloadRules(rules []*domain.CategoryRule) {
	loaded := make([]*domain.CategoryRule, 0, len(rules))
	for _, r := range rules {
		if r != nil {
			loaded = append(loaded, r.Clone())
		}
	}

	e.mu.Lock()
	e.rules = loaded
	e.mu.Unlock()

	metrics.RulesLoaded.Set(float64(len(loaded)))
}

// GetLoadedRules returns the loaded rules in load order.
func (e *Engine) GetLoadedRules() []*domain.CategoryRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.CategoryRule, len(e.rules))
	copy(rules, e.rules)
	return rules
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Score scores msg against every loaded, enabled rule.
func (e *Engine) Score(ctx context.Context, msg *domain.EmailMessage) []domain.ScoringResult {
	return e.ScoreRules(ctx, msg, e.GetLoadedRules())
}

// ScoreRules scores msg against the enabled rules in rules. Results keep
// the order of the input. Rules are scored in parallel.
func (e *Engine) ScoreRules(ctx context.Context, msg *domain.EmailMessage, rules []*domain.CategoryRule) []domain.ScoringResult {
	_, span := tracer.Start(ctx, "rules.Score",
		trace.WithAttributes(attribute.Int("heron.rules", len(rules))))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	}()

	enabled := make([]*domain.CategoryRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Enabled {
			enabled = append(enabled, r)
		}
	}

	results := make([]domain.ScoringResult, len(enabled))
	if len(enabled) == 0 {
		return results
	}

	text := prepareText(msg)

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range enabled {
		wg.Add(1)
		go func(idx int, r *domain.CategoryRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.scoreRule(r, text)
		}(i, rule)
	}

	wg.Wait()

	span.SetAttributes(attribute.Int("heron.rules.enabled", len(enabled)))
	return results
}

// ScoreRule scores msg against a single rule, enabled or not.
func (e *Engine) ScoreRule(msg *domain.EmailMessage, rule *domain.CategoryRule) domain.ScoringResult {
	return e.scoreRule(rule, prepareText(msg))
}

// Close drops the loaded rules and the compiled pattern cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.rules = nil
	e.mu.Unlock()
	e.matcher.ClearCache()
	return nil
}

// messageText holds the lowercased views of a message that signals are
// checked against.
type messageText struct {
	subject     string
	body        string
	combined    string
	attachments string
	sender      string
}

func prepareText(msg *domain.EmailMessage) messageText {
	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.Body)
	return messageText{
		subject:     subject,
		body:        body,
		combined:    subject + " " + body,
		attachments: strings.ToLower(strings.Join(msg.AttachmentNames, " ")),
		sender:      strings.ToLower(msg.SenderEmail + " " + msg.SenderName),
	}
}

func (e *Engine) scoreRule(rule *domain.CategoryRule, text messageText) domain.ScoringResult {
	switch rule.ScoringMethod {
	case domain.MethodAdditive:
		return e.scoreAdditive(rule, text)
	default:
		// tiered and hybrid
		return e.scoreTiered(rule, text)
	}
}

// scoreAdditive sums the raw weight of every matching signal. Co-occurrence
// bonuses only apply to tiered scoring.
func (e *Engine) scoreAdditive(rule *domain.CategoryRule, text messageText) domain.ScoringResult {
	total := 0
	var matches []domain.SignalMatch

	for _, tier := range domain.Tiers {
		for _, sig := range rule.SignalsFor(tier) {
			m, ok := e.checkSignal(sig, tier, text)
			if !ok {
				continue
			}
			total += sig.Weight
			matches = append(matches, m)
		}
	}

	return newResult(rule, total, matches)
}

// scoreTiered aggregates each tier with its own policy.
func (e *Engine) scoreTiered(rule *domain.CategoryRule, text messageText) domain.ScoringResult {
	var total float64
	var matches []domain.SignalMatch

	for _, tier := range domain.Tiers {
		var contributions []int
		for _, sig := range rule.SignalsFor(tier) {
			m, ok := e.checkSignal(sig, tier, text)
			if !ok {
				continue
			}
			m.Weight = sig.Contribution()
			contributions = append(contributions, m.Weight)
			matches = append(matches, m)
		}
		total += tierAggregators[tier](contributions, rule)
	}

	total += float64(e.coOccurrenceBonus(rule, text.combined))
	return newResult(rule, int(total), matches)
}

func newResult(rule *domain.CategoryRule, score int, matches []domain.SignalMatch) domain.ScoringResult {
	if matches == nil {
		matches = []domain.SignalMatch{}
	}
	return domain.ScoringResult{
		CategoryName:    rule.CategoryName,
		OutlookCategory: rule.OutlookCategory,
		Score:           score,
		Threshold:       rule.Threshold,
		Matches:         matches,
		ShouldApply:     score >= rule.Threshold,
	}
}

// aggregator folds the contributions of one tier into a partial score.
type aggregator func(contributions []int, rule *domain.CategoryRule) float64

var tierAggregators = map[domain.Tier]aggregator{
	domain.TierStrong:     strongest,
	domain.TierMedium:     scaledSum,
	domain.TierWeak:       cappedSum,
	domain.TierNegative:   plainSum,
	domain.TierAttachment: plainSum,
}

// strongest keeps only the best strong match so two strong signals do not
// double count.
func strongest(contributions []int, _ *domain.CategoryRule) float64 {
	best := 0
	for i, c := range contributions {
		if i == 0 || c > best {
			best = c
		}
	}
	return float64(best)
}

func scaledSum(contributions []int, rule *domain.CategoryRule) float64 {
	return float64(sum(contributions)) * rule.MediumSignalMultiplier
}

// cappedSum clamps the weak total to [0, weak_signal_cap].
func cappedSum(contributions []int, rule *domain.CategoryRule) float64 {
	total := sum(contributions)
	if total > rule.WeakSignalCap {
		total = rule.WeakSignalCap
	}
	if total < 0 {
		total = 0
	}
	return float64(total)
}

func plainSum(contributions []int, _ *domain.CategoryRule) float64 {
	return float64(sum(contributions))
}

func sum(values []int) int {
	n := 0
	for _, v := range values {
		n += v
	}
	return n
}

// checkSignal tests one signal against the text its location selects.
// Attachment-tier signals always look at attachment names.
func (e *Engine) checkSignal(sig domain.Signal, tier domain.Tier, text messageText) (domain.SignalMatch, bool) {
	m := domain.SignalMatch{
		Pattern:  sig.Pattern,
		Weight:   sig.Weight,
		Location: sig.Location,
		Tier:     tier,
	}

	if tier == domain.TierAttachment {
		m.Location = domain.LocationAttachmentName
		m.FoundIn = domain.FoundInAttachment
		return m, e.match(sig, text.attachments)
	}

	switch sig.Location {
	case domain.LocationSubject:
		m.FoundIn = domain.FoundInSubject
		return m, e.match(sig, text.subject)
	case domain.LocationBody:
		m.FoundIn = domain.FoundInBody
		return m, e.match(sig, text.body)
	case domain.LocationSender:
		m.FoundIn = domain.FoundInSender
		return m, e.match(sig, text.sender)
	case domain.LocationAttachmentName:
		m.FoundIn = domain.FoundInAttachment
		return m, e.match(sig, text.attachments)
	default:
		if !e.match(sig, text.combined) {
			return m, false
		}
		m.FoundIn = domain.FoundInBody
		if e.match(sig, text.subject) {
			m.FoundIn = domain.FoundInSubject
		}
		return m, true
	}
}

// match treats a pattern error as a non-match.
func (e *Engine) match(sig domain.Signal, text string) bool {
	ok, err := e.matcher.Match(sig, text)
	if err != nil {
		slog.Warn("skipping signal with invalid pattern",
			"pattern", sig.Pattern,
			"error", err,
		)
		metrics.PatternErrors.Inc()
		return false
	}
	return ok
}

// coOccurrenceBonus sums the bonuses whose pair appears within the
// configured proximity in text.
func (e *Engine) coOccurrenceBonus(rule *domain.CategoryRule, text string) int {
	total := 0
	for _, b := range rule.CoOccurrenceBonuses {
		if b.SignalPair[0] == "" || b.SignalPair[1] == "" {
			continue
		}
		proximity := b.ProximityWords
		if proximity <= 0 {
			proximity = domain.DefaultProximityWords
		}
		if e.matcher.FindProximity(b.SignalPair[0], b.SignalPair[1], text, proximity) {
			total += b.BonusWeight
		}
	}
	return total
}
