package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
)

// forbiddenLabelChars may not appear in a target label.
const forbiddenLabelChars = `/\:*?"<>|`

// Validate returns the first invariant rule violates, or nil.
func Validate(rule *domain.CategoryRule) error {
	c := &checker{}
	c.run(rule)
	if len(c.problems) == 0 {
		return nil
	}
	return c.problems[0]
}

// Review runs every check Validate runs and collects all problems instead
// of stopping at the first. It also compiles regex patterns and, when
// labels is non-nil, requires the target label to be one of them.
func Review(rule *domain.CategoryRule, labels []string) []*domain.ValidationError {
	c := &checker{collect: true}
	c.run(rule)

	for _, tier := range domain.Tiers {
		for i, sig := range rule.SignalsFor(tier) {
			if sig.PatternType != domain.PatternRegex {
				continue
			}
			if _, err := regexp.Compile("(?i)" + sig.Pattern); err != nil {
				c.add(signalField(tier, i, "pattern"), "invalid regex: %v", err)
			}
		}
	}

	if labels != nil && !containsString(labels, rule.OutlookCategory) {
		c.add("outlook_category", "label %q not found in mail source", rule.OutlookCategory)
	}

	return c.problems
}

type checker struct {
	collect  bool
	problems []*domain.ValidationError
}

func (c *checker) done() bool {
	return !c.collect && len(c.problems) > 0
}

func (c *checker) add(field, format string, args ...any) {
	if c.done() {
		return
	}
	c.problems = append(c.problems, &domain.ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	})
}

func (c *checker) run(rule *domain.CategoryRule) {
	if rule == nil {
		c.add("", "rule is required")
		return
	}

	c.checkSignalsPresent(rule)
	c.checkDuplicates(rule)
	c.checkRanges(rule)
	c.checkLabel(rule)
}

func (c *checker) checkSignalsPresent(rule *domain.CategoryRule) {
	if len(rule.StrongSignals) == 0 && len(rule.MediumSignals) == 0 && len(rule.WeakSignals) == 0 {
		c.add("signals", "rule must have at least one strong, medium or weak signal")
	}
}

type signalKey struct {
	pattern  string
	location domain.Location
}

func (c *checker) checkDuplicates(rule *domain.CategoryRule) {
	seen := make(map[signalKey]domain.Tier)
	for _, tier := range domain.Tiers {
		for i, sig := range rule.SignalsFor(tier) {
			key := signalKey{pattern: strings.ToLower(sig.Pattern), location: sig.Location}
			first, dup := seen[key]
			if !dup {
				seen[key] = tier
				continue
			}
			if c.done() {
				return
			}
			c.problems = append(c.problems, &domain.ValidationError{
				Field:   signalField(tier, i, "pattern"),
				Tiers:   []string{string(first), string(tier)},
				Message: fmt.Sprintf("duplicate signal %q in %s", sig.Pattern, sig.Location),
			})
		}
	}
}

func (c *checker) checkRanges(rule *domain.CategoryRule) {
	checkName(c, "category_name", rule.CategoryName)
	checkName(c, "outlook_category", rule.OutlookCategory)

	if rule.Threshold < 0 || rule.Threshold > 200 {
		c.add("threshold", "must be between 0 and 200, got %d", rule.Threshold)
	}
	if rule.WeakSignalCap < 0 || rule.WeakSignalCap > 50 {
		c.add("weak_signal_cap", "must be between 0 and 50, got %d", rule.WeakSignalCap)
	}
	if rule.MediumSignalMultiplier < 0 || rule.MediumSignalMultiplier > 1 {
		c.add("medium_signal_multiplier", "must be between 0.0 and 1.0, got %g", rule.MediumSignalMultiplier)
	}
	switch rule.ScoringMethod {
	case domain.MethodAdditive, domain.MethodTiered, domain.MethodHybrid:
	default:
		c.add("scoring_method", "unknown scoring method %q", rule.ScoringMethod)
	}

	for _, tier := range domain.Tiers {
		for i, sig := range rule.SignalsFor(tier) {
			c.checkSignal(tier, i, sig)
		}
	}

	for i, b := range rule.CoOccurrenceBonuses {
		field := fmt.Sprintf("co_occurrence_bonuses[%d]", i)
		if strings.TrimSpace(b.SignalPair[0]) == "" || strings.TrimSpace(b.SignalPair[1]) == "" {
			c.add(field+".signal_pair", "must contain two patterns")
		}
		if b.BonusWeight < 0 || b.BonusWeight > 50 {
			c.add(field+".bonus_weight", "must be between 0 and 50, got %d", b.BonusWeight)
		}
		if b.ProximityWords < 1 || b.ProximityWords > 100 {
			c.add(field+".proximity_words", "must be between 1 and 100, got %d", b.ProximityWords)
		}
		if len(b.Description) > 500 {
			c.add(field+".description", "must be at most 500 characters")
		}
	}
}

func (c *checker) checkSignal(tier domain.Tier, i int, sig domain.Signal) {
	if p := strings.TrimSpace(sig.Pattern); p == "" || len(p) > 500 {
		c.add(signalField(tier, i, "pattern"), "must be 1 to 500 characters")
	}
	if sig.Weight < -100 || sig.Weight > 100 {
		c.add(signalField(tier, i, "weight"), "weight %d is out of range (max ±100)", sig.Weight)
	}
	if _, err := domain.ParseLocation(string(sig.Location)); err != nil || sig.Location == "" {
		c.add(signalField(tier, i, "location"), "unknown location %q", sig.Location)
	}
	if _, err := domain.ParseTier(string(sig.Tier)); err != nil || sig.Tier == "" {
		c.add(signalField(tier, i, "tier"), "unknown tier %q", sig.Tier)
	}
	switch sig.PatternType {
	case domain.PatternSubstring, domain.PatternRegex, domain.PatternWordBoundary, domain.PatternDollarAmount:
	default:
		c.add(signalField(tier, i, "pattern_type"), "unknown pattern type %q", sig.PatternType)
	}
	if len(sig.Description) > 500 {
		c.add(signalField(tier, i, "description"), "must be at most 500 characters")
	}
	if mc := sig.MaxContribution; mc != nil && (*mc < 0 || *mc > 100) {
		c.add(signalField(tier, i, "max_contribution"), "must be between 0 and 100, got %d", *mc)
	}
}

func (c *checker) checkLabel(rule *domain.CategoryRule) {
	if i := strings.IndexAny(rule.OutlookCategory, forbiddenLabelChars); i >= 0 {
		c.add("outlook_category", "contains forbidden character %q", rule.OutlookCategory[i])
	}
}

func checkName(c *checker, field, value string) {
	n := len([]rune(strings.TrimSpace(value)))
	if n == 0 {
		c.add(field, "cannot be empty")
	} else if n > 100 {
		c.add(field, "must be at most 100 characters")
	}
}

func signalField(tier domain.Tier, i int, name string) string {
	return fmt.Sprintf("%s_signals[%d].%s", tier, i, name)
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
