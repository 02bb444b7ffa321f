package domain

import (
	"fmt"
	"strings"
)

// PatternType selects the matching strategy for a signal.
type PatternType string

const (
	PatternSubstring    PatternType = "substring"
	PatternRegex        PatternType = "regex"
	PatternWordBoundary PatternType = "word-boundary"
	PatternDollarAmount PatternType = "dollar-amount"
)

// ParsePatternType normalizes a pattern type. A literal "$" selects the
// dollar-amount strategy and anything unrecognized falls back to substring.
func ParsePatternType(s string) PatternType {
	s = strings.TrimSpace(s)
	if s == "$" {
		return PatternDollarAmount
	}
	switch PatternType(normalizeEnum(s)) {
	case PatternRegex:
		return PatternRegex
	case PatternWordBoundary:
		return PatternWordBoundary
	case PatternDollarAmount:
		return PatternDollarAmount
	default:
		return PatternSubstring
	}
}

// Location is the part of a message a signal is checked against.
type Location string

const (
	LocationSubject        Location = "subject"
	LocationBody           Location = "body"
	LocationAnywhere       Location = "anywhere"
	LocationSender         Location = "sender"
	LocationAttachmentName Location = "attachment-name"
)

// ParseLocation accepts canonical names and the older "*_contains" spellings.
func ParseLocation(s string) (Location, error) {
	switch normalizeEnum(s) {
	case "", "anywhere":
		return LocationAnywhere, nil
	case "subject", "subject-contains":
		return LocationSubject, nil
	case "body", "body-contains":
		return LocationBody, nil
	case "sender", "sender-contains":
		return LocationSender, nil
	case "attachment-name", "attachment":
		return LocationAttachmentName, nil
	}
	return "", fmt.Errorf("unknown location %q", s)
}

// Tier controls how matching signals are aggregated.
type Tier string

const (
	TierStrong     Tier = "strong"
	TierMedium     Tier = "medium"
	TierWeak       Tier = "weak"
	TierNegative   Tier = "negative"
	TierAttachment Tier = "attachment"
)

// Tiers lists every tier in aggregation order.
var Tiers = []Tier{TierStrong, TierMedium, TierWeak, TierNegative, TierAttachment}

// ParseTier returns the tier named by s. Empty means medium.
func ParseTier(s string) (Tier, error) {
	t := Tier(normalizeEnum(s))
	if t == "" {
		return TierMedium, nil
	}
	for _, known := range Tiers {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// ScoringMethod selects the per-rule aggregation policy.
type ScoringMethod string

const (
	// MethodAdditive sums every matching weight.
	MethodAdditive ScoringMethod = "additive"

	// MethodTiered aggregates per tier: max(strong), scaled medium, capped weak.
	MethodTiered ScoringMethod = "tiered"

	// MethodHybrid currently scores exactly like MethodTiered.
	MethodHybrid ScoringMethod = "hybrid"
)

// ParseScoringMethod returns the method named by s. Empty means tiered.
func ParseScoringMethod(s string) (ScoringMethod, error) {
	switch m := ScoringMethod(normalizeEnum(s)); m {
	case "":
		return MethodTiered, nil
	case MethodAdditive, MethodTiered, MethodHybrid:
		return m, nil
	}
	return "", fmt.Errorf("unknown scoring method %q", s)
}

func normalizeEnum(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}

// Rule defaults applied when a document omits a field.
const (
	DefaultThreshold              = 40
	DefaultWeakSignalCap          = 15
	DefaultMediumSignalMultiplier = 0.9
	DefaultProximityWords         = 10
)

// Signal is one weighted piece of textual evidence.
type Signal struct {
	Pattern         string      `json:"pattern"`
	Weight          int         `json:"weight"`
	Location        Location    `json:"location"`
	PatternType     PatternType `json:"patternType"`
	Tier            Tier        `json:"tier"`
	Description     string      `json:"description,omitempty"`
	Enabled         bool        `json:"enabled"`
	MaxContribution *int        `json:"maxContribution,omitempty"`
}

// Contribution is the weight applied when the signal matches.
func (s Signal) Contribution() int {
	if s.MaxContribution != nil && *s.MaxContribution < s.Weight {
		return *s.MaxContribution
	}
	return s.Weight
}

// CoOccurrenceBonus adds BonusWeight when both patterns appear within
// ProximityWords words of each other.
type CoOccurrenceBonus struct {
	SignalPair     [2]string `json:"signalPair"`
	BonusWeight    int       `json:"bonusWeight"`
	ProximityWords int       `json:"proximityWords"`
	Description    string    `json:"description,omitempty"`
}

// CategoryRule is the complete decision policy for one category.
type CategoryRule struct {
	CategoryName    string `json:"categoryName"`
	OutlookCategory string `json:"outlookCategory"`
	Threshold       int    `json:"threshold"`

	ScoringMethod          ScoringMethod `json:"scoringMethod"`
	WeakSignalCap          int           `json:"weakSignalCap"`
	MediumSignalMultiplier float64       `json:"mediumSignalMultiplier"`

	StrongSignals     []Signal `json:"strongSignals"`
	MediumSignals     []Signal `json:"mediumSignals"`
	WeakSignals       []Signal `json:"weakSignals"`
	NegativeSignals   []Signal `json:"negativeSignals"`
	AttachmentSignals []Signal `json:"attachmentSignals"`

	CoOccurrenceBonuses []CoOccurrenceBonus `json:"coOccurrenceBonuses"`
	Enabled             bool                `json:"enabled"`
}

// NewCategoryRule returns an enabled tiered rule with default policy values.
func NewCategoryRule(name, label string) *CategoryRule {
	return &CategoryRule{
		CategoryName:           name,
		OutlookCategory:        label,
		Threshold:              DefaultThreshold,
		ScoringMethod:          MethodTiered,
		WeakSignalCap:          DefaultWeakSignalCap,
		MediumSignalMultiplier: DefaultMediumSignalMultiplier,
		Enabled:                true,
	}
}

// SignalsFor returns the signal list for a tier.
func (r *CategoryRule) SignalsFor(tier Tier) []Signal {
	switch tier {
	case TierStrong:
		return r.StrongSignals
	case TierMedium:
		return r.MediumSignals
	case TierWeak:
		return r.WeakSignals
	case TierNegative:
		return r.NegativeSignals
	case TierAttachment:
		return r.AttachmentSignals
	}
	return nil
}

// SetSignals replaces the signal list for a tier.
func (r *CategoryRule) SetSignals(tier Tier, signals []Signal) {
	switch tier {
	case TierStrong:
		r.StrongSignals = signals
	case TierMedium:
		r.MediumSignals = signals
	case TierWeak:
		r.WeakSignals = signals
	case TierNegative:
		r.NegativeSignals = signals
	case TierAttachment:
		r.AttachmentSignals = signals
	}
}

// SignalCount returns the number of signals across all tiers.
func (r *CategoryRule) SignalCount() int {
	n := 0
	for _, tier := range Tiers {
		n += len(r.SignalsFor(tier))
	}
	return n
}

// Clone returns a deep copy of the rule.
func (r *CategoryRule) Clone() *CategoryRule {
	c := *r
	for _, tier := range Tiers {
		src := r.SignalsFor(tier)
		if src == nil {
			continue
		}
		dst := make([]Signal, len(src))
		for i, s := range src {
			dst[i] = s
			if s.MaxContribution != nil {
				v := *s.MaxContribution
				dst[i].MaxContribution = &v
			}
		}
		c.SetSignals(tier, dst)
	}
	if r.CoOccurrenceBonuses != nil {
		c.CoOccurrenceBonuses = append([]CoOccurrenceBonus(nil), r.CoOccurrenceBonuses...)
	}
	return &c
}
