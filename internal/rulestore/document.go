package rulestore

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/heron/internal/domain"
)

// Document versions.
const (
	Version1       = "1.0"
	Version2       = "2.0"
	CurrentVersion = Version2
)

// docVersion reads the raw scalar so an unquoted 1.0 stays "1.0".
type docVersion string

func (v *docVersion) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("version must be a scalar")
	}
	*v = docVersion(strings.TrimSpace(node.Value))
	return nil
}

type header struct {
	Version docVersion `yaml:"version"`
}

type signalDoc struct {
	Pattern         string `yaml:"pattern"`
	Weight          int    `yaml:"weight"`
	Location        string `yaml:"location,omitempty"`
	PatternType     string `yaml:"pattern_type,omitempty"`
	Tier            string `yaml:"tier,omitempty"`
	Description     string `yaml:"description"`
	Enabled         *bool  `yaml:"enabled,omitempty"`
	MaxContribution *int   `yaml:"max_contribution,omitempty"`
}

type bonusDoc struct {
	SignalPair     []string `yaml:"signal_pair,flow"`
	BonusWeight    int      `yaml:"bonus_weight"`
	ProximityWords int      `yaml:"proximity_words,omitempty"`
	Description    string   `yaml:"description"`
}

type categoryDoc struct {
	Name            string `yaml:"name"`
	OutlookCategory string `yaml:"outlook_category,omitempty"`
	Threshold       *int   `yaml:"threshold,omitempty"`
	Enabled         *bool  `yaml:"enabled,omitempty"`
}

type scoringDoc struct {
	Method                 string   `yaml:"method,omitempty"`
	WeakSignalCap          *int     `yaml:"weak_signal_cap,omitempty"`
	MediumSignalMultiplier *float64 `yaml:"medium_signal_multiplier,omitempty"`
}

type signalsDoc struct {
	Strong     []signalDoc `yaml:"strong"`
	Medium     []signalDoc `yaml:"medium"`
	Weak       []signalDoc `yaml:"weak"`
	Negative   []signalDoc `yaml:"negative"`
	Attachment []signalDoc `yaml:"attachment"`
}

// documentV2 is the canonical nested shape.
type documentV2 struct {
	Version             string      `yaml:"version"`
	Category            categoryDoc `yaml:"category"`
	Scoring             scoringDoc  `yaml:"scoring"`
	Signals             signalsDoc  `yaml:"signals"`
	CoOccurrenceBonuses []bonusDoc  `yaml:"co_occurrence_bonuses"`
}

// documentV1 keeps signal lists at the top level with no scoring block.
type documentV1 struct {
	CategoryName        string      `yaml:"category_name"`
	OutlookCategory     string      `yaml:"outlook_category"`
	Threshold           *int        `yaml:"threshold"`
	StrongSignals       []signalDoc `yaml:"strong_signals"`
	MediumSignals       []signalDoc `yaml:"medium_signals"`
	WeakSignals         []signalDoc `yaml:"weak_signals"`
	NegativeSignals     []signalDoc `yaml:"negative_signals"`
	AttachmentSignals   []signalDoc `yaml:"attachment_signals"`
	CoOccurrenceBonuses []bonusDoc  `yaml:"co_occurrence_bonuses"`
}

// decoders maps a document version to a decoder producing the current
// shape. Older versions decode into their own shape and migrate forward.
var decoders = map[string]func(data []byte) (*documentV2, error){
	Version1: func(data []byte) (*documentV2, error) {
		var doc documentV1
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return migrateV1(doc), nil
	},
	Version2: func(data []byte) (*documentV2, error) {
		var doc documentV2
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	},
}

// documentVersion returns the declared version, defaulting to 1.0.
func documentVersion(data []byte) (string, error) {
	var h header
	if err := yaml.Unmarshal(data, &h); err != nil {
		return "", err
	}
	if h.Version == "" {
		return Version1, nil
	}
	return string(h.Version), nil
}

// decodeDocument parses data of any supported version into a rule.
func decodeDocument(data []byte) (*domain.CategoryRule, string, error) {
	version, err := documentVersion(data)
	if err != nil {
		return nil, "", err
	}
	decode, ok := decoders[version]
	if !ok {
		return nil, version, fmt.Errorf("unsupported document version %q", version)
	}
	doc, err := decode(data)
	if err != nil {
		return nil, version, err
	}
	rule, err := flatten(doc)
	return rule, version, err
}

// migrateV1 lifts a 1.0 document into the 2.0 shape. Pattern types missing
// from the source are inferred from the pattern and tiers default to medium.
func migrateV1(v1 documentV1) *documentV2 {
	enabled := true
	label := v1.OutlookCategory
	if label == "" {
		label = v1.CategoryName
	}

	return &documentV2{
		Version: Version2,
		Category: categoryDoc{
			Name:            v1.CategoryName,
			OutlookCategory: label,
			Threshold:       v1.Threshold,
			Enabled:         &enabled,
		},
		Scoring: scoringDoc{
			Method: string(domain.MethodTiered),
		},
		Signals: signalsDoc{
			Strong:     migrateSignalsV1(v1.StrongSignals),
			Medium:     migrateSignalsV1(v1.MediumSignals),
			Weak:       migrateSignalsV1(v1.WeakSignals),
			Negative:   migrateSignalsV1(v1.NegativeSignals),
			Attachment: migrateSignalsV1(v1.AttachmentSignals),
		},
		CoOccurrenceBonuses: v1.CoOccurrenceBonuses,
	}
}

func migrateSignalsV1(signals []signalDoc) []signalDoc {
	if signals == nil {
		return nil
	}
	out := make([]signalDoc, len(signals))
	for i, s := range signals {
		if s.Location == "" {
			s.Location = string(domain.LocationAnywhere)
		}
		if s.PatternType == "" {
			s.PatternType = string(inferPatternType(s.Pattern))
		}
		if s.Tier == "" {
			s.Tier = string(domain.TierMedium)
		}
		if s.Enabled == nil {
			enabled := true
			s.Enabled = &enabled
		}
		out[i] = s
	}
	return out
}

func inferPatternType(pattern string) domain.PatternType {
	switch {
	case pattern == "$":
		return domain.PatternDollarAmount
	case len([]rune(pattern)) <= 3:
		return domain.PatternWordBoundary
	default:
		return domain.PatternSubstring
	}
}

// flatten converts the nested document into the rule layout, applying
// defaults for omitted fields.
func flatten(doc *documentV2) (*domain.CategoryRule, error) {
	rule := domain.NewCategoryRule(
		strings.TrimSpace(doc.Category.Name),
		strings.TrimSpace(doc.Category.OutlookCategory),
	)
	if rule.OutlookCategory == "" {
		rule.OutlookCategory = rule.CategoryName
	}
	if doc.Category.Threshold != nil {
		rule.Threshold = *doc.Category.Threshold
	}
	if doc.Category.Enabled != nil {
		rule.Enabled = *doc.Category.Enabled
	}

	method, err := domain.ParseScoringMethod(doc.Scoring.Method)
	if err != nil {
		return nil, &domain.ValidationError{Field: "scoring.method", Message: err.Error()}
	}
	rule.ScoringMethod = method
	if doc.Scoring.WeakSignalCap != nil {
		rule.WeakSignalCap = *doc.Scoring.WeakSignalCap
	}
	if doc.Scoring.MediumSignalMultiplier != nil {
		rule.MediumSignalMultiplier = *doc.Scoring.MediumSignalMultiplier
	}

	groups := map[domain.Tier][]signalDoc{
		domain.TierStrong:     doc.Signals.Strong,
		domain.TierMedium:     doc.Signals.Medium,
		domain.TierWeak:       doc.Signals.Weak,
		domain.TierNegative:   doc.Signals.Negative,
		domain.TierAttachment: doc.Signals.Attachment,
	}
	for _, tier := range domain.Tiers {
		signals, err := flattenSignals(tier, groups[tier])
		if err != nil {
			return nil, err
		}
		rule.SetSignals(tier, signals)
	}

	for i, b := range doc.CoOccurrenceBonuses {
		if len(b.SignalPair) != 2 {
			return nil, &domain.ValidationError{
				Field:   fmt.Sprintf("co_occurrence_bonuses[%d].signal_pair", i),
				Message: "must contain exactly 2 patterns",
			}
		}
		proximity := b.ProximityWords
		if proximity == 0 {
			proximity = domain.DefaultProximityWords
		}
		rule.CoOccurrenceBonuses = append(rule.CoOccurrenceBonuses, domain.CoOccurrenceBonus{
			SignalPair:     [2]string{strings.TrimSpace(b.SignalPair[0]), strings.TrimSpace(b.SignalPair[1])},
			BonusWeight:    b.BonusWeight,
			ProximityWords: proximity,
			Description:    b.Description,
		})
	}

	return rule, nil
}

func flattenSignals(tier domain.Tier, docs []signalDoc) ([]domain.Signal, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	signals := make([]domain.Signal, 0, len(docs))
	for i, d := range docs {
		field := fmt.Sprintf("%s_signals[%d]", tier, i)

		location, err := domain.ParseLocation(d.Location)
		if err != nil {
			return nil, &domain.ValidationError{Field: field + ".location", Message: err.Error()}
		}
		sigTier, err := domain.ParseTier(d.Tier)
		if err != nil {
			return nil, &domain.ValidationError{Field: field + ".tier", Message: err.Error()}
		}

		pattern := strings.TrimSpace(d.Pattern)
		patternType := domain.ParsePatternType(d.PatternType)
		if pattern == "$" && d.PatternType == "" {
			patternType = domain.PatternDollarAmount
		}

		s := domain.Signal{
			Pattern:     pattern,
			Weight:      d.Weight,
			Location:    location,
			PatternType: patternType,
			Tier:        sigTier,
			Description: d.Description,
			Enabled:     d.Enabled == nil || *d.Enabled,
		}
		if d.MaxContribution != nil {
			v := *d.MaxContribution
			s.MaxContribution = &v
		}
		signals = append(signals, s)
	}
	return signals, nil
}

// encodeV2 renders rule in the canonical 2.0 shape.
func encodeV2(rule *domain.CategoryRule) ([]byte, error) {
	threshold := rule.Threshold
	enabled := rule.Enabled
	weakCap := rule.WeakSignalCap
	multiplier := rule.MediumSignalMultiplier

	doc := documentV2{
		Version: CurrentVersion,
		Category: categoryDoc{
			Name:            rule.CategoryName,
			OutlookCategory: rule.OutlookCategory,
			Threshold:       &threshold,
			Enabled:         &enabled,
		},
		Scoring: scoringDoc{
			Method:                 string(rule.ScoringMethod),
			WeakSignalCap:          &weakCap,
			MediumSignalMultiplier: &multiplier,
		},
		Signals: signalsDoc{
			Strong:     encodeSignals(rule.StrongSignals),
			Medium:     encodeSignals(rule.MediumSignals),
			Weak:       encodeSignals(rule.WeakSignals),
			Negative:   encodeSignals(rule.NegativeSignals),
			Attachment: encodeSignals(rule.AttachmentSignals),
		},
		CoOccurrenceBonuses: make([]bonusDoc, 0, len(rule.CoOccurrenceBonuses)),
	}
	for _, b := range rule.CoOccurrenceBonuses {
		doc.CoOccurrenceBonuses = append(doc.CoOccurrenceBonuses, bonusDoc{
			SignalPair:     []string{b.SignalPair[0], b.SignalPair[1]},
			BonusWeight:    b.BonusWeight,
			ProximityWords: b.ProximityWords,
			Description:    b.Description,
		})
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeSignals(signals []domain.Signal) []signalDoc {
	out := make([]signalDoc, 0, len(signals))
	for _, s := range signals {
		enabled := s.Enabled
		d := signalDoc{
			Pattern:     s.Pattern,
			Weight:      s.Weight,
			Location:    string(s.Location),
			PatternType: string(s.PatternType),
			Tier:        string(s.Tier),
			Description: s.Description,
			Enabled:     &enabled,
		}
		if s.MaxContribution != nil {
			v := *s.MaxContribution
			d.MaxContribution = &v
		}
		out = append(out, d)
	}
	return out
}
