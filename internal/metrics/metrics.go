// Package metrics defines the Prometheus metrics exported by Heron.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scoring metrics
var (
	MessagesScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_messages_scored_total",
			Help: "Total number of messages scored against the loaded rules",
		},
		[]string{"origin"},
	)

	CategoryDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_category_decisions_total",
			Help: "Scoring decisions per category",
		},
		[]string{"category", "decision"},
	)

	PatternErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heron_pattern_errors_total",
			Help: "Signals skipped because their pattern failed to compile",
		},
	)

	ScoringDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heron_scoring_duration_seconds",
			Help:    "Time spent scoring one message against all rules",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)
)

// Labelling metrics
var (
	LabelsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_labels_applied_total",
			Help: "Labels applied to messages, or that would be in dry-run mode",
		},
		[]string{"category", "mode"},
	)

	LabelsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_labels_suppressed_total",
			Help: "Qualifying labels skipped because the message already had them",
		},
		[]string{"category"},
	)

	LabelErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heron_label_errors_total",
			Help: "Failures applying a label in the mail source",
		},
	)
)

// Rule store metrics
var (
	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "heron_rules_loaded",
			Help: "Number of category rules currently loaded in the engine",
		},
	)

	RuleReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_rule_reloads_total",
			Help: "Rule directory reloads",
		},
		[]string{"result"},
	)

	DocumentsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_rule_documents_skipped_total",
			Help: "Rule documents skipped while loading a directory",
		},
		[]string{"reason"},
	)
)

// Pipeline metrics
var (
	MessagesPolled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_messages_polled_total",
			Help: "Messages fetched from a mail source",
		},
		[]string{"source"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_poll_errors_total",
			Help: "Failed poll cycles",
		},
		[]string{"source"},
	)

	DuplicateMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heron_duplicate_messages_total",
			Help: "Messages skipped because they were already claimed",
		},
	)
)
