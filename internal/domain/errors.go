package domain

import (
	"fmt"
	"strings"
)

// PatternError reports a signal pattern that cannot be compiled.
// It only affects the signal that carries it.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// ValidationError reports a violated rule invariant.
type ValidationError struct {
	// Field is the offending field path, e.g. "strong_signals[0].weight".
	Field string

	// Tiers names the conflicting tiers for duplicate-signal errors.
	Tiers []string

	Message string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Field != "" {
		b.WriteString(e.Field)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Tiers) > 0 {
		fmt.Fprintf(&b, " (tiers: %s)", strings.Join(e.Tiers, ", "))
	}
	return b.String()
}

// DocumentError reports a rule document that could not be read or parsed.
type DocumentError struct {
	Path string
	Err  error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("rule document %s: %v", e.Path, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }
