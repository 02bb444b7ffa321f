package rules

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/opensource-finance/heron/internal/domain"
)

// dollarAmount matches $100, $1,000 and $500.00.
var dollarAmount = regexp.MustCompile(`\$\d{1,3}(?:,\d{3})*(?:\.\d{2})?`)

// Matcher evaluates signal patterns against text. It owns the compiled
// pattern cache for the regex and word-boundary strategies and is safe for
// concurrent use.
type Matcher struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewMatcher creates a matcher with an empty pattern cache.
func NewMatcher() *Matcher {
	return &Matcher{
		compiled: make(map[string]*regexp.Regexp),
	}
}

// Match reports whether sig matches text. Disabled signals never match.
// An uncompilable regex returns a *domain.PatternError.
func (m *Matcher) Match(sig domain.Signal, text string) (bool, error) {
	if !sig.Enabled {
		return false, nil
	}

	text = strings.ToLower(text)

	switch sig.PatternType {
	case domain.PatternRegex:
		re, err := m.compile("re:"+sig.Pattern, "(?i)"+sig.Pattern)
		if err != nil {
			return false, &domain.PatternError{Pattern: sig.Pattern, Err: err}
		}
		return re.MatchString(text), nil

	case domain.PatternWordBoundary:
		pattern := strings.ToLower(sig.Pattern)
		re, err := m.compile("wb:"+pattern, wordBoundaryExpr(pattern))
		if err != nil {
			return false, &domain.PatternError{Pattern: sig.Pattern, Err: err}
		}
		return re.MatchString(text), nil

	case domain.PatternDollarAmount:
		return dollarAmount.MatchString(text), nil

	default:
		return strings.Contains(text, strings.ToLower(sig.Pattern)), nil
	}
}

// compile returns the cached program for key, compiling expr on first use.
// Failed compilations are not cached.
func (m *Matcher) compile(key, expr string) (*regexp.Regexp, error) {
	m.mu.RLock()
	re, ok := m.compiled[key]
	m.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.compiled[key] = re
	m.mu.Unlock()

	return re, nil
}

// wordChars is the Unicode-aware equivalent of \w. RE2's \b only knows
// ASCII word characters, so boundaries are spelled out with classes.
const wordChars = `\p{L}\p{M}\p{N}_`

// wordBoundaryExpr anchors pattern on word boundaries. A side that starts or
// ends with a word character must not touch another word character; a side
// that starts or ends with punctuation must touch one.
func wordBoundaryExpr(pattern string) string {
	if pattern == "" {
		return "(?i)"
	}
	first, _ := utf8.DecodeRuneInString(pattern)
	last, _ := utf8.DecodeLastRuneInString(pattern)

	before := `(?:^|[^` + wordChars + `])`
	if !isWordRune(first) {
		before = `[` + wordChars + `]`
	}
	after := `(?:$|[^` + wordChars + `])`
	if !isWordRune(last) {
		after = `[` + wordChars + `]`
	}
	return `(?i)` + before + regexp.QuoteMeta(pattern) + after
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsMark(r) || unicode.IsNumber(r)
}

// FindProximity reports whether a and b occur within maxWords words of each
// other. A word matches a pattern when it contains it, case-insensitively.
func (m *Matcher) FindProximity(a, b, text string, maxWords int) bool {
	words := strings.Fields(strings.ToLower(text))
	a = strings.ToLower(a)
	b = strings.ToLower(b)

	var indicesA, indicesB []int
	for i, w := range words {
		if strings.Contains(w, a) {
			indicesA = append(indicesA, i)
		}
		if strings.Contains(w, b) {
			indicesB = append(indicesB, i)
		}
	}

	for _, i := range indicesA {
		for _, j := range indicesB {
			d := i - j
			if d < 0 {
				d = -d
			}
			if d <= maxWords {
				return true
			}
		}
	}
	return false
}

// ClearCache drops every compiled pattern.
func (m *Matcher) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compiled = make(map[string]*regexp.Regexp)
}

// CacheSize returns the number of compiled patterns held.
func (m *Matcher) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.compiled)
}
