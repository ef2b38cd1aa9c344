// Package redact removes personal data from prompts before they leave the
// gateway. Matches are replaced by fixed category tags; matched values are
// never returned, stored or logged.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

type Category string

const (
	CategoryIBAN    Category = "iban"
	CategoryAccount Category = "account"
	CategoryEmail   Category = "email"
	CategoryPhone   Category = "phone"
)

const (
	TagIBAN    = "[IBAN_REDACTED]"
	TagAccount = "[ACCOUNT_REDACTED]"
	TagEmail   = "[EMAIL_REDACTED]"
	TagPhone   = "[PHONE_REDACTED]"
)

// Findings counts redacted matches per category.
type Findings map[Category]int

func (f Findings) Any() bool {
	return len(f) > 0
}

// Categories returns the categories found, sorted.
func (f Findings) Categories() []string {
	out := make([]string, 0, len(f))
	for c := range f {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

type matcher struct {
	category  Category
	tag       string
	pattern   *regexp.Regexp
	minDigits int
	// accept filters raw regexp matches; nil accepts all.
	accept func(text string, start, end int) bool
}

// Redactor is stateless after construction and safe for concurrent use.
type Redactor struct {
	matchers []matcher
	logger   zerolog.Logger
}

// New returns a Redactor with the default matcher order. Broader patterns run
// first so that narrower numeric ones cannot consume part of an account
// number or IBAN.
func New(logger zerolog.Logger) *Redactor {
	return &Redactor{
		matchers: defaultMatchers(),
		logger:   logger.With().Str("component", "redact").Logger(),
	}
}

func defaultMatchers() []matcher {
	return []matcher{
		{
			category: CategoryIBAN,
			tag:      TagIBAN,
			pattern:  regexp.MustCompile(`\b[A-Z]{2}[0-9]{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`),
		},
		{
			// Card numbers and bank account numbers: 12 or more digits, optionally
			// grouped by single spaces or hyphens. Runs glued to letters count.
			category:  CategoryAccount,
			tag:       TagAccount,
			pattern:   regexp.MustCompile(`\d(?:[ \-]?\d){11,}`),
			minDigits: 12,
			accept:    wholeDigitRun,
		},
		{
			category: CategoryEmail,
			tag:      TagEmail,
			pattern:  regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		},
		{
			// +49 30 1234567, 0033 1 23 45 67 89
			category:  CategoryPhone,
			tag:       TagPhone,
			pattern:   regexp.MustCompile(`(?:\+|\b00)[1-9](?:[ .\-/]?\(?\d\)?){6,14}`),
			minDigits: 7,
		},
		{
			// 030 1234567, 0170-1234567, 06 12 34 56 78
			category:  CategoryPhone,
			tag:       TagPhone,
			pattern:   regexp.MustCompile(`\b0\d{1,4}(?:[ \-/]?\d{2,8}){1,4}\b`),
			minDigits: 7,
		},
	}
}

// Sanitize returns text with every recognised personal data match replaced
// and reports whether anything was replaced. It fails open: on an internal
// fault the original text is returned unmodified.
func (r *Redactor) Sanitize(text string) (string, bool) {
	cleaned, findings := r.Scan(text)
	return cleaned, findings.Any()
}

// Scan is Sanitize with per-category counts.
func (r *Redactor) Scan(text string) (cleaned string, findings Findings) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("fault", fmt.Sprintf("%T", rec)).
				Int("text_len", len(text)).
				Msg("redaction failed, forwarding text unmodified")
			cleaned, findings = text, Findings{}
		}
	}()

	findings = Findings{}
	cleaned = text
	// A replacement can expose a new boundary for an earlier matcher, so passes
	// repeat until the text is stable.
	for pass := 0; pass <= len(r.matchers); pass++ {
		changed := false
		for _, m := range r.matchers {
			var n int
			cleaned, n = m.replace(cleaned)
			if n > 0 {
				findings[m.category] += n
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return cleaned, findings
}

func (m matcher) replace(text string) (string, int) {
	locs := m.pattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text, 0
	}

	var b strings.Builder
	b.Grow(len(text))
	last, n := 0, 0
	for _, loc := range locs {
		start, end := loc[0], loc[1]
		if m.minDigits > 0 && countDigits(text[start:end]) < m.minDigits {
			continue
		}
		if m.accept != nil && !m.accept(text, start, end) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(m.tag)
		last = end
		n++
	}
	if n == 0 {
		return text, 0
	}
	b.WriteString(text[last:])
	return b.String(), n
}

// wholeDigitRun rejects matches that start or end inside a longer digit run.
// Runs that carry an international dialing prefix are left to the phone
// matchers.
func wholeDigitRun(text string, start, end int) bool {
	if start > 0 && (isDigit(text[start-1]) || text[start-1] == '+') {
		return false
	}
	if end < len(text) && isDigit(text[end]) {
		return false
	}
	return !strings.HasPrefix(text[start:end], "00")
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if isDigit(s[i]) {
			n++
		}
	}
	return n
}
