// Package redact scrubs secrets from text before it is persisted or sent
// to a chat transport. Every replacement is counted so callers can keep an
// audit trail without keeping the secret itself.
package redact

import (
	"regexp"
	"sort"
)

// Placeholder replaces each matched secret.
const Placeholder = "[REDACTED]"

// defaultPatterns cover the credential shapes most likely to leak through
// tool output: provider API keys, GitHub tokens, AWS access keys, bearer
// headers, and generic key=value assignments.
var defaultPatterns = []string{
	`sk-[A-Za-z0-9_\-]{16,}`,
	`gh[pousr]_[A-Za-z0-9]{20,}`,
	`github_pat_[A-Za-z0-9_]{20,}`,
	`AKIA[0-9A-Z]{16}`,
	`(?i)bearer\s+[A-Za-z0-9_\-\.=]{16,}`,
	`(?i)(api[_-]?key|token|secret|password|passwd)\s*[:=]\s*["']?[^\s"']{8,}["']?`,
	`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`,
}

// Result reports what a redaction pass did.
type Result struct {
	Text         string
	Replacements int
	// Patterns lists, in stable order, the pattern sources that fired.
	Patterns []string
}

// Redactor applies a compiled pattern set.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New compiles the default pattern set plus any extra patterns. Extra
// patterns that fail to compile are skipped rather than failing the whole
// redactor; output safety should not depend on operator-supplied regexes
// being perfect.
func New(extra ...string) *Redactor {
	r := &Redactor{}
	for _, p := range append(append([]string{}, defaultPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	return r
}

// Apply scrubs text and reports how many replacements each pass made.
func (r *Redactor) Apply(text string) Result {
	res := Result{Text: text}
	fired := make(map[string]struct{})
	for _, re := range r.patterns {
		n := 0
		res.Text = re.ReplaceAllStringFunc(res.Text, func(string) string {
			n++
			return Placeholder
		})
		if n > 0 {
			res.Replacements += n
			fired[re.String()] = struct{}{}
		}
	}
	for p := range fired {
		res.Patterns = append(res.Patterns, p)
	}
	sort.Strings(res.Patterns)
	return res
}

// String scrubs text and discards the audit information.
func (r *Redactor) String(text string) string {
	return r.Apply(text).Text
}
