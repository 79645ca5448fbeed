// Package redact scans structured message payloads and log fields for values
// that look like secret material and replaces them with a fixed placeholder.
// It runs before a payload is persisted and before any response body leaves
// the process, per the control plane's universal no-leak invariant.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "***REDACTED***"

// Group 1 of each pattern is the key half kept by String. A value never
// starts with '*', so an already-redacted placeholder does not match again.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}*][^"'\s,}]*)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}*][^"'\s,}]*)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}*][^"'\s,}]*)["']?`),
	regexp.MustCompile(`(?i)(private[_-]?key|privkey)["']?\s*[:=]\s*["']?([^"'\s,}*][^"'\s,}]*)["']?`),
	regexp.MustCompile(`(?i)(access[_-]?key|aws[_-]?secret)["']?\s*[:=]\s*["']?([^"'\s,}*][^"'\s,}]*)["']?`),
	regexp.MustCompile(`(?i)enc2?:[A-Za-z0-9_-]{8,}`),
}

var blockedFieldSubstrings = []string{
	"password", "secret", "token", "apikey", "api_key",
	"private_key", "credential", "auth",
}

// Redactor applies the configured patterns and blocked field names. The zero
// value is ready to use with the default placeholder.
type Redactor struct {
	Placeholder     string
	BlockedFields   []string
	patternOverride []*regexp.Regexp
}

// Default returns a Redactor configured with the control plane's standard
// patterns and blocked field list.
func Default() *Redactor {
	return &Redactor{Placeholder: placeholder, BlockedFields: blockedFieldSubstrings}
}

func (r *Redactor) text() string {
	if r.Placeholder == "" {
		return placeholder
	}
	return r.Placeholder
}

func (r *Redactor) patterns() []*regexp.Regexp {
	if r.patternOverride != nil {
		return r.patternOverride
	}
	return secretPatterns
}

// String scans s for inline `key: value` secret-shaped substrings and
// replaces the value half with the placeholder.
func (r *Redactor) String(s string) string {
	out := s
	for _, p := range r.patterns() {
		out = p.ReplaceAllString(out, "${1}: "+r.text())
	}
	return out
}

// Value redacts an arbitrary decoded-JSON value (the shape produced by
// encoding/json into map[string]any / []any / scalars), recursing into maps
// and slices and blanking any field whose name looks secret-bearing
// regardless of its value's shape.
func (r *Redactor) Value(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return r.Map(x)
	case []any:
		return r.Slice(x)
	case string:
		return r.String(x)
	default:
		return v
	}
}

// Map redacts a decoded JSON object in place (returning a fresh map).
func (r *Redactor) Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.isSecretField(k) {
			out[k] = r.text()
			continue
		}
		out[k] = r.Value(v)
	}
	return out
}

// Slice redacts each element of a decoded JSON array.
func (r *Redactor) Slice(s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = r.Value(v)
	}
	return out
}

func (r *Redactor) isSecretField(field string) bool {
	lower := strings.ToLower(field)
	blocked := r.BlockedFields
	if blocked == nil {
		blocked = blockedFieldSubstrings
	}
	for _, b := range blocked {
		if strings.Contains(lower, strings.ToLower(b)) {
			return true
		}
	}
	return false
}

// Contains reports whether s matches any configured secret pattern, used by
// tests asserting the no-leak invariant against a full response body.
func Contains(s string) bool {
	r := Default()
	for _, p := range r.patterns() {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
