// Package redact strips secrets and identifying material from outbound
// payloads. The same pass runs on telemetry events, audit payloads, and
// error messages before anything leaves the process.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[redacted]"

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	guidPattern  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	// Long opaque tokens: 24+ chars of base64/hex-ish material with no spaces.
	tokenPattern = regexp.MustCompile(`\b[A-Za-z0-9_\-]{24,}\b`)
	queryPattern = regexp.MustCompile(`\?[^\s"']*`)
	pathPattern  = regexp.MustCompile(`(?:[A-Za-z]:\\|/)[\w.\-\\/]{2,}`)
)

// secretFieldSuffixes are field names whose values are always dropped.
var secretFieldSuffixes = []string{"_KEY", "_TOKEN", "_SECRET"}

// String applies all redaction rules to a free-form string.
func String(s string) string {
	s = emailPattern.ReplaceAllString(s, placeholder)
	s = guidPattern.ReplaceAllString(s, placeholder)
	s = queryPattern.ReplaceAllString(s, "?"+placeholder)
	s = pathPattern.ReplaceAllString(s, placeholder)
	s = tokenPattern.ReplaceAllString(s, placeholder)
	return s
}

// Map redacts a payload map in depth: secret-named fields are replaced
// wholesale, string values pass through String. The input is not mutated.
func Map(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if isSecretField(k) {
			out[k] = placeholder
			continue
		}
		switch t := v.(type) {
		case string:
			out[k] = String(t)
		case map[string]any:
			out[k] = Map(t)
		case []any:
			items := make([]any, len(t))
			for i, item := range t {
				if s, ok := item.(string); ok {
					items[i] = String(s)
				} else if m, ok := item.(map[string]any); ok {
					items[i] = Map(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}

func isSecretField(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range secretFieldSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}
