package logging

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaskEmail keeps the first and last character of each part of an address.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	mask := func(part string) string {
		if len(part) <= 1 {
			return "*"
		}
		return part[:1] + strings.Repeat("*", max(0, len(part)-2)) + part[len(part)-1:]
	}
	labels := strings.Split(s[at+1:], ".")
	for i, p := range labels {
		labels[i] = mask(p)
	}
	return mask(s[:at]) + "@" + strings.Join(labels, ".")
}

var emailRE = regexp.MustCompile(`(?i)[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// RedactEmailsIn masks every address found in s.
func RedactEmailsIn(s string) string {
	return emailRE.ReplaceAllStringFunc(s, MaskEmail)
}

// BoundAndClean drops control characters and truncates to at most n bytes
// without splitting a rune.
func BoundAndClean(s string, n int) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 32 || r == 127 {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if n <= 0 || len(out) <= n {
		return out
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut]
}

// Subject prepares a subject line for logging.
func Subject(s string) string {
	return BoundAndClean(RedactEmailsIn(s), 120)
}
