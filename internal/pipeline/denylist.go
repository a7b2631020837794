package pipeline

import (
	"strings"
	"sync"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// DefaultDenySenders are automated senders whose mail is deleted unread.
var DefaultDenySenders = []string{
	"mailer-daemon",
	"postmaster",
	"microsoft outlook",
	"no-reply",
	"noreply",
}

// DenyList matches automated system senders. Patterns can be replaced at
// runtime, e.g. on config reload.
type DenyList struct {
	mu       sync.RWMutex
	patterns []string
}

// NewDenyList returns a list holding patterns.
func NewDenyList(patterns ...string) *DenyList {
	d := &DenyList{}
	d.Set(patterns)
	return d
}

// Set replaces the patterns.
func (d *DenyList) Set(patterns []string) {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	d.mu.Lock()
	d.patterns = cleaned
	d.mu.Unlock()
}

// Patterns returns a copy of the current patterns.
func (d *DenyList) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.patterns...)
}

// Match reports whether the sender is denied. A pattern matches when the
// display name contains it, when it equals the full address or its local
// part, or when it equals the domain or a parent domain.
func (d *DenyList) Match(from mailbox.Address) bool {
	if d == nil {
		return false
	}
	name := strings.ToLower(strings.TrimSpace(from.Name))
	addr := strings.ToLower(strings.TrimSpace(from.Address))
	local := addr
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		local = addr[:at]
	}
	domain := from.Domain()

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.patterns {
		switch {
		case name != "" && strings.Contains(name, p):
			return true
		case addr != "" && (addr == p || local == p):
			return true
		case domain != "" && (domain == p || strings.HasSuffix(domain, "."+p)):
			return true
		}
	}
	return false
}
