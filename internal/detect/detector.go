// Package detect decides whether an inbound message answers a sent RFQ and
// which material it belongs to.
package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// Method names the strategy that produced a match.
type Method string

const (
	MethodSubject          Method = "subject"
	MethodConversation     Method = "conversation"
	MethodFolderAncestry   Method = "folder_ancestry"
	MethodFolderMembership Method = "folder_membership"
)

// Evidence is the transient result of a successful detection.
type Evidence struct {
	MaterialCode    string
	ParentMessageID string
	ParentSubject   string
	Method          Method
}

// Strategy is one detection heuristic. A nil Evidence with a nil error
// means the strategy did not match.
type Strategy interface {
	Name() Method
	Detect(ctx context.Context, msg *mailbox.Message) (*Evidence, error)
}

var (
	materialToken = regexp.MustCompile(`(?i)MAT-\d+`)
	replyMarker   = regexp.MustCompile(`(?i)^(re|fw|fwd):`)
)

// ExtractMaterialCode returns the first MAT-nnn token in s, upper-cased.
func ExtractMaterialCode(s string) (string, bool) {
	tok := materialToken.FindString(s)
	if tok == "" {
		return "", false
	}
	return strings.ToUpper(tok), true
}

// IsReplySubject reports whether the subject starts with a reply or forward
// marker.
func IsReplySubject(subject string) bool {
	return replyMarker.MatchString(strings.TrimSpace(subject))
}

// Detector runs strategies in order; the first match wins.
type Detector struct {
	strategies []Strategy
	logger     zerolog.Logger
}

// Option customizes a Detector.
type Option func(*Detector)

// WithLogger sets the diagnostic logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithStrategies replaces the default cascade.
func WithStrategies(strategies ...Strategy) Option {
	return func(d *Detector) {
		d.strategies = strategies
	}
}

// New returns the default four-step cascade over gw: subject, conversation,
// folder ancestry, folder membership.
func New(gw mailbox.Gateway, opts ...Option) *Detector {
	walker := NewAncestryWalker(gw)
	d := &Detector{
		strategies: []Strategy{
			SubjectStrategy{},
			&ConversationStrategy{gw: gw, walker: walker},
			&FolderAncestryStrategy{walker: walker},
			&FolderMembershipStrategy{gw: gw, walker: walker},
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Strategies returns the configured cascade.
func (d *Detector) Strategies() []Strategy {
	return append([]Strategy(nil), d.strategies...)
}

// Detect returns the first match, or false when no strategy matched.
// Strategy failures are logged and the cascade moves on.
func (d *Detector) Detect(ctx context.Context, msg *mailbox.Message) (*Evidence, bool) {
	if msg == nil {
		return nil, false
	}
	for _, s := range d.strategies {
		ev, err := s.Detect(ctx, msg)
		if err != nil {
			d.logger.Warn().Err(err).Str("strategy", string(s.Name())).Str("message_id", msg.ID).Msg("detection strategy failed")
			continue
		}
		if ev != nil {
			return ev, true
		}
	}
	return nil, false
}
