// Package sentitems finds a just-sent RFQ in the eventually consistent Sent
// Items folder and files it under its material.
package sentitems

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/logging"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/metrics"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/reliability"
)

// Defaults: five attempts waiting 2s, 3s, 4s, 5s and 6s.
const (
	DefaultAttempts    = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultStepDelay   = time.Second
	DefaultRecentLimit = 25
)

// How a sent item was matched.
const (
	MatchSubjectRecipient = "subject_recipient"
	MatchSubjectNewest    = "subject_newest"
	MatchRecentRecipient  = "recent_recipient"
	MatchRecentSubject    = "recent_subject"
)

// Result is what the send workflow is told.
type Result struct {
	Found     bool
	MessageID string
	Message   *mailbox.Message
	Match     string
	Attempts  int
}

// Resolver locates sent messages.
type Resolver struct {
	gw          mailbox.Gateway
	attempts    int
	delay       reliability.DelayFunc
	recentLimit int
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithAttempts bounds the number of searches.
func WithAttempts(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithDelay replaces the wait before each attempt.
func WithDelay(delay reliability.DelayFunc) ResolverOption {
	return func(r *Resolver) {
		if delay != nil {
			r.delay = delay
		}
	}
}

// WithRecentLimit sets how many recent sent items the fallbacks scan.
func WithRecentLimit(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.recentLimit = n
		}
	}
}

// WithResolverLogger sets the diagnostic logger.
func WithResolverLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithResolverMetrics records attempts per resolution.
func WithResolverMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver returns a Resolver over gw.
func NewResolver(gw mailbox.Gateway, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		gw:          gw,
		attempts:    DefaultAttempts,
		delay:       reliability.LinearDelay(DefaultBaseDelay, DefaultStepDelay),
		recentLimit: DefaultRecentLimit,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve searches Sent Items for the message with subject sent to
// recipient. Not finding it is not an error; the send still succeeded.
func (r *Resolver) Resolve(ctx context.Context, subject, recipient string) (Result, error) {
	subject = strings.TrimSpace(subject)
	recipient = strings.TrimSpace(recipient)
	if subject == "" {
		return Result{}, errors.New("sent item subject required")
	}
	log := r.logger.With().Str("subject", logging.Subject(subject)).Str("recipient", logging.MaskEmail(recipient)).Logger()

	var res Result
	attempts, err := reliability.RetryUntil(ctx, r.attempts, r.delay, func(ctx context.Context, attempt int, last bool) (bool, error) {
		msg, match, err := r.attempt(ctx, subject, recipient, last)
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt+1).Msg("sent items search failed")
			return false, err
		}
		if msg == nil {
			return false, nil
		}
		res = Result{Found: true, MessageID: msg.ID, Message: msg, Match: match}
		return true, nil
	})
	res.Attempts = attempts
	r.metrics.ObserveResolve(attempts, res.Found)

	switch {
	case err == nil:
		log.Info().Int("attempts", attempts).Str("match", res.Match).Msg("sent item located")
		return res, nil
	case errors.Is(err, reliability.ErrAttemptsExhausted):
		log.Warn().Err(err).Int("attempts", attempts).Msg("sent item not found")
		return Result{Attempts: attempts}, nil
	default:
		return Result{Attempts: attempts}, fmt.Errorf("resolve sent item: %w", err)
	}
}

func (r *Resolver) attempt(ctx context.Context, subject, recipient string, last bool) (*mailbox.Message, string, error) {
	bySubject, err := r.gw.SearchBySubject(ctx, mailbox.FolderSentItems, subject, r.recentLimit)
	if err != nil {
		return nil, "", err
	}
	for i := range bySubject {
		if bySubject[i].HasRecipient(recipient) {
			return &bySubject[i], MatchSubjectRecipient, nil
		}
	}
	if len(bySubject) > 0 {
		newest := newestOf(bySubject)
		return newest, MatchSubjectNewest, nil
	}

	recent, err := r.gw.ListMessages(ctx, mailbox.FolderSentItems, mailbox.ListOptions{Limit: r.recentLimit, Order: mailbox.NewestFirst})
	if err != nil {
		return nil, "", err
	}
	for i := range recent {
		if sameSubject(recent[i].Subject, subject) && recent[i].HasRecipient(recipient) {
			return &recent[i], MatchRecentRecipient, nil
		}
	}
	if last {
		for i := range recent {
			if sameSubject(recent[i].Subject, subject) {
				return &recent[i], MatchRecentSubject, nil
			}
		}
	}
	return nil, "", nil
}

func sameSubject(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func newestOf(msgs []mailbox.Message) *mailbox.Message {
	best := &msgs[0]
	for i := range msgs[1:] {
		if msgs[i+1].ReceivedAt.After(best.ReceivedAt) {
			best = &msgs[i+1]
		}
	}
	return best
}
