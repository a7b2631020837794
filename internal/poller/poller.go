// Package poller drives the reply pipeline over the inbox on a fixed
// interval. Ticks never overlap: a tick that fires while another pass is in
// flight is skipped.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/logging"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/metrics"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/pipeline"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultPageSize = 25
	DefaultTimeout  = 5 * time.Minute
)

// ErrBusy is returned by RunOnce while another pass is in flight.
var ErrBusy = errors.New("poller: pass already in flight")

// processor is the part of *pipeline.Pipeline the poller drives.
type processor interface {
	Process(ctx context.Context, msg mailbox.Message) (pipeline.Result, error)
	Processed() *pipeline.ProcessedSet
	Reset()
	Quarantined() []pipeline.Quarantine
}

// Counts tallies one pass.
type Counts struct {
	Listed      int `json:"listed"`
	Skipped     int `json:"skipped"`
	Filed       int `json:"filed"`
	NoMatch     int `json:"no_match"`
	Unfiled     int `json:"unfiled"`
	Deleted     int `json:"deleted"`
	Failed      int `json:"failed"`
	Quarantined int `json:"quarantined"`
}

// Status is a snapshot for operators.
type Status struct {
	Running       bool      `json:"running"`
	InFlight      bool      `json:"in_flight"`
	Interval      string    `json:"interval"`
	LastRunID     string    `json:"last_run_id,omitempty"`
	LastStarted   time.Time `json:"last_started,omitempty"`
	LastFinished  time.Time `json:"last_finished,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastCounts    Counts    `json:"last_counts"`
	Passes        int       `json:"passes"`
	SkippedTicks  int       `json:"skipped_ticks"`
	Processed     int       `json:"processed"`
	Quarantined   int       `json:"quarantined"`
	Authenticated bool      `json:"authenticated"`
}

// Poller schedules pipeline passes.
type Poller struct {
	gw        mailbox.Gateway
	proc      processor
	interval  time.Duration
	pageSize  int
	timeout   time.Duration
	authCheck func(context.Context) error
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	passMu   sync.Mutex
	inFlight atomic.Bool
	running  atomic.Bool

	mu     sync.Mutex
	status Status
}

// Option customizes a Poller.
type Option func(*Poller)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPageSize bounds how many recent inbox messages a pass looks at.
func WithPageSize(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithTimeout bounds one pass.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithAuthCheck makes a tick a no-op while check fails.
func WithAuthCheck(check func(context.Context) error) Option {
	return func(p *Poller) {
		p.authCheck = check
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithMetrics records ticks and pass durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// New returns a Poller feeding inbox messages from gw to proc.
func New(gw mailbox.Gateway, proc processor, opts ...Option) *Poller {
	p := &Poller{
		gw:       gw,
		proc:     proc,
		interval: DefaultInterval,
		pageSize: DefaultPageSize,
		timeout:  DefaultTimeout,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.status.Authenticated = true
	return p
}

// Run polls until ctx is cancelled. The first pass starts immediately.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("poller: already running")
	}
	defer p.running.Store(false)

	cronLog := logging.CronLogger{Logger: p.logger}
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), func() { p.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	c.Start()
	p.logger.Info().Dur("interval", p.interval).Int("page_size", p.pageSize).Msg("poller started")
	go p.tick(ctx)

	<-ctx.Done()
	<-c.Stop().Done()
	p.passMu.Lock()
	p.passMu.Unlock()
	p.logger.Info().Msg("poller stopped")
	return nil
}

func (p *Poller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := p.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			p.logger.Debug().Msg("previous pass still in flight, skipping tick")
			return
		}
		p.logger.Warn().Err(err).Msg("poll pass failed")
	}
}

// RunOnce runs a single pass now, or returns ErrBusy when one is in flight.
func (p *Poller) RunOnce(ctx context.Context) (Counts, error) {
	if !p.passMu.TryLock() {
		p.metrics.Tick("skipped")
		p.mu.Lock()
		p.status.SkippedTicks++
		p.mu.Unlock()
		return Counts{}, ErrBusy
	}
	defer p.passMu.Unlock()
	return p.runLocked(ctx)
}

// ForceRecheck waits for any in-flight pass, clears the processed set and
// runs one pass immediately.
func (p *Poller) ForceRecheck(ctx context.Context) (Counts, error) {
	p.passMu.Lock()
	defer p.passMu.Unlock()
	p.proc.Reset()
	p.logger.Info().Msg("processed set cleared, forcing recheck")
	return p.runLocked(ctx)
}

// Status returns a snapshot.
func (p *Poller) Status() Status {
	p.mu.Lock()
	st := p.status
	p.mu.Unlock()
	st.Running = p.running.Load()
	st.InFlight = p.inFlight.Load()
	st.Interval = p.interval.String()
	st.Processed = p.proc.Processed().Len()
	st.Quarantined = len(p.proc.Quarantined())
	return st
}

func (p *Poller) runLocked(ctx context.Context) (Counts, error) {
	p.inFlight.Store(true)
	defer p.inFlight.Store(false)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	runID := uuid.NewString()
	log := p.logger.With().Str("run_id", runID).Logger()
	started := p.now()
	p.mu.Lock()
	p.status.LastRunID = runID
	p.status.LastStarted = started
	p.mu.Unlock()

	counts, err := p.poll(ctx, log)
	elapsed := p.now().Sub(started)

	p.mu.Lock()
	p.status.Passes++
	p.status.LastFinished = p.now()
	p.status.LastCounts = counts
	p.status.LastError = ""
	if err != nil {
		p.status.LastError = err.Error()
	}
	p.mu.Unlock()
	p.metrics.ObservePoll(elapsed)
	return counts, err
}

func (p *Poller) poll(ctx context.Context, log zerolog.Logger) (Counts, error) {
	var counts Counts
	if p.authCheck != nil {
		if err := p.authCheck(ctx); err != nil {
			p.unauthenticated(log, err)
			return counts, nil
		}
	}
	msgs, err := p.gw.ListMessages(ctx, mailbox.FolderInbox, mailbox.ListOptions{Limit: p.pageSize, Order: mailbox.NewestFirst})
	if err != nil {
		if errors.Is(err, mailbox.ErrUnauthenticated) {
			p.unauthenticated(log, err)
			return counts, nil
		}
		p.metrics.Tick("error")
		return counts, fmt.Errorf("list inbox: %w", err)
	}
	p.setAuthenticated(true)
	p.metrics.Tick("run")
	counts.Listed = len(msgs)

	processed := p.proc.Processed()
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		if processed.Has(msg.ID) {
			counts.Skipped++
			continue
		}
		res, err := p.proc.Process(ctx, msg)
		switch res.Action {
		case pipeline.ActionSkipped:
			counts.Skipped++
		case pipeline.ActionFiled:
			counts.Filed++
		case pipeline.ActionNoMatch:
			counts.NoMatch++
		case pipeline.ActionUnfiled:
			counts.Unfiled++
		case pipeline.ActionDeleted:
			counts.Deleted++
		case pipeline.ActionQuarantined:
			counts.Quarantined++
		default:
			counts.Failed++
		}
		if err != nil {
			log.Debug().Err(err).Str("message_id", msg.ID).Msg("message left for next poll")
		}
	}
	log.Info().
		Int("listed", counts.Listed).
		Int("filed", counts.Filed).
		Int("skipped", counts.Skipped).
		Int("failed", counts.Failed).
		Msg("poll pass complete")
	return counts, nil
}

func (p *Poller) unauthenticated(log zerolog.Logger, err error) {
	p.metrics.Tick("unauthenticated")
	p.setAuthenticated(false)
	log.Warn().Err(err).Msg("mailbox not authenticated, skipping pass")
}

func (p *Poller) setAuthenticated(ok bool) {
	p.mu.Lock()
	p.status.Authenticated = ok
	p.mu.Unlock()
}
