// Package pipeline files supplier replies: detect, classify, ensure the
// material folders, move, tag and mark read. One Pipeline owns the caches and
// the ProcessedSet of a single mailbox session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/categories"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/classify"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/detect"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/folders"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/logging"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/metrics"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/reliability"
)

// Step names a pipeline stage.
type Step string

const (
	StepDelete      Step = "delete"
	StepFetch       Step = "fetch"
	StepClassify    Step = "classify"
	StepInitFolders Step = "init_folders"
	StepMove        Step = "move"
	StepRecordRef   Step = "record_ref"
	StepCategory    Step = "category"
	StepMarkRead    Step = "mark_read"
)

// Action is what happened to a message.
type Action string

const (
	ActionSkipped     Action = "already_processed"
	ActionDeleted     Action = "deleted"
	ActionNoMatch     Action = "no_match"
	ActionUnfiled     Action = "unfiled"
	ActionFiled       Action = "filed"
	ActionFailed      Action = "failed"
	ActionQuarantined Action = "quarantined"
)

// DefaultMaxAttempts is the number of consecutive critical failures after
// which a message is quarantined.
const DefaultMaxAttempts = 5

// DefaultNoMatchRechecks is how many later passes look again at a message
// that matched no sent RFQ before it is marked processed. A reply can land
// before its RFQ is visible in Sent Items or the mapping store.
const DefaultNoMatchRechecks = 3

// StepError records a failed step.
type StepError struct {
	Step     Step
	Critical bool
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result describes one Process call.
type Result struct {
	Action       Action
	MessageID    string
	NewMessageID string
	Folder       string
	Evidence     *detect.Evidence
	Outcome      *classify.Outcome
	Warnings     []StepError
}

// Quarantine is a message given up on after repeated critical failures.
type Quarantine struct {
	MessageID string
	Subject   string
	Attempts  int
	LastError string
	At        time.Time
}

// Pipeline processes inbound messages one at a time.
type Pipeline struct {
	gw           mailbox.Gateway
	detector     *detect.Detector
	orchestrator *classify.Orchestrator
	directory    *folders.Directory
	sync         *categories.Synchronizer
	deny         *DenyList
	processed    *ProcessedSet
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	now          func() time.Time
	maxAttempts  int
	rechecks     int

	mu          sync.Mutex
	failures    map[string]int
	noMatch     map[string]int
	quarantined map[string]Quarantine
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the diagnostic logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithDetector replaces the default four-strategy detector.
func WithDetector(d *detect.Detector) Option {
	return func(p *Pipeline) {
		p.detector = d
	}
}

// WithOrchestrator replaces the default orchestrator, e.g. to attach a
// mapping store.
func WithOrchestrator(o *classify.Orchestrator) Option {
	return func(p *Pipeline) {
		p.orchestrator = o
	}
}

// WithDirectory shares a folder directory with other components.
func WithDirectory(d *folders.Directory) Option {
	return func(p *Pipeline) {
		p.directory = d
	}
}

// WithSynchronizer shares a category synchronizer with other components.
func WithSynchronizer(s *categories.Synchronizer) Option {
	return func(p *Pipeline) {
		p.sync = s
	}
}

// WithDenyList sets the automated-sender guard.
func WithDenyList(d *DenyList) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.deny = d
		}
	}
}

// WithMaxAttempts sets the quarantine threshold; 0 disables quarantine.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.maxAttempts = n
		}
	}
}

// WithNoMatchRechecks sets how many later passes re-examine a message that
// matched no sent RFQ; 0 marks it processed on the first miss.
func WithNoMatchRechecks(n int) Option {
	return func(p *Pipeline) {
		if n >= 0 {
			p.rechecks = n
		}
	}
}

// WithMetrics records outcomes and step failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a Pipeline over gw and classifier.
func New(gw mailbox.Gateway, classifier classify.Classifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		gw:          gw,
		deny:        NewDenyList(DefaultDenySenders...),
		processed:   NewProcessedSet(),
		logger:      zerolog.Nop(),
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
		rechecks:    DefaultNoMatchRechecks,
		failures:    make(map[string]int),
		noMatch:     make(map[string]int),
		quarantined: make(map[string]Quarantine),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.detector == nil {
		p.detector = detect.New(gw, detect.WithLogger(p.logger))
	}
	if p.orchestrator == nil {
		p.orchestrator = classify.NewOrchestrator(gw, classifier, classify.WithLogger(p.logger))
	}
	if p.directory == nil {
		p.directory = folders.NewDirectory(gw, folders.WithLogger(p.logger))
	}
	if p.sync == nil {
		p.sync = categories.NewSynchronizer(gw, categories.WithLogger(p.logger))
	}
	return p
}

// Processed exposes the session idempotency set.
func (p *Pipeline) Processed() *ProcessedSet { return p.processed }

// DenyList exposes the sender guard for hot reload.
func (p *Pipeline) DenyList() *DenyList { return p.deny }

// Directory exposes the folder directory.
func (p *Pipeline) Directory() *folders.Directory { return p.directory }

// Synchronizer exposes the category synchronizer.
func (p *Pipeline) Synchronizer() *categories.Synchronizer { return p.sync }

// Quarantined lists messages given up on.
func (p *Pipeline) Quarantined() []Quarantine {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Quarantine, 0, len(p.quarantined))
	for _, q := range p.quarantined {
		out = append(out, q)
	}
	return out
}

// Reset clears the ProcessedSet, failure counters and quarantine.
func (p *Pipeline) Reset() {
	p.processed.Clear()
	p.mu.Lock()
	p.failures = make(map[string]int)
	p.noMatch = make(map[string]int)
	p.quarantined = make(map[string]Quarantine)
	p.mu.Unlock()
	p.metrics.SetProcessed(0)
}

// Process handles one listed message. The returned error is the critical
// *StepError that left the message unprocessed, if any.
func (p *Pipeline) Process(ctx context.Context, listed mailbox.Message) (Result, error) {
	res := Result{MessageID: listed.ID}
	if listed.ID == "" {
		return res, errors.New("pipeline: message id required")
	}
	if p.processed.Has(listed.ID) {
		res.Action = ActionSkipped
		return res, nil
	}
	log := p.logger.With().Str("message_id", listed.ID).Logger()

	if p.deny.Match(listed.From) {
		return p.deleteDenied(ctx, listed, res, log)
	}

	full, err := p.gw.GetMessage(ctx, listed.ID)
	if err != nil {
		return p.fail(res, listed, StepFetch, err, log)
	}
	if p.deny.Match(full.From) {
		return p.deleteDenied(ctx, *full, res, log)
	}

	ev, ok := p.detector.Detect(ctx, full)
	if !ok {
		log.Debug().Str("subject", logging.Subject(full.Subject)).Msg("not a reply to a sent RFQ")
		if p.recheckLater(listed.ID) {
			res.Action = ActionNoMatch
			p.metrics.Outcome(string(ActionNoMatch))
			return res, nil
		}
		return p.finish(res, ActionNoMatch, listed.ID), nil
	}
	res.Evidence = ev

	outcome, err := p.orchestrator.Classify(ctx, full)
	if err != nil {
		return p.fail(res, *full, StepClassify, err, log)
	}
	res.Outcome = outcome

	material := ev.MaterialCode
	if material == "" {
		material, _ = detect.ExtractMaterialCode(full.Subject)
	}
	if material == "" {
		log.Info().Msg("no material code, leaving message in place")
		return p.finish(res, ActionUnfiled, listed.ID), nil
	}

	target := classify.FolderForClassification(material, outcome.Result.Classification, outcome.Result.SubClassification)
	res.Folder = target

	if _, err := p.directory.InitializeMaterialFolders(ctx, material); err != nil {
		return p.fail(res, *full, StepInitFolders, err, log)
	}
	newID, err := p.directory.MoveMessageToFolder(ctx, full.ID, target)
	if err != nil {
		return p.fail(res, *full, StepMove, err, log)
	}
	res.NewMessageID = newID

	if err := p.orchestrator.RecordRef(ctx, newID, outcome.Result.BackendID); err != nil {
		res.Warnings = append(res.Warnings, p.warn(StepRecordRef, err, log))
	}
	if err := p.sync.SetFolderCategory(ctx, newID, folders.Leaf(target)); err != nil {
		res.Warnings = append(res.Warnings, p.warn(StepCategory, err, log))
	}
	if err := p.gw.PatchMessage(ctx, newID, mailbox.MarkRead(true)); err != nil {
		res.Warnings = append(res.Warnings, p.warn(StepMarkRead, err, log))
	}

	log.Info().
		Str("folder", target).
		Str("classification", string(outcome.Result.Classification)).
		Str("method", string(ev.Method)).
		Str("from", logging.MaskEmail(full.From.Address)).
		Msg("reply filed")
	return p.finish(res, ActionFiled, listed.ID, newID), nil
}

func (p *Pipeline) deleteDenied(ctx context.Context, msg mailbox.Message, res Result, log zerolog.Logger) (Result, error) {
	if err := p.gw.DeleteMessage(ctx, msg.ID); err != nil {
		return p.fail(res, msg, StepDelete, err, log)
	}
	log.Info().Str("from", logging.MaskEmail(msg.From.Address)).Msg("deleted automated sender message")
	return p.finish(res, ActionDeleted, msg.ID), nil
}

func (p *Pipeline) finish(res Result, action Action, ids ...string) Result {
	res.Action = action
	p.processed.Add(ids...)
	p.mu.Lock()
	for _, id := range ids {
		delete(p.failures, id)
		delete(p.noMatch, id)
	}
	p.mu.Unlock()
	p.metrics.Outcome(string(action))
	p.metrics.SetProcessed(p.processed.Len())
	return res
}

// recheckLater counts a no-match miss and reports whether id should be left
// out of the ProcessedSet for another look.
func (p *Pipeline) recheckLater(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.noMatch[id] >= p.rechecks {
		return false
	}
	p.noMatch[id]++
	return true
}

func (p *Pipeline) warn(step Step, err error, log zerolog.Logger) StepError {
	p.metrics.StepFailed(string(step), false)
	log.Warn().Err(err).Str("step", string(step)).Msg("non-critical step failed")
	return StepError{Step: step, Err: err}
}

// fail records a critical failure. The message stays unprocessed unless it
// has now failed maxAttempts times in a row. Transient network and server
// errors do not count toward quarantine.
func (p *Pipeline) fail(res Result, msg mailbox.Message, step Step, err error, log zerolog.Logger) (Result, error) {
	stepErr := &StepError{Step: step, Critical: true, Err: err}
	p.metrics.StepFailed(string(step), true)
	transient := reliability.IsRetryableError(err)

	p.mu.Lock()
	if !transient {
		p.failures[msg.ID]++
	}
	attempts := p.failures[msg.ID]
	quarantine := !transient && p.maxAttempts > 0 && attempts >= p.maxAttempts
	if quarantine {
		p.quarantined[msg.ID] = Quarantine{
			MessageID: msg.ID,
			Subject:   msg.Subject,
			Attempts:  attempts,
			LastError: stepErr.Error(),
			At:        p.now(),
		}
		delete(p.failures, msg.ID)
	}
	p.mu.Unlock()

	if quarantine {
		p.processed.Add(msg.ID)
		res.Action = ActionQuarantined
		p.metrics.Outcome(string(ActionQuarantined))
		p.metrics.SetProcessed(p.processed.Len())
		log.Error().Err(err).Str("step", string(step)).Int("attempts", attempts).Msg("message quarantined")
		return res, stepErr
	}
	res.Action = ActionFailed
	p.metrics.Outcome(string(ActionFailed))
	log.Warn().Err(err).Str("step", string(step)).Int("attempts", attempts).Bool("transient", transient).Msg("critical step failed, will retry next poll")
	return res, stepErr
}
