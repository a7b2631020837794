package classify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

var (
	rfqIDPattern = regexp.MustCompile(`(?i)\b(RFQ-\d+)\b`)
	whitespace   = regexp.MustCompile(`[ \t\r\f\v]*\n[ \t\r\f\v\n]*|[ \t\r\f\v]{2,}`)
)

// maxBodyRunes bounds each chain body sent upstream.
const maxBodyRunes = 8000

// Identifiers are the RFQ and supplier the reply is attributed to.
type Identifiers struct {
	RFQID        string
	SupplierID   string
	SupplierName string
	FromMapping  bool
}

// Outcome bundles a classification with the context it was produced from.
type Outcome struct {
	Result      Result
	Identifiers Identifiers
	ChainLength int
}

// Orchestrator prepares classifier input and records the backend id.
type Orchestrator struct {
	gw         mailbox.Gateway
	classifier Classifier
	mappings   MappingStore
	refs       RefStore
	policy     *bluemonday.Policy
	logger     zerolog.Logger
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMappingStore enables RFQ to supplier lookups.
func WithMappingStore(store MappingStore) OrchestratorOption {
	return func(o *Orchestrator) {
		o.mappings = store
	}
}

// WithRefStore enables persisting backend correlation ids.
func WithRefStore(store RefStore) OrchestratorOption {
	return func(o *Orchestrator) {
		o.refs = store
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator wires the classifier to the mailbox.
func NewOrchestrator(gw mailbox.Gateway, classifier Classifier, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		gw:         gw,
		classifier: classifier,
		policy:     bluemonday.StrictPolicy(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BuildChain returns the conversation in ascending time order. Messages
// without a conversation, or whose conversation cannot be read, yield a
// single-entry chain.
func (o *Orchestrator) BuildChain(ctx context.Context, msg *mailbox.Message) []ChainEntry {
	if msg.ConversationID != "" {
		siblings, err := o.gw.SearchByConversation(ctx, msg.ConversationID)
		if err != nil {
			o.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("conversation fetch failed, classifying single message")
		} else if len(siblings) > 0 {
			sort.SliceStable(siblings, func(i, j int) bool {
				return receivedAt(&siblings[i]).Before(receivedAt(&siblings[j]))
			})
			chain := make([]ChainEntry, 0, len(siblings))
			for i := range siblings {
				chain = append(chain, o.entry(&siblings[i]))
			}
			return chain
		}
	}
	return []ChainEntry{o.entry(msg)}
}

// ResolveIdentifiers prefers a stored mapping keyed by threading metadata
// and falls back to the subject RFQ id plus the sender address.
func (o *Orchestrator) ResolveIdentifiers(ctx context.Context, msg *mailbox.Message) Identifiers {
	if o.mappings != nil {
		m, err := o.mappings.LookupByThreadingMetadata(ctx, ThreadingKeys(msg))
		switch {
		case err == nil && m != nil:
			return Identifiers{RFQID: m.RFQID, SupplierID: m.SupplierID, SupplierName: m.SupplierName, FromMapping: true}
		case err != nil && !errors.Is(err, ErrMappingNotFound):
			o.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("rfq mapping lookup failed")
		}
	}
	ids := Identifiers{SupplierID: strings.ToLower(strings.TrimSpace(msg.From.Address)), SupplierName: msg.From.Name}
	if m := rfqIDPattern.FindStringSubmatch(msg.Subject); m != nil {
		ids.RFQID = strings.ToUpper(m[1])
	}
	return ids
}

// Classify runs the classifier over msg and its conversation. A failure to
// record the backend id is logged, not returned. The id is stored under the
// message's current id; callers that move the message re-key it with
// RecordRef.
func (o *Orchestrator) Classify(ctx context.Context, msg *mailbox.Message) (*Outcome, error) {
	if o.classifier == nil {
		return nil, errors.New("no classifier configured")
	}
	chain := o.BuildChain(ctx, msg)
	ids := o.ResolveIdentifiers(ctx, msg)
	res, err := o.classifier.Classify(ctx, Request{
		Chain:      chain,
		MostRecent: o.entry(msg),
		RFQID:      ids.RFQID,
		SupplierID: ids.SupplierID,
		PreviousID: o.previousRef(ctx, msg.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("classify %s: %w", msg.ID, err)
	}
	if res == nil {
		return nil, fmt.Errorf("classify %s: %w", msg.ID, ErrInvalidResponse)
	}
	res.Classification = Parse(string(res.Classification))
	if err := o.RecordRef(ctx, msg.ID, res.BackendID); err != nil {
		o.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("could not store classification ref")
	}
	return &Outcome{Result: *res, Identifiers: ids, ChainLength: len(chain)}, nil
}

// RecordRef stores backendID against messageID. It is a no-op without a
// ref store or an id.
func (o *Orchestrator) RecordRef(ctx context.Context, messageID, backendID string) error {
	if o.refs == nil || backendID == "" || messageID == "" {
		return nil
	}
	return o.refs.SaveClassificationRef(ctx, messageID, backendID)
}

func (o *Orchestrator) previousRef(ctx context.Context, messageID string) string {
	if o.refs == nil || messageID == "" {
		return ""
	}
	id, ok, err := o.refs.ClassificationRef(ctx, messageID)
	if err != nil {
		o.logger.Debug().Err(err).Str("message_id", messageID).Msg("classification ref lookup failed")
		return ""
	}
	if !ok {
		return ""
	}
	return id
}

func (o *Orchestrator) entry(m *mailbox.Message) ChainEntry {
	return ChainEntry{
		Subject:     m.Subject,
		Body:        o.plainBody(m),
		FromAddress: m.From.Address,
		Date:        receivedAt(m),
	}
}

func (o *Orchestrator) plainBody(m *mailbox.Message) string {
	body := m.Body
	if strings.EqualFold(m.BodyType, mailbox.BodyHTML) {
		body = html.UnescapeString(o.policy.Sanitize(body))
	}
	body = strings.TrimSpace(whitespace.ReplaceAllStringFunc(body, func(s string) string {
		if strings.Contains(s, "\n") {
			return "\n"
		}
		return " "
	}))
	if r := []rune(body); len(r) > maxBodyRunes {
		body = string(r[:maxBodyRunes])
	}
	return body
}

func receivedAt(m *mailbox.Message) time.Time {
	if !m.ReceivedAt.IsZero() {
		return m.ReceivedAt
	}
	return m.SentAt
}
