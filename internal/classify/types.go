// Package classify builds conversation context for inbound replies, calls
// the external classifier and maps its verdict onto the folder taxonomy.
package classify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/folders"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// Classification is the classifier's top-level verdict.
type Classification string

const (
	Quote                Classification = "quote"
	ClarificationRequest Classification = "clarification_request"
	EngineerResponse     Classification = "engineer_response"
	SentRFQ              Classification = "sent_rfq"
	Other                Classification = "other"
)

// SubEngineering routes a clarification request to the engineer queue.
const SubEngineering = "engineering"

// Parse normalises a wire value. Unknown values map to Other.
func Parse(s string) Classification {
	switch c := Classification(strings.ToLower(strings.TrimSpace(s))); c {
	case Quote, ClarificationRequest, EngineerResponse, SentRFQ:
		return c
	default:
		return Other
	}
}

// Result is what the classifier returned for one message.
type Result struct {
	Classification    Classification `json:"classification"`
	SubClassification string         `json:"sub_classification,omitempty"`
	Confidence        float64        `json:"confidence"`
	BackendID         string         `json:"id,omitempty"`
}

// ChainEntry is one message of the conversation handed to the classifier.
type ChainEntry struct {
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	FromAddress string    `json:"from_address"`
	Date        time.Time `json:"date"`
}

// Request is one classification call.
type Request struct {
	Chain      []ChainEntry
	MostRecent ChainEntry
	RFQID      string
	SupplierID string
	// PreviousID is the backend id of an earlier verdict for this message.
	PreviousID string
}

// Classifier labels an inbound email.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Result, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, req Request) (*Result, error)

func (f ClassifierFunc) Classify(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// ErrMappingNotFound is returned by a MappingStore without a match.
var ErrMappingNotFound = errors.New("rfq mapping not found")

// RFQMapping ties a sent RFQ to the supplier it went to.
type RFQMapping struct {
	RFQID        string `json:"rfq_id" db:"rfq_id"`
	SupplierID   string `json:"supplier_id" db:"supplier_id"`
	SupplierName string `json:"supplier_name" db:"supplier_name"`
}

// MappingStore is the durable RFQ to supplier lookup keyed by threading
// metadata.
type MappingStore interface {
	LookupByThreadingMetadata(ctx context.Context, keys []string) (*RFQMapping, error)
	SaveRFQMapping(ctx context.Context, keys []string, m RFQMapping) error
}

// RefStore persists the classifier's backend id per mailbox message.
type RefStore interface {
	SaveClassificationRef(ctx context.Context, messageID, backendID string) error
	ClassificationRef(ctx context.Context, messageID string) (string, bool, error)
}

// ThreadingKeys returns the distinct threading identifiers of msg.
func ThreadingKeys(msg *mailbox.Message) []string {
	if msg == nil {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		keys = append(keys, k)
	}
	add(msg.ConversationID)
	add(msg.InternetMessageID)
	add(msg.InReplyTo)
	for _, r := range msg.References {
		add(r)
	}
	return keys
}

// FolderForClassification maps a verdict onto a taxonomy path.
func FolderForClassification(materialCode string, c Classification, sub string) string {
	switch Parse(string(c)) {
	case Quote:
		return folders.Path(materialCode, folders.Quotes)
	case ClarificationRequest:
		if strings.EqualFold(strings.TrimSpace(sub), SubEngineering) {
			return folders.Path(materialCode, folders.AwaitingEngineer)
		}
		return folders.Path(materialCode, folders.ClarificationRequests)
	case EngineerResponse:
		return folders.Path(materialCode, folders.EngineerResponse)
	case SentRFQ:
		return folders.Path(materialCode, folders.SentRFQs)
	default:
		return materialCode
	}
}
