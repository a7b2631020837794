package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidResponse is returned when the classifier reply fails validation.
var ErrInvalidResponse = errors.New("classifier: invalid response")

const responseSchema = `{
  "type": "object",
  "required": ["classification", "confidence"],
  "properties": {
    "classification": {"type": "string", "minLength": 1},
    "sub_classification": {"type": ["string", "null"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "id": {"type": ["string", "integer", "null"]}
  }
}`

var responseLoader = gojsonschema.NewStringLoader(responseSchema)

// HTTPClient calls a classifier service over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) HTTPOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithHTTPClient overrides the transport, primarily for tests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

// WithTimeout bounds each classify call.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.client = &http.Client{Timeout: timeout, Transport: c.client.Transport}
		}
	}
}

// NewHTTPClient returns a client for the service rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type wireMessage struct {
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	FromAddress string `json:"from_address"`
	Date        string `json:"date,omitempty"`
}

type wireRequest struct {
	EmailChain []wireMessage `json:"email_chain"`
	MostRecent wireMessage   `json:"most_recent"`
	RFQID      string        `json:"rfq_id,omitempty"`
	SupplierID string        `json:"supplier_id,omitempty"`
	PreviousID string        `json:"previous_id,omitempty"`
}

type wireResponse struct {
	Classification    string          `json:"classification"`
	SubClassification *string         `json:"sub_classification"`
	Confidence        float64         `json:"confidence"`
	ID                json.RawMessage `json:"id"`
}

func toWire(e ChainEntry) wireMessage {
	w := wireMessage{Subject: e.Subject, Body: e.Body, FromAddress: e.FromAddress}
	if !e.Date.IsZero() {
		w.Date = e.Date.UTC().Format(time.RFC3339)
	}
	return w
}

// Classify implements Classifier.
func (c *HTTPClient) Classify(ctx context.Context, req Request) (*Result, error) {
	if c.baseURL == "" {
		return nil, errors.New("classifier url not configured")
	}
	payload := wireRequest{
		EmailChain: make([]wireMessage, 0, len(req.Chain)),
		MostRecent: toWire(req.MostRecent),
		RFQID:      req.RFQID,
		SupplierID: req.SupplierID,
		PreviousID: req.PreviousID,
	}
	for _, e := range req.Chain {
		payload.EmailChain = append(payload.EmailChain, toWire(e))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode classify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("classify read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("classify: status %d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(raw)))
	}
	return decodeResponse(raw)
}

func decodeResponse(raw []byte) (*Result, error) {
	validation, err := gojsonschema.Validate(responseLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if !validation.Valid() {
		msgs := make([]string, 0, len(validation.Errors()))
		for _, e := range validation.Errors() {
			msgs = append(msgs, e.Field()+": "+e.Description())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(msgs, "; "))
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	res := &Result{
		Classification: Parse(wire.Classification),
		Confidence:     wire.Confidence,
		BackendID:      rawID(wire.ID),
	}
	if wire.SubClassification != nil {
		res.SubClassification = strings.TrimSpace(*wire.SubClassification)
	}
	return res, nil
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
