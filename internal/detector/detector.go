// Package detector is the client for the external PII analysis service
// (a Presidio analyzer). It turns one text into a list of detected spans or
// fails with ErrServiceUnavailable. There is no degraded mode: any failure
// to get a complete, well-formed answer is reported as unavailability.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"phi-deid-gateway/internal/logger"
)

// UnavailableMessage is the user-facing text carried by every unavailability error.
const UnavailableMessage = "PII scrubbing service unavailable. Patient data cannot be sent to AI until de-identification is restored."

// ErrServiceUnavailable is the single error kind returned by Analyze.
// Match it with errors.Is.
var ErrServiceUnavailable = errors.New(UnavailableMessage)

// UnavailableError carries the underlying cause of an unavailability for
// logging. Its message is always UnavailableMessage.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string { return UnavailableMessage }

// Unwrap exposes the cause for logs and diagnostics.
func (e *UnavailableError) Unwrap() error { return e.Cause }

// Is reports ErrServiceUnavailable as a match.
func (e *UnavailableError) Is(target error) bool { return target == ErrServiceUnavailable }

// Unavailable wraps cause as an UnavailableError.
func Unavailable(cause error) error {
	return &UnavailableError{Cause: cause}
}

// Span is one detected entity: a half-open [Start, End) range of Unicode code
// points into the analyzed text.
type Span struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Len is the span length in code points.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether two half-open spans share at least one position.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && s.End > o.Start
}

// Analyzer detects entities in text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) ([]Span, error)
}

const (
	// DefaultTimeout bounds one analyze call.
	DefaultTimeout  = 5 * time.Second
	defaultLanguage = "en"
	maxResponseSize = 10 << 20 // 10 MB
)

// Client calls the analyzer's POST /analyze endpoint.
type Client struct {
	analyzeURL string
	language   string
	entities   []string
	timeout    time.Duration
	http       *http.Client
	log        *logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLanguage sets the language sent with each request.
func WithLanguage(lang string) Option {
	return func(c *Client) {
		if lang != "" {
			c.language = lang
		}
	}
}

// WithEntities restricts detection to the given entity types.
func WithEntities(entities []string) Option {
	return func(c *Client) { c.entities = entities }
}

// WithHTTPClient replaces the HTTP client. Its own Timeout is ignored in
// favour of the per-request context deadline.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client for the analyzer at baseURL. A non-positive timeout
// means DefaultTimeout.
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		analyzeURL: strings.TrimRight(baseURL, "/") + "/analyze",
		language:   defaultLanguage,
		timeout:    timeout,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logger.New("DETECTOR", "info"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type analyzeRequest struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Entities []string `json:"entities,omitempty"`
}

// wireSpan mirrors one element of the analyzer response. Pointers detect
// missing fields; anything beyond the four required fields is ignored.
type wireSpan struct {
	EntityType *string  `json:"entity_type"`
	Start      *int     `json:"start"`
	End        *int     `json:"end"`
	Score      *float64 `json:"score"`
}

// Analyze sends text to the analyzer and returns its detections.
// Every failure is an UnavailableError.
func (c *Client) Analyze(ctx context.Context, text string) ([]Span, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody, err := json.Marshal(analyzeRequest{Text: text, Language: c.language, Entities: c.entities})
	if err != nil {
		return nil, Unavailable(fmt.Errorf("encode analyze request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.analyzeURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, Unavailable(fmt.Errorf("create analyze request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req) // #nosec G107 -- URL from trusted config
	if err != nil {
		c.log.Warnf("analyze", "request failed: %v", err)
		return nil, Unavailable(err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for keep-alive
		c.log.Warnf("analyze", "analyzer returned HTTP %d", resp.StatusCode)
		return nil, Unavailable(fmt.Errorf("analyzer returned HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		c.log.Warnf("analyze", "read response: %v", err)
		return nil, Unavailable(fmt.Errorf("read analyze response: %w", err))
	}
	if len(body) > maxResponseSize {
		return nil, Unavailable(fmt.Errorf("analyze response exceeds %d bytes", maxResponseSize))
	}

	spans, err := decodeSpans(body)
	if err != nil {
		c.log.Warnf("analyze", "malformed response: %v", err)
		return nil, Unavailable(err)
	}
	c.log.Debugf("analyze", "%d spans for %d chars", len(spans), len(text))
	return spans, nil
}

// decodeSpans parses the analyzer's JSON array, requiring the four span fields.
func decodeSpans(body []byte) ([]Span, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("analyze response is not a JSON array")
	}
	var raw []wireSpan
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("parse analyze response: %w", err)
	}
	spans := make([]Span, 0, len(raw))
	for i, w := range raw {
		if w.EntityType == nil || *w.EntityType == "" || w.Start == nil || w.End == nil || w.Score == nil {
			return nil, fmt.Errorf("analyze result %d is missing a required field", i)
		}
		spans = append(spans, Span{
			EntityType: *w.EntityType,
			Start:      *w.Start,
			End:        *w.End,
			Score:      *w.Score,
		})
	}
	return spans, nil
}
