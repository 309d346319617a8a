// Package deid replaces detected PHI in clinical text fields with stable
// placeholder tokens and restores the originals into downstream text.
//
// One Scrub call owns its own token tables: the same original value maps to
// the same token in every field of the call, and nothing is remembered between
// calls. Any detector failure fails the whole call with ErrServiceUnavailable;
// there is no partially scrubbed result.
package deid

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"phi-deid-gateway/internal/detector"
	"phi-deid-gateway/internal/logger"
	"phi-deid-gateway/internal/metrics"
)

// DefaultMinScore is the confidence threshold below which spans stay plaintext.
const DefaultMinScore = 0.7

// ErrServiceUnavailable is returned by Scrub whenever detection could not
// complete. It is the detector's sentinel, re-exported for callers of this package.
var ErrServiceUnavailable = detector.ErrServiceUnavailable

// ErrInvalidFields rejects input whose field names are empty or repeated.
var ErrInvalidFields = errors.New("invalid fields")

// Field is one named free-text input. Scrub processes fields in slice order.
type Field struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// SubstitutionMap maps a token such as [PERSON_0] to the original value.
type SubstitutionMap map[string]string

// Result is the outcome of one Scrub call.
type Result struct {
	ScrubbedFields map[string]string `json:"scrubbed_fields"`
	SubMap         SubstitutionMap   `json:"sub_map"`
}

// Engine scrubs fields using an Analyzer. It holds configuration only and is
// safe for concurrent use.
type Engine struct {
	analyzer    detector.Analyzer
	minScore    float64
	concurrency int
	log         *logger.Logger
	metrics     *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithMinScore sets the confidence threshold.
func WithMinScore(score float64) Option {
	return func(e *Engine) { e.minScore = score }
}

// WithConcurrency bounds how many detector calls one Scrub may have in flight.
// Values below 1 mean sequential.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.concurrency = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine backed by the given analyzer.
func New(a detector.Analyzer, opts ...Option) *Engine {
	e := &Engine{
		analyzer:    a,
		minScore:    DefaultMinScore,
		concurrency: 1,
		log:         logger.New("DEID", "info"),
		metrics:     metrics.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MinScore reports the configured confidence threshold.
func (e *Engine) MinScore() float64 { return e.minScore }

// Scrub detects entities in every field and replaces them with tokens.
// Empty fields are returned unchanged without a detector call.
func (e *Engine) Scrub(ctx context.Context, fields []Field) (*Result, error) {
	if err := validateFields(fields); err != nil {
		return nil, err
	}
	start := time.Now()
	e.metrics.ScrubsTotal.Add(1)
	e.metrics.FieldsTotal.Add(int64(len(fields)))

	detections, err := e.detectAll(ctx, fields)
	if err != nil {
		e.metrics.ScrubsFailed.Add(1)
		e.log.Warnf("scrub", "detection failed for %d fields: %v", len(fields), errors.Unwrap(err))
		return nil, err
	}

	tk := newTokenizer()
	scrubbed := make(map[string]string, len(fields))
	for i, f := range fields {
		if f.Text == "" {
			scrubbed[f.Name] = f.Text
			continue
		}
		text := []rune(f.Text)
		spans, err := e.resolve(detections[i], len(text))
		if err != nil {
			e.metrics.ScrubsFailed.Add(1)
			e.log.Warnf("scrub", "field %q: %v", f.Name, errors.Unwrap(err))
			return nil, err
		}
		scrubbed[f.Name] = tk.rewrite(text, spans)
	}

	e.metrics.TokensMinted.Add(int64(tk.minted))
	e.metrics.TokensReused.Add(int64(tk.reused))
	for _, typ := range tk.mintedTypes {
		e.metrics.RecordEntity(typ)
	}
	e.metrics.RecordScrubLatency(time.Since(start))
	e.log.Infof("scrub", "%d fields, %d tokens minted, %d reused", len(fields), tk.minted, tk.reused)

	return &Result{ScrubbedFields: scrubbed, SubMap: tk.subMap}, nil
}

// detectAll analyzes every non-empty field. Up to e.concurrency calls run at
// once; the first failure cancels the rest. Results are indexed like fields.
func (e *Engine) detectAll(ctx context.Context, fields []Field) ([][]detector.Span, error) {
	results := make([][]detector.Span, len(fields))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, f := range fields {
		if f.Text == "" {
			e.metrics.FieldsEmpty.Add(1)
			continue
		}
		i, f := i, f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return detector.Unavailable(err)
			}
			callStart := time.Now()
			spans, err := e.analyzer.Analyze(gctx, f.Text)
			e.metrics.DetectorCalls.Add(1)
			e.metrics.RecordDetectorLatency(time.Since(callStart))
			if err != nil {
				e.metrics.DetectorErrors.Add(1)
				if !errors.Is(err, ErrServiceUnavailable) {
					err = detector.Unavailable(err)
				}
				return err
			}
			results[i] = spans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// resolve validates spans against a text of n code points, drops those below
// the threshold, removes overlaps and returns the survivors by ascending start.
func (e *Engine) resolve(spans []detector.Span, n int) ([]detector.Span, error) {
	for _, s := range spans {
		if s.Start < 0 || s.End > n || s.Start >= s.End {
			return nil, detector.Unavailable(
				fmt.Errorf("span %s [%d,%d) is outside a text of %d code points", s.EntityType, s.Start, s.End, n))
		}
	}
	e.metrics.SpansDetected.Add(int64(len(spans)))

	confident := lo.Filter(spans, func(s detector.Span, _ int) bool { return s.Score >= e.minScore })
	e.metrics.SpansBelowThreshold.Add(int64(len(spans) - len(confident)))

	kept := dedupe(confident)
	e.metrics.SpansOverlapDropped.Add(int64(len(confident) - len(kept)))

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept, nil
}

// dedupe keeps the best of every group of overlapping spans: highest score,
// then longest. The sort is stable, so on an exact tie the span listed first wins.
func dedupe(spans []detector.Span) []detector.Span {
	ranked := make([]detector.Span, len(spans))
	copy(ranked, spans)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Len() > ranked[j].Len()
	})

	kept := make([]detector.Span, 0, len(ranked))
	for _, s := range ranked {
		if !lo.SomeBy(kept, s.Overlaps) {
			kept = append(kept, s)
		}
	}
	return kept
}

func validateFields(fields []Field) error {
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field %d has no name", ErrInvalidFields, i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate field name %q", ErrInvalidFields, f.Name)
		}
		if !utf8.ValidString(f.Text) {
			return fmt.Errorf("%w: field %q is not valid UTF-8", ErrInvalidFields, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}
