// Package metrics provides lightweight, lock-minimal counters for the
// de-identification gateway.
//
// Counters use sync/atomic so the scrub path incurs no mutex contention.
// Per-entity-type counts and latency statistics each sit behind one mutex;
// they are updated at most once per span or per call.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

// Metrics holds all runtime counters for a running gateway instance.
// The zero value is usable; New also records the start time.
type Metrics struct {
	// Scrub counters
	ScrubsTotal  atomic.Int64
	ScrubsFailed atomic.Int64
	FieldsTotal  atomic.Int64
	FieldsEmpty  atomic.Int64

	// Detector counters
	DetectorCalls  atomic.Int64
	DetectorErrors atomic.Int64

	// Span resolution
	SpansDetected       atomic.Int64
	SpansBelowThreshold atomic.Int64
	SpansOverlapDropped atomic.Int64

	// Token volume
	TokensMinted   atomic.Int64
	TokensReused   atomic.Int64
	Reinjections   atomic.Int64
	TokensRestored atomic.Int64

	// LLM counters
	LLMCalls  atomic.Int64
	LLMErrors atomic.Int64

	entityMu sync.Mutex
	entities map[string]int64

	detectorMu   sync.Mutex
	detectorStat latencyStats

	scrubMu   sync.Mutex
	scrubStat latencyStats

	llmMu   sync.Mutex
	llmStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordEntity counts one minted token of the given entity type.
func (m *Metrics) RecordEntity(entityType string) {
	m.entityMu.Lock()
	if m.entities == nil {
		m.entities = make(map[string]int64)
	}
	m.entities[entityType]++
	m.entityMu.Unlock()
}

// RecordDetectorLatency records the duration of one analyzer call.
func (m *Metrics) RecordDetectorLatency(d time.Duration) {
	m.detectorMu.Lock()
	m.detectorStat.record(toMs(d))
	m.detectorMu.Unlock()
}

// RecordScrubLatency records the duration of one complete scrub call.
func (m *Metrics) RecordScrubLatency(d time.Duration) {
	m.scrubMu.Lock()
	m.scrubStat.record(toMs(d))
	m.scrubMu.Unlock()
}

// RecordLLMLatency records the round-trip time to the LLM endpoint.
func (m *Metrics) RecordLLMLatency(d time.Duration) {
	m.llmMu.Lock()
	m.llmStat.record(toMs(d))
	m.llmMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.detectorMu.Lock()
	detector := m.detectorStat.snapshot()
	m.detectorMu.Unlock()

	m.scrubMu.Lock()
	scrub := m.scrubStat.snapshot()
	m.scrubMu.Unlock()

	m.llmMu.Lock()
	llm := m.llmStat.snapshot()
	m.llmMu.Unlock()

	m.entityMu.Lock()
	entities := lo.Assign(m.entities)
	m.entityMu.Unlock()

	var uptime float64
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime).Seconds()
	}

	return Snapshot{
		Scrubs: ScrubSnapshot{
			Total:       m.ScrubsTotal.Load(),
			Failed:      m.ScrubsFailed.Load(),
			Fields:      m.FieldsTotal.Load(),
			EmptyFields: m.FieldsEmpty.Load(),
		},
		Detector: DetectorSnapshot{
			Calls:  m.DetectorCalls.Load(),
			Errors: m.DetectorErrors.Load(),
		},
		Spans: SpanSnapshot{
			Detected:       m.SpansDetected.Load(),
			BelowThreshold: m.SpansBelowThreshold.Load(),
			OverlapDropped: m.SpansOverlapDropped.Load(),
		},
		Tokens: TokenSnapshot{
			Minted:       m.TokensMinted.Load(),
			Reused:       m.TokensReused.Load(),
			Reinjections: m.Reinjections.Load(),
			Restored:     m.TokensRestored.Load(),
			ByEntity:     entities,
		},
		LLM: LLMSnapshot{
			Calls:  m.LLMCalls.Load(),
			Errors: m.LLMErrors.Load(),
		},
		Latency: LatencyGroup{
			DetectorMs: detector,
			ScrubMs:    scrub,
			LLMMs:      llm,
		},
		UptimeSecs: uptime,
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Scrubs     ScrubSnapshot    `json:"scrubs"`
	Detector   DetectorSnapshot `json:"detector"`
	Spans      SpanSnapshot     `json:"spans"`
	Tokens     TokenSnapshot    `json:"tokens"`
	LLM        LLMSnapshot      `json:"llm"`
	Latency    LatencyGroup     `json:"latency"`
	UptimeSecs float64          `json:"uptimeSecs"`
}

// ScrubSnapshot holds scrub-call counters.
type ScrubSnapshot struct {
	Total       int64 `json:"total"`
	Failed      int64 `json:"failed"`
	Fields      int64 `json:"fields"`
	EmptyFields int64 `json:"emptyFields"`
}

// DetectorSnapshot holds analyzer call counters.
type DetectorSnapshot struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

// SpanSnapshot holds span resolution counters.
type SpanSnapshot struct {
	Detected       int64 `json:"detected"`
	BelowThreshold int64 `json:"belowThreshold"`
	OverlapDropped int64 `json:"overlapDropped"`
}

// TokenSnapshot holds token volume counters.
type TokenSnapshot struct {
	Minted       int64 `json:"minted"`
	Reused       int64 `json:"reused"`
	Reinjections int64 `json:"reinjections"`
	Restored     int64 `json:"restored"`

	// Minted tokens per entity type (only types seen so far appear).
	ByEntity map[string]int64 `json:"byEntity,omitempty"`
}

// LLMSnapshot holds LLM call counters.
type LLMSnapshot struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

// LatencyGroup groups the latency dimensions.
type LatencyGroup struct {
	DetectorMs LatencySnapshot `json:"detectorMs"`
	ScrubMs    LatencySnapshot `json:"scrubMs"`
	LLMMs      LatencySnapshot `json:"llmMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func toMs(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
