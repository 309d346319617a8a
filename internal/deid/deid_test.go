package deid

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"phi-deid-gateway/internal/detector"
	"phi-deid-gateway/internal/logger"
	"phi-deid-gateway/internal/metrics"
)

// fakeAnalyzer answers from a text-keyed table and counts calls.
type fakeAnalyzer struct {
	mu      sync.Mutex
	byText  map[string][]detector.Span
	failOn  map[string]error
	delay   map[string]time.Duration
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	callLog []string
}

func newFake() *fakeAnalyzer {
	return &fakeAnalyzer{
		byText: make(map[string][]detector.Span),
		failOn: make(map[string]error),
		delay:  make(map[string]time.Duration),
	}
}

func (f *fakeAnalyzer) on(text string, spans ...detector.Span) *fakeAnalyzer {
	f.byText[text] = spans
	return f
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, text string) ([]detector.Span, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.callLog = append(f.callLog, text)
	err := f.failOn[text]
	d := f.delay[text]
	spans := f.byText[text]
	f.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, detector.Unavailable(ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return spans, nil
}

func span(typ string, start, end int, score float64) detector.Span {
	return detector.Span{EntityType: typ, Start: start, End: end, Score: score}
}

func newEngine(a detector.Analyzer, opts ...Option) *Engine {
	base := []Option{WithLogger(logger.NewWithWriter("DEID", "error", io.Discard))}
	return New(a, append(base, opts...)...)
}

func scrubOne(t *testing.T, e *Engine, text string) *Result {
	t.Helper()
	res, err := e.Scrub(context.Background(), []Field{{Name: "transcript", Text: text}})
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}
	return res
}

func TestScrub_SingleEntity(t *testing.T) {
	text := "Patient is John Smith today."
	e := newEngine(newFake().on(text, span("PERSON", 11, 21, 0.95)))

	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "Patient is [PERSON_0] today." {
		t.Errorf("scrubbed: got %q", got)
	}
	if res.SubMap["[PERSON_0]"] != "John Smith" {
		t.Errorf("subMap: got %v", res.SubMap)
	}
}

func TestScrub_DistinctValuesGetIncreasingCounters(t *testing.T) {
	text := "John Smith saw Dr. Adams."
	e := newEngine(newFake().on(text,
		span("PERSON", 0, 10, 0.95),
		span("PERSON", 15, 24, 0.90),
	))

	res := scrubOne(t, e, text)
	want := SubstitutionMap{"[PERSON_0]": "John Smith", "[PERSON_1]": "Dr. Adams"}
	if !reflect.DeepEqual(res.SubMap, want) {
		t.Errorf("subMap: got %v, want %v", res.SubMap, want)
	}
}

func TestScrub_CountersFollowTextOrderNotDetectorOrder(t *testing.T) {
	text := "John Smith saw Dr. Adams."
	e := newEngine(newFake().on(text,
		span("PERSON", 15, 24, 0.90),
		span("PERSON", 0, 10, 0.95),
	))

	res := scrubOne(t, e, text)
	if res.SubMap["[PERSON_0]"] != "John Smith" || res.SubMap["[PERSON_1]"] != "Dr. Adams" {
		t.Errorf("tokens should be numbered by position, got %v", res.SubMap)
	}
}

func TestScrub_SameValueSameTokenInField(t *testing.T) {
	text := "John Smith here. John Smith again."
	e := newEngine(newFake().on(text,
		span("PERSON", 0, 10, 0.95),
		span("PERSON", 17, 27, 0.90),
	))

	res := scrubOne(t, e, text)
	if len(res.SubMap) != 1 || res.SubMap["[PERSON_0]"] != "John Smith" {
		t.Errorf("subMap: got %v", res.SubMap)
	}
	if got := res.ScrubbedFields["transcript"]; got != "[PERSON_0] here. [PERSON_0] again." {
		t.Errorf("scrubbed: got %q", got)
	}
}

func TestScrub_MixedTypes(t *testing.T) {
	text := "Jane admitted 03/15/1965."
	e := newEngine(newFake().on(text,
		span("PERSON", 0, 4, 0.95),
		span("DATE_TIME", 14, 24, 0.90),
	))

	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "[PERSON_0] admitted [DATE_TIME_0]." {
		t.Errorf("scrubbed: got %q", got)
	}
}

func TestScrub_Threshold(t *testing.T) {
	text := "John Smith on 01/01/2000."
	e := newEngine(newFake().on(text,
		span("PERSON", 0, 10, 0.5),
		span("DATE_TIME", 14, 24, 0.9),
	))

	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "John Smith on [DATE_TIME_0]." {
		t.Errorf("scrubbed: got %q", got)
	}
	if len(res.SubMap) != 1 {
		t.Errorf("subMap: got %v", res.SubMap)
	}
}

func TestScrub_ThresholdIsInclusive(t *testing.T) {
	text := "Ann and Bob"
	e := newEngine(newFake().on(text,
		span("PERSON", 0, 3, 0.7),
		span("PERSON", 8, 11, 0.69),
	))

	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "[PERSON_0] and Bob" {
		t.Errorf("scrubbed: got %q", got)
	}
}

func TestScrub_CustomThreshold(t *testing.T) {
	text := "Ann and Bob"
	e := newEngine(newFake().on(text,
		span("PERSON", 0, 3, 0.95),
		span("PERSON", 8, 11, 0.85),
	), WithMinScore(0.9))

	if e.MinScore() != 0.9 {
		t.Fatalf("MinScore: got %f", e.MinScore())
	}
	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "[PERSON_0] and Bob" {
		t.Errorf("scrubbed: got %q", got)
	}
}

func TestScrub_SharedMapAcrossFields(t *testing.T) {
	f := newFake().
		on("John Smith is the patient.", span("PERSON", 0, 10, 0.95)).
		on("Patient is John Smith.", span("PERSON", 11, 21, 0.90))
	e := newEngine(f)

	res, err := e.Scrub(context.Background(), []Field{
		{Name: "field1", Text: "John Smith is the patient."},
		{Name: "field2", Text: "Patient is John Smith."},
	})
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}
	if res.ScrubbedFields["field1"] != "[PERSON_0] is the patient." {
		t.Errorf("field1: got %q", res.ScrubbedFields["field1"])
	}
	if res.ScrubbedFields["field2"] != "Patient is [PERSON_0]." {
		t.Errorf("field2: got %q", res.ScrubbedFields["field2"])
	}
	if len(res.SubMap) != 1 {
		t.Errorf("subMap: got %v", res.SubMap)
	}
}

func TestScrub_CountersContinueAcrossFieldsInOrder(t *testing.T) {
	f := newFake().
		on("Seen by Ann.", span("PERSON", 8, 11, 0.9)).
		on("Bob called Ann.", span("PERSON", 0, 3, 0.9), span("PERSON", 11, 14, 0.9))
	e := newEngine(f)

	res, err := e.Scrub(context.Background(), []Field{
		{Name: "b", Text: "Seen by Ann."},
		{Name: "a", Text: "Bob called Ann."},
	})
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}
	want := SubstitutionMap{"[PERSON_0]": "Ann", "[PERSON_1]": "Bob"}
	if !reflect.DeepEqual(res.SubMap, want) {
		t.Errorf("subMap: got %v, want %v", res.SubMap, want)
	}
	if res.ScrubbedFields["a"] != "[PERSON_1] called [PERSON_0]." {
		t.Errorf("a: got %q", res.ScrubbedFields["a"])
	}
}

func TestScrub_EmptyInputNeverCallsDetector(t *testing.T) {
	f := newFake()
	e := newEngine(f)

	res := scrubOne(t, e, "")
	if res.ScrubbedFields["transcript"] != "" {
		t.Errorf("scrubbed: got %q", res.ScrubbedFields["transcript"])
	}
	if len(res.SubMap) != 0 {
		t.Errorf("subMap should be empty, got %v", res.SubMap)
	}
	if f.calls.Load() != 0 {
		t.Errorf("detector called %d times", f.calls.Load())
	}

	res, err := e.Scrub(context.Background(), nil)
	if err != nil {
		t.Fatalf("Scrub(nil): %v", err)
	}
	if len(res.ScrubbedFields) != 0 || f.calls.Load() != 0 {
		t.Errorf("no fields should mean no output and no calls")
	}
}

func TestScrub_NoPII(t *testing.T) {
	text := "Blood pressure was elevated."
	e := newEngine(newFake().on(text))

	res := scrubOne(t, e, text)
	if res.ScrubbedFields["transcript"] != text {
		t.Errorf("scrubbed: got %q", res.ScrubbedFields["transcript"])
	}
	if len(res.SubMap) != 0 {
		t.Errorf("subMap: got %v", res.SubMap)
	}
}

func TestScrub_OverlapHigherScoreWins(t *testing.T) {
	text := "DOB 03/15/1965 noted"
	e := newEngine(newFake().on(text,
		span("DATE_TIME", 4, 14, 0.85),
		span("DATE_OF_BIRTH", 4, 14, 0.95),
	))

	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "DOB [DATE_OF_BIRTH_0] noted" {
		t.Errorf("scrubbed: got %q", got)
	}
	if _, ok := res.SubMap["[DATE_TIME_0]"]; ok {
		t.Error("losing span should not mint a token")
	}
}

func TestScrub_OverlapEqualScoreLongerWins(t *testing.T) {
	text := "John Smith arrived"
	e := newEngine(newFake().on(text,
		span("PERSON", 0, 4, 0.9),
		span("PERSON", 0, 10, 0.9),
	))

	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "[PERSON_0] arrived" {
		t.Errorf("scrubbed: got %q", got)
	}
	if res.SubMap["[PERSON_0]"] != "John Smith" {
		t.Errorf("subMap: got %v", res.SubMap)
	}
}

func TestScrub_OverlapExactTieFirstListedWins(t *testing.T) {
	text := "Paris visit"
	e := newEngine(newFake().on(text,
		span("LOCATION", 0, 5, 0.8),
		span("PERSON", 0, 5, 0.8),
	))

	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "[LOCATION_0] visit" {
		t.Errorf("scrubbed: got %q", got)
	}
}

func TestScrub_OverlapChain(t *testing.T) {
	// C beats B; A does not touch C so it survives; B overlaps both.
	text := "abcdefghijkl"
	e := newEngine(newFake().on(text,
		span("A", 0, 5, 0.9),
		span("B", 4, 10, 0.8),
		span("C", 9, 12, 0.95),
	))

	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "[A_0]fghi[C_0]" {
		t.Errorf("scrubbed: got %q", got)
	}
}

func TestScrub_AdjacentSpansBothKept(t *testing.T) {
	text := "AnnBob"
	e := newEngine(newFake().on(text,
		span("PERSON", 0, 3, 0.9),
		span("PERSON", 3, 6, 0.9),
	))

	res := scrubOne(t, e, text)
	if got := res.ScrubbedFields["transcript"]; got != "[PERSON_0][PERSON_1]" {
		t.Errorf("scrubbed: got %q", got)
	}
}

func TestScrub_CodePointOffsets(t *testing.T) {
	cases := []struct {
		text  string
		spans []detector.Span
		want  string
		value string
	}{
		{"Él vio a Zoë hoy", []detector.Span{span("PERSON", 9, 12, 0.9)}, "Él vio a [PERSON_0] hoy", "Zoë"},
		{"🙂 Ann left", []detector.Span{span("PERSON", 2, 5, 0.9)}, "🙂 [PERSON_0] left", "Ann"},
		{"患者 王小明 来院", []detector.Span{span("PERSON", 3, 6, 0.9)}, "患者 [PERSON_0] 来院", "王小明"},
	}
	for _, c := range cases {
		e := newEngine(newFake().on(c.text, c.spans...))
		res := scrubOne(t, e, c.text)
		if got := res.ScrubbedFields["transcript"]; got != c.want {
			t.Errorf("%q: got %q, want %q", c.text, got, c.want)
		}
		if res.SubMap["[PERSON_0]"] != c.value {
			t.Errorf("%q: value got %q, want %q", c.text, res.SubMap["[PERSON_0]"], c.value)
		}
		if back := ReInject(res.ScrubbedFields["transcript"], res.SubMap); back != c.text {
			t.Errorf("%q: round trip got %q", c.text, back)
		}
	}
}

func TestScrub_MalformedSpansAreServiceUnavailable(t *testing.T) {
	text := "John Smith"
	cases := []struct {
		name string
		s    detector.Span
	}{
		{"end past text", span("PERSON", 5, 11, 0.9)},
		{"negative start", span("PERSON", -1, 4, 0.9)},
		{"empty span", span("PERSON", 4, 4, 0.9)},
		{"inverted span", span("PERSON", 6, 2, 0.9)},
		{"below threshold but out of range", span("PERSON", 0, 50, 0.1)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := newEngine(newFake().on(text, c.s))
			res, err := e.Scrub(context.Background(), []Field{{Name: "transcript", Text: text}})
			if !errors.Is(err, ErrServiceUnavailable) {
				t.Fatalf("expected ErrServiceUnavailable, got %v", err)
			}
			if res != nil {
				t.Errorf("expected no partial result, got %+v", res)
			}
		})
	}
}

func TestScrub_DetectorFailureFailsWholeCall(t *testing.T) {
	f := newFake().on("John Smith.", span("PERSON", 0, 10, 0.9))
	f.failOn["Mary Major."] = detector.Unavailable(errors.New("HTTP 503"))
	e := newEngine(f)

	res, err := e.Scrub(context.Background(), []Field{
		{Name: "first", Text: "John Smith."},
		{Name: "second", Text: "Mary Major."},
	})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if err.Error() != detector.UnavailableMessage {
		t.Errorf("message: got %q", err.Error())
	}
	if res != nil {
		t.Errorf("expected no partial result, got %+v", res)
	}
}

func TestScrub_SequentialStopsAtFirstFailure(t *testing.T) {
	f := newFake()
	f.failOn["first"] = detector.Unavailable(errors.New("connection refused"))
	e := newEngine(f)

	_, err := e.Scrub(context.Background(), []Field{
		{Name: "a", Text: "first"},
		{Name: "b", Text: "second"},
		{Name: "c", Text: "third"},
	})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("detector called %d times after failure, want 1", n)
	}
}

func TestScrub_ForeignErrorIsNormalized(t *testing.T) {
	f := newFake()
	f.failOn["John"] = errors.New("boom")
	e := newEngine(f)

	_, err := e.Scrub(context.Background(), []Field{{Name: "x", Text: "John"}})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if err.Error() != detector.UnavailableMessage {
		t.Errorf("message: got %q", err.Error())
	}
}

func TestScrub_CancelledContext(t *testing.T) {
	f := newFake()
	e := newEngine(f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Scrub(ctx, []Field{{Name: "x", Text: "John"}})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if f.calls.Load() != 0 {
		t.Errorf("detector should not be called with a cancelled context")
	}
}

func TestScrub_InvalidFields(t *testing.T) {
	f := newFake()
	e := newEngine(f)
	cases := map[string][]Field{
		"empty name": {{Name: "", Text: "x"}},
		"duplicate":  {{Name: "a", Text: "x"}, {Name: "a", Text: "y"}},
		"bad utf-8":  {{Name: "a", Text: "Jane \xff\xfe note"}},
	}
	for name, fields := range cases {
		if _, err := e.Scrub(context.Background(), fields); !errors.Is(err, ErrInvalidFields) {
			t.Errorf("%s: expected ErrInvalidFields, got %v", name, err)
		}
	}
	if f.calls.Load() != 0 {
		t.Error("invalid input should not reach the detector")
	}
}

func TestScrub_ParallelMatchesSequential(t *testing.T) {
	build := func() *fakeAnalyzer {
		f := newFake().
			on("Ann one", span("PERSON", 0, 3, 0.9)).
			on("Bob two", span("PERSON", 0, 3, 0.9)).
			on("Cy three Ann", span("PERSON", 0, 2, 0.9), span("PERSON", 9, 12, 0.9)).
			on("Dee four", span("PERSON", 0, 3, 0.9))
		// Earlier fields finish last so completion order is the reverse of field order.
		f.delay["Ann one"] = 60 * time.Millisecond
		f.delay["Bob two"] = 40 * time.Millisecond
		f.delay["Cy three Ann"] = 20 * time.Millisecond
		return f
	}
	fields := []Field{
		{Name: "1", Text: "Ann one"},
		{Name: "2", Text: "Bob two"},
		{Name: "3", Text: "Cy three Ann"},
		{Name: "4", Text: "Dee four"},
	}

	seq, err := newEngine(build()).Scrub(context.Background(), fields)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}
	pf := build()
	par, err := newEngine(pf, WithConcurrency(3)).Scrub(context.Background(), fields)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}

	if !reflect.DeepEqual(seq, par) {
		t.Errorf("parallel result differs:\nseq %+v\npar %+v", seq, par)
	}
	if par.SubMap["[PERSON_0]"] != "Ann" || par.SubMap["[PERSON_3]"] != "Dee" {
		t.Errorf("tokens should follow field order, got %v", par.SubMap)
	}
	if p := pf.peak.Load(); p > 3 {
		t.Errorf("peak concurrency %d exceeds limit 3", p)
	}
	if p := pf.peak.Load(); p < 2 {
		t.Errorf("expected calls to overlap, peak was %d", p)
	}
}

func TestScrub_NoStateBetweenCalls(t *testing.T) {
	f := newFake().
		on("Ann", span("PERSON", 0, 3, 0.9)).
		on("Bob", span("PERSON", 0, 3, 0.9))
	e := newEngine(f)

	first := scrubOne(t, e, "Ann")
	second := scrubOne(t, e, "Bob")
	if first.SubMap["[PERSON_0]"] != "Ann" || second.SubMap["[PERSON_0]"] != "Bob" {
		t.Errorf("counters leaked between calls: %v then %v", first.SubMap, second.SubMap)
	}
	if len(second.SubMap) != 1 {
		t.Errorf("second map should only hold its own tokens, got %v", second.SubMap)
	}
}

func TestScrub_RecordsMetrics(t *testing.T) {
	text := "Ann met Ann at 10:00"
	m := metrics.New()
	e := newEngine(newFake().on(text,
		span("PERSON", 0, 3, 0.9),
		span("PERSON", 8, 11, 0.9),
		span("DATE_TIME", 15, 20, 0.5),
		span("LOCATION", 8, 11, 0.8),
	), WithMetrics(m))

	if _, err := e.Scrub(context.Background(), []Field{
		{Name: "a", Text: text},
		{Name: "b", Text: ""},
	}); err != nil {
		t.Fatalf("Scrub: %v", err)
	}

	s := m.Snapshot()
	if s.Scrubs.Total != 1 || s.Scrubs.Fields != 2 || s.Scrubs.EmptyFields != 1 {
		t.Errorf("scrubs: %+v", s.Scrubs)
	}
	if s.Detector.Calls != 1 {
		t.Errorf("detector calls: got %d", s.Detector.Calls)
	}
	want := metrics.SpanSnapshot{Detected: 4, BelowThreshold: 1, OverlapDropped: 1}
	if s.Spans != want {
		t.Errorf("spans: got %+v, want %+v", s.Spans, want)
	}
	if s.Tokens.Minted != 1 || s.Tokens.Reused != 1 {
		t.Errorf("tokens: %+v", s.Tokens)
	}
	if s.Tokens.ByEntity["PERSON"] != 1 {
		t.Errorf("byEntity: %v", s.Tokens.ByEntity)
	}
	if s.Latency.ScrubMs.Count != 1 {
		t.Errorf("scrub latency count: got %d", s.Latency.ScrubMs.Count)
	}
}

func TestScrub_FailureRecordsMetrics(t *testing.T) {
	f := newFake()
	f.failOn["x"] = detector.Unavailable(errors.New("down"))
	m := metrics.New()
	e := newEngine(f, WithMetrics(m))

	if _, err := e.Scrub(context.Background(), []Field{{Name: "a", Text: "x"}}); err == nil {
		t.Fatal("expected error")
	}
	s := m.Snapshot()
	if s.Scrubs.Failed != 1 || s.Detector.Errors != 1 {
		t.Errorf("failure counters: %+v %+v", s.Scrubs, s.Detector)
	}
}
