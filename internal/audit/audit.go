// Package audit writes the HIPAA audit trail: one JSON line per operation
// that touches PHI. Entries carry identifiers, counts and entity types only;
// original values never reach the audit log.
package audit

import (
	"io"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Action names an audited operation.
type Action string

// Audited actions.
const (
	ActionScrub         Action = "PHI_SCRUB"
	ActionReInject      Action = "PHI_REINJECT"
	ActionCompletion    Action = "AI_COMPLETION"
	ActionSessionDelete Action = "SESSION_DELETE"
)

// Error kinds recorded for failed operations.
const (
	KindServiceUnavailable = "service_unavailable"
	KindSessionNotFound    = "session_not_found"
	KindUpstream           = "llm_upstream"
	KindInvalidInput       = "invalid_input"
	KindInternal           = "internal"
)

// Event is one audited operation.
type Event struct {
	Action    Action
	RequestID string
	SessionID string
	Fields    int
	Entities  map[string]int
	Success   bool
	ErrorKind string
}

// Logger writes audit events. A nil or Nop Logger drops them.
type Logger struct {
	zl     zerolog.Logger
	closer io.Closer
	off    bool
}

// New opens a rotating audit file at path. Rotation happens at maxSizeMB and
// at most maxBackups old files are kept.
func New(path string, maxSizeMB, maxBackups int) *Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	l := NewWithWriter(lj)
	l.closer = lj
	return l
}

// NewWithWriter writes audit events to w.
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{zl: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a Logger that records nothing.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), off: true}
}

// Enabled reports whether events are written.
func (l *Logger) Enabled() bool { return l != nil && !l.off }

// Record writes one event.
func (l *Logger) Record(e Event) {
	if !l.Enabled() {
		return
	}
	entities := zerolog.Dict()
	types := lo.Keys(e.Entities)
	sort.Strings(types)
	for _, t := range types {
		entities.Int(t, e.Entities[t])
	}

	ev := l.zl.Log().
		Str("action", string(e.Action)).
		Str("request_id", orUnknown(e.RequestID)).
		Str("session_id", orUnknown(e.SessionID)).
		Int("fields", e.Fields).
		Dict("entities", entities).
		Bool("success", e.Success)
	if e.ErrorKind != "" {
		ev = ev.Str("error", e.ErrorKind)
	}
	ev.Msg("AUDIT")
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
