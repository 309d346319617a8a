// Package gateway composes the de-identification pipeline:
// scrub -> store the substitution map -> LLM -> reinject -> audit.
//
// The LLM only ever sees scrubbed text. If scrubbing fails the request stops
// there with ErrServiceUnavailable and nothing is sent upstream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"phi-deid-gateway/internal/audit"
	"phi-deid-gateway/internal/deid"
	"phi-deid-gateway/internal/llm"
	"phi-deid-gateway/internal/logger"
	"phi-deid-gateway/internal/metrics"
	"phi-deid-gateway/internal/session"
)

// Errors returned by the gateway. Match with errors.Is.
var (
	ErrServiceUnavailable = deid.ErrServiceUnavailable
	ErrSessionNotFound    = session.ErrNotFound
	ErrUpstream           = llm.ErrUpstream
	ErrInvalidFields      = deid.ErrInvalidFields
)

// privacyInstruction tells the model to keep tokens intact so they can be
// restored afterwards.
const privacyInstruction = `PRIVACY TOKENS: Patient identifiers in this conversation have been replaced
with placeholder tokens such as [PERSON_0] or [DATE_TIME_1]. Treat each token
as the real value it stands for. Reproduce tokens exactly, including brackets,
whenever you refer to them. Never guess, invent or expand the underlying values.`

// Scrubber is the part of deid.Engine the gateway needs.
type Scrubber interface {
	Scrub(ctx context.Context, fields []deid.Field) (*deid.Result, error)
	ReInject(text string, subMap deid.SubstitutionMap) string
}

// Gateway wires a scrubber, session store, LLM and audit log together.
type Gateway struct {
	scrubber Scrubber
	sessions session.Store
	llm      llm.Completer
	audit    *audit.Logger
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// New creates a Gateway. A nil audit logger disables auditing.
func New(s Scrubber, store session.Store, c llm.Completer, a *audit.Logger, m *metrics.Metrics, log *logger.Logger) *Gateway {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = logger.New("GATEWAY", "info")
	}
	return &Gateway{scrubber: s, sessions: store, llm: c, audit: a, metrics: m, log: log}
}

// ScrubResult is a scrub result bound to an optional session.
type ScrubResult struct {
	SessionID string
	*deid.Result
}

// Scrub de-identifies fields. When persist is true the substitution map is
// stored under sessionID (a new id is generated when empty) for a later ReInject.
func (g *Gateway) Scrub(ctx context.Context, requestID, sessionID string, persist bool, fields []deid.Field) (*ScrubResult, error) {
	res, err := g.scrubber.Scrub(ctx, fields)
	if err != nil {
		g.record(audit.ActionScrub, requestID, sessionID, len(fields), nil, err)
		return nil, err
	}
	out := &ScrubResult{Result: res}
	if persist {
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		if err := g.sessions.Save(sessionID, res.SubMap); err != nil {
			g.record(audit.ActionScrub, requestID, sessionID, len(fields), nil, err)
			return nil, fmt.Errorf("save session: %w", err)
		}
		out.SessionID = sessionID
	}
	g.record(audit.ActionScrub, requestID, out.SessionID, len(fields), res.SubMap, nil)
	return out, nil
}

// ReInject restores the tokens of text from the map stored under sessionID.
func (g *Gateway) ReInject(requestID, sessionID, text string) (string, error) {
	subMap, err := g.sessions.Load(sessionID)
	if err != nil {
		g.record(audit.ActionReInject, requestID, sessionID, 0, nil, err)
		return "", err
	}
	out := g.scrubber.ReInject(text, subMap)
	g.record(audit.ActionReInject, requestID, sessionID, 0, subMap, nil)
	return out, nil
}

// ReInjectWith restores tokens from a caller-supplied map.
func (g *Gateway) ReInjectWith(requestID, text string, subMap deid.SubstitutionMap) string {
	out := g.scrubber.ReInject(text, subMap)
	g.record(audit.ActionReInject, requestID, "", 0, subMap, nil)
	return out
}

// Completion is the reidentified answer to a Complete call.
type Completion struct {
	SessionID string
	Text      string
	Model     string
}

// Complete scrubs fields, asks the LLM to follow instruction over the
// scrubbed fields and returns the answer with original values restored.
// The substitution map is saved under sessionID (generated when empty) so
// follow-up text can be reinjected later.
func (g *Gateway) Complete(ctx context.Context, requestID, sessionID, instruction string, fields []deid.Field) (*Completion, error) {
	scrubbed, err := g.Scrub(ctx, requestID, sessionID, true, fields)
	if err != nil {
		return nil, err
	}

	req := llm.Request{Messages: []llm.Message{
		{Role: "system", Content: privacyInstruction},
		{Role: "user", Content: BuildPrompt(instruction, fields, scrubbed.ScrubbedFields)},
	}}

	start := time.Now()
	g.metrics.LLMCalls.Add(1)
	resp, err := g.llm.Complete(ctx, req)
	g.metrics.RecordLLMLatency(time.Since(start))
	if err != nil {
		g.metrics.LLMErrors.Add(1)
		g.log.Warnf("complete", "session %s: %v", scrubbed.SessionID, err)
		g.record(audit.ActionCompletion, requestID, scrubbed.SessionID, len(fields), scrubbed.SubMap, err)
		if !errors.Is(err, ErrUpstream) {
			err = fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return nil, err
	}

	text := g.scrubber.ReInject(resp.Content, scrubbed.SubMap)
	g.record(audit.ActionCompletion, requestID, scrubbed.SessionID, len(fields), scrubbed.SubMap, nil)
	return &Completion{SessionID: scrubbed.SessionID, Text: text, Model: resp.Model}, nil
}

// EndSession drops the stored map for sessionID.
func (g *Gateway) EndSession(requestID, sessionID string) error {
	err := g.sessions.Delete(sessionID)
	g.record(audit.ActionSessionDelete, requestID, sessionID, 0, nil, err)
	return err
}

// BuildPrompt lays out the instruction followed by one section per field,
// in field order, using the scrubbed text.
func BuildPrompt(instruction string, fields []deid.Field, scrubbed map[string]string) string {
	var b strings.Builder
	if instruction = strings.TrimSpace(instruction); instruction != "" {
		b.WriteString(instruction)
		b.WriteString("\n\n")
	}
	for _, f := range fields {
		b.WriteString("## ")
		b.WriteString(f.Name)
		b.WriteString("\n")
		b.WriteString(scrubbed[f.Name])
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ErrorKind classifies err for the audit log.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrServiceUnavailable):
		return audit.KindServiceUnavailable
	case errors.Is(err, ErrSessionNotFound):
		return audit.KindSessionNotFound
	case errors.Is(err, ErrUpstream):
		return audit.KindUpstream
	case errors.Is(err, ErrInvalidFields):
		return audit.KindInvalidInput
	default:
		return audit.KindInternal
	}
}

func (g *Gateway) record(action audit.Action, requestID, sessionID string, fields int, subMap deid.SubstitutionMap, err error) {
	g.audit.Record(audit.Event{
		Action:    action,
		RequestID: requestID,
		SessionID: sessionID,
		Fields:    fields,
		Entities:  deid.EntityCounts(subMap),
		Success:   err == nil,
		ErrorKind: ErrorKind(err),
	})
}
