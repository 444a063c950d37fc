package inference

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/spindle/internal/grammar"
	"github.com/samcharles93/spindle/internal/pipeline"
	"github.com/samcharles93/spindle/internal/scheduler"
	"github.com/samcharles93/spindle/internal/session"
)

type FinishReason string

const (
	FinishGrammar FinishReason = "grammar"
	FinishEOS     FinishReason = "eos"
	FinishStop    FinishReason = "stop"
	FinishLength  FinishReason = "length"
	FinishScript  FinishReason = "script"
	FinishStopped FinishReason = "stopped"
)

// Event is sent to a Step caller while tokens are generated.
type Event interface {
	event()
}

type TokenEvent struct {
	SessionID    string       `json:"session_id"`
	Token        int          `json:"token"`
	Text         string       `json:"text"`
	Index        int          `json:"index"`
	IsFinal      bool         `json:"is_final"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Fallback     bool         `json:"fallback,omitempty"`
}

// ErrorEvent reports a failure. Non-fatal errors are warnings and the step
// continues.
type ErrorEvent struct {
	SessionID string `json:"session_id,omitempty"`
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal"`
}

type Ack struct {
	SessionID string `json:"session_id"`
}

func (TokenEvent) event() {}
func (ErrorEvent) event() {}
func (Ack) event()        {}

// EventFunc receives events in order. An error stops the step as if the
// client had called Stop.
type EventFunc func(Event) error

// Kind classifies errors for clients.
type Kind string

const (
	KindConfig          Kind = "ConfigError"
	KindNotFound        Kind = "NotFound"
	KindRejected        Kind = "RejectedError"
	KindOverloaded      Kind = "Overloaded"
	KindExecution       Kind = "ExecutionError"
	KindPipelineTimeout Kind = "PipelineTimeout"
	KindPipelineScript  Kind = "PipelineScriptError"
	KindCanceled        Kind = "Canceled"
	KindInternal        Kind = "InternalError"
)

func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrConfig), errors.Is(err, session.ErrExists):
		return KindConfig
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrClosed):
		return KindNotFound
	case errors.Is(err, grammar.ErrRejected), errors.Is(err, grammar.ErrDeadEnd):
		return KindRejected
	case errors.Is(err, scheduler.ErrOverloaded), errors.Is(err, scheduler.ErrClosed), errors.Is(err, session.ErrLimit):
		return KindOverloaded
	case errors.Is(err, scheduler.ErrExecution), errors.Is(err, session.ErrErrored):
		return KindExecution
	case errors.Is(err, pipeline.ErrTimeout):
		return KindPipelineTimeout
	case errors.Is(err, pipeline.ErrScript):
		return KindPipelineScript
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// StatusOf maps err to an HTTP status code.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrExists):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	}
	switch KindOf(err) {
	case KindConfig:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindOverloaded:
		return http.StatusTooManyRequests
	case KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// IsFatal reports whether err leaves the session unusable until reset.
func IsFatal(err error) bool {
	return errors.Is(err, scheduler.ErrExecution) ||
		errors.Is(err, session.ErrErrored) ||
		errors.Is(err, grammar.ErrDeadEnd)
}

// ErrorEventOf builds the client-facing event for err.
func ErrorEventOf(sessionID string, err error) ErrorEvent {
	return ErrorEvent{
		SessionID: sessionID,
		Kind:      KindOf(err),
		Message:   err.Error(),
		Fatal:     IsFatal(err),
	}
}
