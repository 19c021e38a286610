package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/siftdata/sift/engine/pkg/correction"
	"github.com/siftdata/sift/engine/pkg/queryerr"
)

// Kind is the stable identifier a terminal pipeline failure carries.
// The set is part of the external contract: API responses and metrics
// label outcomes with these strings.
type Kind string

const (
	KindValidationRejected         Kind = "validation_rejected"
	KindGenerationRefusal          Kind = "generation_refusal"
	KindExecutionSyntax            Kind = "execution_syntax"
	KindExecutionUnknownIdentifier Kind = "execution_unknown_identifier"
	KindExecutionTypeMismatch      Kind = "execution_type_mismatch"
	KindExecutionPermissionDenied  Kind = "execution_permission_denied"
	KindExecutionConnectionLost    Kind = "execution_connection_lost"
	KindExecutionTimeout           Kind = "execution_timeout"
	KindAttemptsExhausted          Kind = "attempts_exhausted"
	KindCancelled                  Kind = "cancelled"
	KindSchemaIntrospectionFailed  Kind = "schema_introspection_failed"
	KindLLMTransportFailed         Kind = "llm_transport_failed"
	KindInternal                   Kind = "internal"
)

// Error is the single terminal failure shape. Friendly is written for
// the user channel; Diagnostic is for logs and never shown to users.
// The attempt trail is attached whenever the failure happened after
// generation started.
type Error struct {
	Kind       Kind                 `json:"kind"`
	Layer      queryerr.Layer       `json:"layer,omitempty"`
	Friendly   string               `json:"friendly"`
	Diagnostic string               `json:"-"`
	Attempts   []correction.Attempt `json:"attempts,omitempty"`

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline %s: %s", e.Kind, e.Diagnostic)
}

func (e *Error) Unwrap() error { return e.cause }

// As extracts a pipeline *Error from an error chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// friendly maps each kind to the message shown in the user channel.
// Diagnostics stay out of these: users get guidance, logs get detail.
var friendly = map[Kind]string{
	KindValidationRejected:         "I generated a query that did not pass the safety checks. Try rephrasing your question.",
	KindGenerationRefusal:          "I could not turn that question into a query against this schema. Try rephrasing it.",
	KindExecutionSyntax:            "The generated query was not valid SQL for this database.",
	KindExecutionUnknownIdentifier: "The query referenced a table or column this database does not have.",
	KindExecutionTypeMismatch:      "The query compared values of incompatible types.",
	KindExecutionPermissionDenied:  "The database rejected the query: the connected user lacks permission.",
	KindExecutionConnectionLost:    "I lost the connection to the database. Please try again.",
	KindExecutionTimeout:           "That query was too slow and timed out. Try narrowing the question down.",
	KindAttemptsExhausted:          "I could not produce a working query for this question after several tries. Try rephrasing it.",
	KindCancelled:                  "The request was cancelled.",
	KindSchemaIntrospectionFailed:  "I could not read the database schema on this connection.",
	KindLLMTransportFailed:         "The language model is unreachable right now. Please try again shortly.",
	KindInternal:                   "Something went wrong while answering this question.",
}

// fail builds a terminal Error of the given kind around cause.
func fail(kind Kind, cause error, attempts []correction.Attempt) *Error {
	e := &Error{
		Kind:     kind,
		Friendly: friendly[kind],
		Attempts: attempts,
		cause:    cause,
	}
	if cause != nil {
		e.Diagnostic = cause.Error()
	}
	return e
}

// executionKinds folds the shared query-error taxonomy into terminal
// kinds. Recoverable kinds appear too: they only terminate a run through
// exhaustion, but classification stays total either way.
var executionKinds = map[queryerr.Kind]Kind{
	queryerr.KindSyntax:             KindExecutionSyntax,
	queryerr.KindUnknownIdentifier:  KindExecutionUnknownIdentifier,
	queryerr.KindTypeMismatch:       KindExecutionTypeMismatch,
	queryerr.KindPermissionDenied:   KindExecutionPermissionDenied,
	queryerr.KindConnectionLost:     KindExecutionConnectionLost,
	queryerr.KindTimeout:            KindExecutionTimeout,
	queryerr.KindRefusal:            KindGenerationRefusal,
	queryerr.KindValidationRejected: KindValidationRejected,
}

// classifyFailure turns a correction-loop failure into a terminal Error.
// Exhaustion wins over the last cause; cancellation wins over driver
// classification, since a cancelled statement often surfaces as a
// half-classified driver error.
func classifyFailure(f *correction.Failure) *Error {
	if f.Exhausted {
		return fail(KindAttemptsExhausted, f, f.Trail)
	}
	if errors.Is(f.Cause, context.Canceled) || errors.Is(f.Cause, context.DeadlineExceeded) {
		return fail(KindCancelled, f, f.Trail)
	}
	if qe, ok := queryerr.As(f.Cause); ok {
		if kind, known := executionKinds[qe.Kind]; known {
			e := fail(kind, f, f.Trail)
			e.Layer = qe.Layer
			return e
		}
	}
	if f.Stage == correction.StageGenerate {
		return fail(KindLLMTransportFailed, f, f.Trail)
	}
	return fail(KindInternal, f, f.Trail)
}

// cancelledBy reports whether err stems from context cancellation or a
// context deadline.
func cancelledBy(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
