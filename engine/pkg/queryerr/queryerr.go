// Package queryerr defines the error currency shared by the generation,
// validation, and execution stages: a small tagged error type whose kind
// decides whether the self-correction loop retries, regenerates, or gives
// up.
package queryerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Kind identifies the class of a query error.
type Kind string

const (
	// Recoverable by correction: the model can plausibly fix these.
	KindSyntax            Kind = "syntax_error"
	KindUnknownIdentifier Kind = "unknown_identifier"
	KindTypeMismatch      Kind = "type_mismatch"

	// Fatal for the request: retrying wastes attempts.
	KindPermissionDenied Kind = "permission_denied"
	KindConnectionLost   Kind = "connection_lost"
	KindTimeout          Kind = "timeout"

	// KindRowLimit is informational; the executor trims and flags instead
	// of failing, so this kind only appears when a caller opts into hard
	// enforcement.
	KindRowLimit Kind = "row_limit_exceeded"

	// KindRefusal means the model declined to produce SQL at all.
	KindRefusal Kind = "refusal"

	// KindValidationRejected means the four-layer validator refused to
	// forward the SQL; Layer names the failing layer.
	KindValidationRejected Kind = "validation_rejected"
)

// Layer names a validator layer in a validation rejection.
type Layer string

const (
	LayerKeyword   Layer = "keyword"
	LayerPattern   Layer = "pattern"
	LayerAST       Layer = "ast"
	LayerTranspile Layer = "transpile"
)

// Error is a classified query error. Message is dialect-normalized and
// safe to feed back into the model as correction context.
type Error struct {
	Kind    Kind
	Layer   Layer // set only for KindValidationRejected
	Message string
}

func (e *Error) Error() string {
	if e.Kind == KindValidationRejected {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Layer, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Rejection builds a validation rejection for the given layer.
func Rejection(layer Layer, format string, args ...any) *Error {
	return &Error{Kind: KindValidationRejected, Layer: layer, Message: fmt.Sprintf(format, args...)}
}

// Recoverable reports whether the correction loop should retry with this
// error as feedback. Validation rejections are recoverable too: the model
// is told which layer refused and why.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindSyntax, KindUnknownIdentifier, KindTypeMismatch, KindValidationRejected:
		return true
	}
	return false
}

// Fatal reports whether the pipeline must stop immediately.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindPermissionDenied, KindConnectionLost, KindTimeout:
		return true
	}
	return false
}

// As extracts an *Error from an error chain.
func As(err error) (*Error, bool) {
	var qe *Error
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

var oraCodePattern = regexp.MustCompile(`ORA-(\d{5})`)

// oraKinds maps Oracle error codes to kinds. Codes not listed fall through
// to the generic classifier.
var oraKinds = map[string]Kind{
	"00900": KindSyntax,            // invalid SQL statement
	"00907": KindSyntax,            // missing right parenthesis
	"00933": KindSyntax,            // SQL command not properly ended
	"00936": KindSyntax,            // missing expression
	"00904": KindUnknownIdentifier, // invalid identifier
	"00942": KindUnknownIdentifier, // table or view does not exist
	"00932": KindTypeMismatch,      // inconsistent datatypes
	"01722": KindTypeMismatch,      // invalid number
	"01031": KindPermissionDenied,  // insufficient privileges
	"00376": KindPermissionDenied,  // file cannot be read
	"01013": KindTimeout,           // user requested cancel of current operation
	"03113": KindConnectionLost,    // end-of-file on communication channel
	"03114": KindConnectionLost,    // not connected to ORACLE
	"12541": KindConnectionLost,    // no listener
}

// ClassifyOracle maps an Oracle error, identified by its ORA- code in the
// message text, to an Error. Returns nil when the error carries no
// recognizable code.
func ClassifyOracle(err error) *Error {
	if err == nil {
		return nil
	}
	m := oraCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return nil
	}
	kind, ok := oraKinds[m[1]]
	if !ok {
		return nil
	}
	return &Error{Kind: kind, Message: compactMessage(err)}
}

// ClassifyGeneric handles transport-level failures common to every
// dialect: deadlines become timeouts, dead sockets become connection
// losses. Returns nil for anything it cannot place, including context
// cancellation, which the caller must surface as cancellation rather than
// a query error.
func ClassifyGeneric(err error) *Error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "statement timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Message: compactMessage(err)}
		}
		return &Error{Kind: KindConnectionLost, Message: compactMessage(err)}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Error{Kind: KindConnectionLost, Message: compactMessage(err)}
	}
	return nil
}

// compactMessage flattens an error message to a single line.
func compactMessage(err error) string {
	msg := strings.Join(strings.Fields(err.Error()), " ")
	return msg
}

// Truncate caps a feedback message at limit runes, appending an ellipsis
// marker when trimmed. Used when embedding database messages in prompts.
func Truncate(msg string, limit int) string {
	if limit <= 0 || len(msg) <= limit {
		return msg
	}
	runes := []rune(msg)
	if len(runes) <= limit {
		return msg
	}
	return string(runes[:limit]) + "..."
}
