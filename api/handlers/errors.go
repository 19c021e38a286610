package handlers

import (
	"net/http"
	"strings"

	"github.com/siftdata/sift/engine/pkg/correction"
	"github.com/siftdata/sift/engine/pkg/pipeline"
)

// StatusClientClosedRequest is the terminal status for cancelled asks.
// Not in net/http; nginx popularized 499 for exactly this case.
const StatusClientClosedRequest = 499

// ErrorResponse is the JSON error body every endpoint shares. Attempts
// carry the trail when the failure happened after generation started.
type ErrorResponse struct {
	Error    string               `json:"error"`
	Kind     string               `json:"kind,omitempty"`
	Attempts []correction.Attempt `json:"attempts,omitempty"`
}

// writeError renders err as the shared error body. Terminal pipeline
// failures map onto meaningful statuses and keep their friendly
// message; anything else is logged in full and surfaces as an opaque
// 500.
func (s *Server) writeError(w http.ResponseWriter, operation string, err error) {
	if perr, ok := pipeline.As(err); ok {
		s.writeJSON(w, statusOf(perr.Kind), ErrorResponse{
			Error:    perr.Friendly,
			Kind:     string(perr.Kind),
			Attempts: perr.Attempts,
		})
		return
	}
	s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error: s.internalError(operation, err),
	})
}

// internalError logs the full error and returns a user-safe message
// that carries no credentials, hostnames, or query text.
func (s *Server) internalError(operation string, err error) string {
	s.log.Error(operation, "error", err)
	return operation
}

// statusOf maps terminal failure kinds onto HTTP statuses. Recoverable
// kinds normally stay inside the loop; when one surfaces terminally it
// means the question could not be answered, which is 422 territory.
func statusOf(kind pipeline.Kind) int {
	switch kind {
	case pipeline.KindCancelled:
		return StatusClientClosedRequest
	case pipeline.KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindExecutionPermissionDenied:
		return http.StatusForbidden
	case pipeline.KindExecutionConnectionLost,
		pipeline.KindSchemaIntrospectionFailed,
		pipeline.KindLLMTransportFailed:
		return http.StatusBadGateway
	case pipeline.KindAttemptsExhausted,
		pipeline.KindValidationRejected,
		pipeline.KindGenerationRefusal,
		pipeline.KindExecutionSyntax,
		pipeline.KindExecutionUnknownIdentifier,
		pipeline.KindExecutionTypeMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// SanitizeError strips credentials and query fragments from an error
// message so it can accompany a response without leaking internals.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()

	// user:pass@host inside URLs
	if idx := strings.Index(msg, "://"); idx != -1 {
		atIdx := strings.Index(msg[idx:], "@")
		if atIdx != -1 {
			endOfProto := idx + 3
			msg = msg[:endOfProto] + "***@" + msg[idx+atIdx+1:]
		}
	}

	// Query strings may embed SQL or keys.
	if idx := strings.Index(msg, "?"); idx != -1 {
		endIdx := len(msg)
		for _, delim := range []string{" ", "'", "\""} {
			if i := strings.Index(msg[idx:], delim); i != -1 && idx+i < endIdx {
				endIdx = idx + i
			}
		}
		msg = msg[:idx] + "?..." + msg[endIdx:]
	}

	return msg
}
