package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/slurmscope/slurmscope/pkg/engine"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

// Stable machine-readable error codes carried in HTTP error envelopes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeAlreadyTerminal    = "ALREADY_TERMINAL"
	CodeChannelUnavailable = "CHANNEL_UNAVAILABLE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// HTTPError is the error object inside an HTTP error envelope.
type HTTPError struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HTTPErrorResponse is the JSON envelope every error response uses.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

type requestIDKey struct{}

// ContextWithRequestID returns a context carrying the request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored by the request ID
// middleware, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// RespondWithError classifies err and writes the matching envelope.
//
// Spec validation failures map to 400, unknown jobs to 404, control
// actions on terminal jobs to 409, channel failures to 502, everything
// else to 500.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the log, not on the wire.
		msg = "internal error"
	}
	WriteError(w, r, status, code, msg)
}

// WriteError writes an error envelope with the given status, code, and
// message.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := HTTPErrorResponse{Error: HTTPError{
		Code:    code,
		Message: message,
	}}
	if r != nil {
		resp.Error.RequestID = requestIDFor(r)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDFor(r *http.Request) string {
	if id := RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

func classify(err error) (status int, code string) {
	var invalid *jobspec.InvalidSpecError
	switch {
	case errors.As(err, &invalid),
		errors.Is(err, jobspec.ErrValidationFailed),
		errors.Is(err, engine.ErrClusterNotConfigured):
		return http.StatusBadRequest, CodeValidationError
	case errors.Is(err, jobregistry.ErrUnknownHandle):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, engine.ErrAlreadyTerminal):
		return http.StatusConflict, CodeAlreadyTerminal
	case remote.IsTimeout(err), remote.IsConnectionLost(err), remote.IsAuthFailure(err):
		return http.StatusBadGateway, CodeChannelUnavailable
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}
