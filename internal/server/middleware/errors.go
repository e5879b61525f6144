// Package middleware provides the HTTP middleware chain: request ID
// propagation and panic recovery with JSON error envelopes.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/slurmscope/slurmscope/internal/errors"
	"github.com/slurmscope/slurmscope/internal/observability"
)

// requestIDHeader is the header request IDs are read from and echoed to.
const requestIDHeader = "X-Request-ID"

// ErrorBody is the error object inside an ErrorResponse.
type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the JSON envelope the middleware writes on failure.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// RequestID assigns each request an ID. An incoming X-Request-ID is
// trusted and propagated; otherwise a fresh UUID is generated. The ID is
// stored on the request context, kept on the request header, and echoed
// on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		ctx := apperrors.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recovery converts panics into 500 responses with an INTERNAL_ERROR
// envelope instead of tearing down the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			requestID := r.Header.Get(requestIDHeader)
			observability.MustLogger().Error("panic recovered",
				zap.Any("panic", rec),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID))

			envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec))
			if requestID != "" {
				envelope = envelope.WithCorrelationID(requestID)
			}
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is Recovery under the name the router wiring uses.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// writeErrorResponse renders an error envelope as the middleware JSON
// error shape.
func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	resp := ErrorResponse{Error: ErrorBody{
		Code:      envelope.Code,
		Message:   envelope.Message,
		RequestID: envelope.CorrelationID,
	}}
	if len(envelope.Context) > 0 {
		resp.Error.Details = envelope.Context
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}
