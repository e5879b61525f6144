// Package errors adapts domain errors to the boundaries they cross: the
// CLI wraps them with exit-code context, the HTTP layer renders them as
// JSON envelopes with stable codes.
package errors

import (
	"context"
	"fmt"
)

// ExternalServiceError marks a failure in something slurmscope talks to
// but does not own: a cluster login node, object storage, the scheduler.
type ExternalServiceError struct {
	Message string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// NewExternalServiceError returns an ExternalServiceError with the given
// message and no cause.
func NewExternalServiceError(message string) error {
	return &ExternalServiceError{Message: message}
}

// WrapExternalService wraps err as an external service failure.
func WrapExternalService(err error, message string) error {
	return &ExternalServiceError{Message: message, Err: err}
}

// InternalError marks a failure inside slurmscope itself.
type InternalError struct {
	Message   string
	Err       error
	RequestID string
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *InternalError) Unwrap() error { return e.Err }

// WrapInternal wraps err as an internal failure, attaching the request
// ID from ctx when one is present.
func WrapInternal(ctx context.Context, err error, message string) error {
	return &InternalError{
		Message:   message,
		Err:       err,
		RequestID: RequestIDFromContext(ctx),
	}
}
