package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Sentinel errors for channel operations.
var (
	// ErrTimeout indicates the operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrConnectionLost indicates the transport dropped mid-operation.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAuthFailure indicates the host rejected our credentials.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrSessionClosed indicates the channel was closed locally.
	ErrSessionClosed = errors.New("session closed")
)

// ChannelError wraps channel failures with operation context.
type ChannelError struct {
	// Op is the operation that failed (e.g., "Execute", "Upload").
	Op string

	// Host is the remote host.
	Host string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error indicates a timed-out operation.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsConnectionLost returns true if the error indicates a dropped transport.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}

// IsAuthFailure returns true if the error indicates rejected credentials.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailure)
}

// IsSessionClosed returns true if the error indicates a locally closed channel.
func IsSessionClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}

// wrapErr builds a ChannelError, classifying the cause onto a sentinel so
// callers can branch on failure mode without string matching.
func wrapErr(op, host string, err error) error {
	return &ChannelError{Op: op, Host: host, Err: classify(err)}
}

// classify maps transport-level errors onto the package sentinels. Errors
// that already carry a sentinel pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrAuthFailure), errors.Is(err, ErrSessionClosed):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	// The ssh package reports handshake and auth failures as plain errors;
	// their messages are the only signal available.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "no supported methods remain"):
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	case strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return err
}
