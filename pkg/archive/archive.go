// Package archive persists raw scheduler snapshots and export artifacts
// outside the registry state: locally or in S3-compatible object storage.
//
// The registry state file holds the modeled history; the archive holds the
// evidence. Raw squeue/sacct output lands here verbatim so any diff or
// anomaly can be traced back to the exact text the scheduler produced.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Sentinel errors mapped from store-specific failures.
var (
	// ErrNotFound indicates the object does not exist.
	ErrNotFound = errors.New("archive: object not found")

	// ErrBucketNotFound indicates the configured bucket does not exist.
	ErrBucketNotFound = errors.New("archive: bucket not found")

	// ErrAccessDenied indicates the credentials lack permission.
	ErrAccessDenied = errors.New("archive: access denied")

	// ErrUnavailable indicates the store is throttling or unreachable.
	ErrUnavailable = errors.New("archive: store unavailable")
)

// Sink stores and retrieves archive objects by key. Keys use forward
// slashes regardless of platform. Implementations are safe for concurrent
// use.
type Sink interface {
	// Store writes one object, replacing any existing object under the
	// same key.
	Store(ctx context.Context, key string, body io.Reader) error

	// List returns the entries under a key prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Open reads one object back. The caller closes the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Close releases resources held by the sink.
	Close() error
}

// Entry describes one stored object.
type Entry struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// SinkError wraps a sink failure with its operation and key.
type SinkError struct {
	Op   string
	Sink string
	Key  string
	Err  error
}

func (e *SinkError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Sink, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Sink, e.Op, e.Key, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAccessDenied reports whether err indicates missing permissions.
func IsAccessDenied(err error) bool { return errors.Is(err, ErrAccessDenied) }

// SnapshotKey names the raw queue snapshot taken from one host at one
// time. Snapshots from the same host sort chronologically.
func SnapshotKey(host string, at time.Time) string {
	return fmt.Sprintf("snapshots/%s/%s.txt", host, at.UTC().Format("20060102T150405Z"))
}

// ExportKey names an export artifact.
func ExportKey(name string) string {
	return "exports/" + name
}
