// Package events carries the live event stream between the polling engine
// and its consumers: the watch command, the SSE endpoint, metrics.
package events

import (
	"time"

	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

// Kind discriminates job event payloads.
//
// NOTE: These values appear in exported event logs and are part of the
// stable output contract.
type Kind string

const (
	// KindSubmitted marks a job's first observation.
	KindSubmitted Kind = "submitted"

	// KindStatusChanged marks a derived status change.
	KindStatusChanged Kind = "status_changed"

	// KindFieldChanged marks a non-status field changing between
	// consecutive observations.
	KindFieldChanged Kind = "field_changed"

	// KindAnomaly marks a detected anomaly: a regression, a job missing
	// from the queue, a malformed queue line.
	KindAnomaly Kind = "anomaly"
)

// JobEvent is one event in a job's derived history.
type JobEvent struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	Handle      jobregistry.Handle `json:"handle"`
	RemoteJobID string             `json:"remote_job_id,omitempty"`
	Epoch       int                `json:"epoch,omitempty"`
	Name        string             `json:"name,omitempty"`
	Cluster     string             `json:"cluster,omitempty"`

	// From and To carry the transition for status_changed events; To alone
	// carries the initial status for submitted events.
	From queue.Status `json:"from,omitempty"`
	To   queue.Status `json:"to,omitempty"`

	// Field, Old and New carry the delta for field_changed events.
	Field string `json:"field,omitempty"`
	Old   string `json:"old,omitempty"`
	New   string `json:"new,omitempty"`

	// Anomaly carries the kind for anomaly events.
	Anomaly queue.AnomalyKind `json:"anomaly,omitempty"`

	// Origin is where the triggering observation came from.
	Origin queue.Origin `json:"origin,omitempty"`
}

// ChannelHealth reports a command channel flipping between healthy and
// unhealthy after consecutive failures.
type ChannelHealth struct {
	Host                string    `json:"host"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	Error               string    `json:"error,omitempty"`
	At                  time.Time `json:"at"`
}

// PollCycle summarizes one completed polling cycle.
type PollCycle struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Hosts        int           `json:"hosts"`
	JobsPolled   int           `json:"jobs_polled"`
	Observations int           `json:"observations"`
	Errors       int           `json:"errors"`
}
