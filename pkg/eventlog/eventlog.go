// Package eventlog turns job records into event histories and writes them
// out: as JSONL for downstream tooling, as an OCEL 2.0 object-centric event
// log for process mining, or as aggregate summaries.
//
// Exports are replays. The event history is derived from the recorded
// observations alone, so exporting the same records always yields the same
// events, and a log exported long after the fact matches what a live
// subscriber saw.
package eventlog

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/slurmscope/slurmscope/pkg/events"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: slurmscope.<type>.v<version>
const (
	// TypeEvent identifies derived job event records.
	TypeEvent = "slurmscope.event.v1"

	// TypeTrace identifies per-job trace records.
	TypeTrace = "slurmscope.trace.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "slurmscope.summary.v1"

	// TypePreflight identifies preflight capability check records.
	TypePreflight = "slurmscope.preflight.v1"
)

// ErrWriterClosed is returned when writing to a closed Writer.
var ErrWriterClosed = errors.New("event log writer is closed")

// Record is the envelope for all JSONL output. Each line is a
// self-contained JSON object that can be parsed independently.
type Record struct {
	// Type identifies the record type (e.g., "slurmscope.event.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was written.
	TS time.Time `json:"ts"`

	// ExportID correlates all lines of one export run.
	ExportID string `json:"export_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobTrace is the data payload for per-job trace records: one line per job
// summarizing its identity and where its history ended up.
type JobTrace struct {
	Handle      jobregistry.Handle `json:"handle"`
	Name        string             `json:"name,omitempty"`
	Cluster     string             `json:"cluster,omitempty"`
	RemoteJobID string             `json:"remote_job_id,omitempty"`
	Epoch       int                `json:"epoch,omitempty"`
	Status      queue.Status       `json:"status"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	TerminalAt  *time.Time `json:"terminal_at,omitempty"`

	Observations int `json:"observations"`
	Events       int `json:"events"`
	Anomalies    int `json:"anomalies"`
}

// Summary is the data payload for the final summary record.
type Summary struct {
	Jobs      int                  `json:"jobs"`
	Events    int                  `json:"events"`
	Anomalies int                  `json:"anomalies"`
	ByStatus  map[queue.Status]int `json:"by_status,omitempty"`

	// FirstEvent and LastEvent bound the exported time range.
	FirstEvent *time.Time `json:"first_event,omitempty"`
	LastEvent  *time.Time `json:"last_event,omitempty"`
}

// GroupSummary aggregates one group when an export is grouped.
type GroupSummary struct {
	Key       string               `json:"key"`
	Jobs      int                  `json:"jobs"`
	Events    int                  `json:"events"`
	Anomalies int                  `json:"anomalies"`
	ByStatus  map[queue.Status]int `json:"by_status,omitempty"`
}

// GroupBy keys for export aggregation.
const (
	GroupByAccount   = "account"
	GroupByPartition = "partition"
	GroupByUser      = "user"
	GroupByName      = "name"
	GroupByCluster   = "cluster"
)

// Options selects and shapes an export.
type Options struct {
	// Names filters jobs by spec name using glob patterns ("train-*",
	// "**"). Empty matches all jobs.
	Names []string

	// Statuses filters jobs by derived status. Empty matches all.
	Statuses []queue.Status

	// Since and Until bound events by timestamp. Zero means unbounded.
	Since time.Time
	Until time.Time

	// GroupBy aggregates the summary by one of the GroupBy keys.
	GroupBy string
}

// Log is one assembled export: the derived events of every selected job,
// ordered by time, plus aggregate summaries.
type Log struct {
	GeneratedAt time.Time
	Events      []events.JobEvent
	Traces      []JobTrace
	Summary     Summary
	Groups      []GroupSummary
}
