package jobregistry

import (
	"errors"
	"time"

	"github.com/slurmscope/slurmscope/pkg/diff"
	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

// Handle is the local identity of a tracked job. It is assigned at creation
// time, never reused, and stays valid across remote job ID recycling.
type Handle string

// ErrUnknownHandle is returned when an operation names a handle the
// registry has never seen.
var ErrUnknownHandle = errors.New("job handle not found")

// AnomalyNote records one detected anomaly against a job, pointing at the
// observation that triggered it.
//
// NOTE: These values are persisted in the state file and are part of the
// stable on-disk contract.
type AnomalyNote struct {
	// Seq is the index into Observations of the triggering observation.
	Seq  int               `json:"seq"`
	Kind queue.AnomalyKind `json:"kind"`
	At   time.Time         `json:"at"`
}

// JobRecord is the full tracked history of one job: the spec it was built
// from, its remote identity, every observation in arrival order, and the
// derived status.
//
// Records are append-only. The registry hands out copies; mutating a
// returned record has no effect on the registry.
type JobRecord struct {
	Handle      Handle          `json:"handle"`
	Spec        jobspec.JobSpec `json:"spec"`
	SpecHash    string          `json:"spec_hash,omitempty"`
	RemoteJobID string          `json:"remote_job_id,omitempty"`

	// Epoch disambiguates reuse of the same remote job ID by the scheduler.
	// The first holder of an ID gets epoch 1.
	Epoch int `json:"epoch,omitempty"`

	// Status is the derived status: it follows observations forward but
	// never leaves a terminal state and never moves backward in the
	// lifecycle order.
	Status queue.Status `json:"status"`

	Observations []queue.Observation `json:"observations,omitempty"`
	Anomalies    []AnomalyNote       `json:"anomalies,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	TerminalAt  *time.Time `json:"terminal_at,omitempty"`
}

// clone returns a deep enough copy that callers can hold without racing
// subsequent appends.
func (r *JobRecord) clone() *JobRecord {
	out := *r
	if len(r.Observations) > 0 {
		out.Observations = make([]queue.Observation, len(r.Observations))
		copy(out.Observations, r.Observations)
	}
	if len(r.Anomalies) > 0 {
		out.Anomalies = make([]AnomalyNote, len(r.Anomalies))
		copy(out.Anomalies, r.Anomalies)
	}
	return &out
}

// LastObservation returns the most recent observation, or nil if the job
// has never been observed.
func (r *JobRecord) LastObservation() *queue.Observation {
	if len(r.Observations) == 0 {
		return nil
	}
	return &r.Observations[len(r.Observations)-1]
}

// AppendOutcome reports what one AppendObservation call changed.
type AppendOutcome struct {
	// Accepted is false when the observation was rejected without being
	// recorded (remote ID mismatch, no remote ID assigned). Reason says why.
	Accepted bool
	Reason   string

	// Status is the derived status after the append.
	Status queue.Status

	// Transition is set when the derived status changed, with From empty on
	// the first observation. Nil when the derived status was retained.
	Transition *diff.Transition

	// FieldChanges lists non-status fields that differ from the previous
	// observation.
	FieldChanges []diff.FieldChange

	// Anomalies lists anomalies detected by this append, already recorded
	// on the record.
	Anomalies []queue.AnomalyKind

	// Late is true when the observation arrived after the job was already
	// terminal. The observation is recorded but the status is retained.
	Late bool
}

// Filter selects a subset of records from List. Zero value matches all.
type Filter struct {
	Statuses []queue.Status
	Cluster  string
	Name     string
}

func (f Filter) matches(r *JobRecord) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Cluster != "" && r.Spec.Cluster != f.Cluster {
		return false
	}
	if f.Name != "" && r.Spec.Name != f.Name {
		return false
	}
	return true
}
