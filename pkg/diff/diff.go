// Package diff computes structural differences between successive
// observations of the same job.
//
// Diff is pure: it never consults clocks, configuration, or stores, so the
// same pair of observations always yields the same result regardless of
// where or when the comparison runs.
package diff

import (
	"encoding/json"
	"strconv"

	"github.com/slurmscope/slurmscope/pkg/queue"
)

// Field names used in change entries. A small set of scheduler fields is
// modeled individually; everything else is folded into FieldOther via the
// observation fingerprint.
const (
	FieldElapsed       = "elapsed"
	FieldAssignedNodes = "assigned_nodes"
	FieldExitCode      = "exit_code"
	FieldPartition     = "partition"
	FieldReason        = "reason"
	FieldOther         = "other"
)

// FieldChange records one modeled field whose value moved between two
// observations. Values are canonical string renderings so entries compare
// and serialize stably.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// Transition is a status change between successive observations. From is
// empty for the first observation of a job.
type Transition struct {
	From queue.Status `json:"from,omitempty"`
	To   queue.Status `json:"to"`
}

// Initial reports whether this transition introduces the job's first
// observed status.
func (t Transition) Initial() bool {
	return t.From == ""
}

// Result is the outcome of comparing two observations. A zero Result means
// the observations are identical in every modeled respect.
type Result struct {
	FieldChanges []FieldChange     `json:"field_changes,omitempty"`
	Transition   *Transition       `json:"transition,omitempty"`
	Anomaly      queue.AnomalyKind `json:"anomaly,omitempty"`
}

// Empty reports whether the comparison found nothing of interest.
func (r Result) Empty() bool {
	return len(r.FieldChanges) == 0 && r.Transition == nil && r.Anomaly == ""
}

// Diff compares the previous observation of a job with the next one. A nil
// previous marks the first sighting and yields only the initial transition.
// Identical observations yield an empty result.
func Diff(previous *queue.Observation, next queue.Observation) Result {
	var res Result
	if previous == nil {
		res.Transition = &Transition{To: next.Status}
		return res
	}

	res.FieldChanges = fieldChanges(*previous, next)
	if previous.Status != next.Status {
		res.Transition = &Transition{From: previous.Status, To: next.Status}
		if regression(previous.Status, next.Status) {
			res.Anomaly = queue.AnomalyRegression
		}
	}
	return res
}

// Advance applies the monotone-order policy to a job's derived status given
// a newly observed one. Forward moves and moves through Unknown take the
// observed status; regressions and anything after a terminal status retain
// the current one. The returned flag reports whether the observed move was
// a regression.
//
// An empty current status means the job has no prior observation and always
// takes the observed status.
func Advance(current, observed queue.Status) (queue.Status, bool) {
	if current == "" {
		return observed, false
	}
	if current.Terminal() {
		return current, regression(current, observed)
	}
	if regression(current, observed) {
		return current, true
	}
	return observed, false
}

// regression reports whether moving from one status to another walks
// backward along the lifecycle order. Unknown ranks zero and is excluded:
// losing or regaining sight of a job is not a contradiction.
func regression(from, to queue.Status) bool {
	fr, tr := from.Rank(), to.Rank()
	if fr == 0 || tr == 0 {
		return false
	}
	return tr < fr
}

func fieldChanges(prev, next queue.Observation) []FieldChange {
	var changes []FieldChange
	add := func(field, oldVal, newVal string) {
		if oldVal != newVal {
			changes = append(changes, FieldChange{Field: field, Old: oldVal, New: newVal})
		}
	}

	add(FieldElapsed, renderElapsed(prev), renderElapsed(next))
	add(FieldAssignedNodes, renderNodes(prev.Nodes), renderNodes(next.Nodes))
	add(FieldExitCode, renderExitCode(prev.ExitCode), renderExitCode(next.ExitCode))
	add(FieldPartition, prev.Partition, next.Partition)
	add(FieldReason, prev.Reason, next.Reason)

	// Unmodeled remainder: a fingerprint move collapses to one entry and
	// is never expanded into per-column changes.
	if prev.Fingerprint != next.Fingerprint {
		changes = append(changes, FieldChange{
			Field: FieldOther,
			Old:   prev.Fingerprint,
			New:   next.Fingerprint,
		})
	}
	return changes
}

func renderElapsed(o queue.Observation) string {
	if o.Elapsed == 0 {
		return ""
	}
	return o.Elapsed.String()
}

// renderNodes produces the canonical JSON rendering used in change entries,
// so "[]" and "[\"node1\"]" compare and display stably.
func renderNodes(nodes []string) string {
	if nodes == nil {
		nodes = []string{}
	}
	b, err := json.Marshal(nodes)
	if err != nil {
		return ""
	}
	return string(b)
}

func renderExitCode(code *int) string {
	if code == nil {
		return ""
	}
	return strconv.Itoa(*code)
}
