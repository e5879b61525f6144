// Package queue parses scheduler queue and accounting output into structured
// job observations.
//
// The parsers are deliberately tolerant: a line that cannot be parsed yields
// a single Unknown-status candidate carrying the raw text instead of failing
// the batch, so one corrupt row never hides the rest of a snapshot. Command
// builders live next to the parsers so the requested column order and the
// row indexing cannot drift apart.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Origin identifies how an observation came to exist.
type Origin string

const (
	// OriginRemote marks an observation parsed from scheduler output.
	OriginRemote Origin = "remote"

	// OriginLocal marks a synthetic observation recorded for an action
	// this process initiated, such as a cancellation, before the remote
	// side confirmed it.
	OriginLocal Origin = "local"

	// OriginInferred marks a synthetic observation recorded when a job
	// could not be found in the queue for long enough to be declared
	// lost.
	OriginInferred Origin = "inferred"
)

// AnomalyKind classifies irregularities attached to an observation or
// detected while reconciling successive observations of the same job.
type AnomalyKind string

const (
	// AnomalyRegression marks a backward move in the lifecycle order.
	// The job's derived status is never lowered; the anomaly is recorded
	// alongside the retained status instead.
	AnomalyRegression AnomalyKind = "regression"

	// AnomalyMissingFromQueue marks a job absent from enough consecutive
	// queue snapshots that the poll loop declared it lost.
	AnomalyMissingFromQueue AnomalyKind = "missing_from_queue"

	// AnomalyParse marks an observation salvaged from unparsable
	// scheduler output.
	AnomalyParse AnomalyKind = "parse"
)

// Observation is a single point-in-time sighting of a remote job. Fields are
// set at parse time and never mutated afterwards.
type Observation struct {
	RemoteJobID string    `json:"remote_job_id"`
	ObservedAt  time.Time `json:"observed_at"`
	Status      Status    `json:"status"`
	Origin      Origin    `json:"origin,omitempty"`

	// Anomaly carries the classification an observation was born with:
	// AnomalyParse for salvaged lines, AnomalyMissingFromQueue for
	// synthetic loss markers. Regressions are detected downstream.
	Anomaly AnomalyKind `json:"anomaly,omitempty"`

	// RawState is the verbatim state token reported by the scheduler,
	// before folding into Status.
	RawState string `json:"raw_state,omitempty"`

	Elapsed  time.Duration `json:"elapsed,omitempty"`
	Nodes    []string      `json:"nodes,omitempty"`
	ExitCode *int          `json:"exit_code,omitempty"`

	Partition string `json:"partition,omitempty"`
	Account   string `json:"account,omitempty"`
	User      string `json:"user,omitempty"`
	Group     string `json:"group,omitempty"`
	Name      string `json:"name,omitempty"`
	Reason    string `json:"reason,omitempty"`
	MinMemory string `json:"min_memory,omitempty"`

	SubmitTime *time.Time `json:"submit_time,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`

	// Fingerprint condenses the row fields not individually modeled above,
	// so downstream diffing can detect drift without enumerating every
	// scheduler column.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Candidate pairs a parsed observation with its parse outcome. ParseErr is
// non-nil when the source line was malformed; the observation then carries
// StatusUnknown and whatever could still be salvaged from the line.
type Candidate struct {
	Observation Observation
	ParseErr    error
}

// fingerprint hashes field values in canonical order.
func fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cleanField normalizes the placeholder values schedulers print for
// absent data.
func cleanField(s string) string {
	switch s {
	case "", "(null)", "None", "NONE", "N/A", "n/a", "Unknown":
		return ""
	}
	return s
}

// slurmTimeLayout matches the zone-less timestamps printed by squeue and
// sacct. Values are interpreted as UTC.
const slurmTimeLayout = "2006-01-02T15:04:05"

func parseSchedulerTime(s string) *time.Time {
	s = cleanField(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	t, err := time.ParseInLocation(slurmTimeLayout, s, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

// parseElapsed parses elapsed and limit strings of the form
// [days-]hours:minutes:seconds or minutes:seconds.
func parseElapsed(s string) (time.Duration, bool) {
	s = cleanField(strings.TrimSpace(s))
	if s == "" || s == "UNLIMITED" || s == "NOT_SET" || s == "INVALID" {
		return 0, false
	}
	var days int64
	if i := strings.IndexByte(s, '-'); i >= 0 {
		d, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil {
			return 0, false
		}
		days = d
		s = s[i+1:]
	}
	parts := strings.Split(s, ":")
	var hours, minutes, seconds int64
	var err error
	switch len(parts) {
	case 3:
		if hours, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
			return 0, false
		}
		if minutes, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return 0, false
		}
		if seconds, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
			return 0, false
		}
	case 2:
		if minutes, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
			return 0, false
		}
		if seconds, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	return d, true
}

// parseNodeList splits a scheduler node list into individual names.
// Bracketed range expressions like "gpu[01-04]" are kept verbatim as a
// single entry rather than expanded.
func parseNodeList(raw string) []string {
	raw = cleanField(strings.TrimSpace(raw))
	if raw == "" || strings.EqualFold(raw, "None assigned") {
		return nil
	}
	var (
		out   []string
		depth int
		start int
	)
	for i, r := range raw {
		switch r {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, raw[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, raw[start:])
	nodes := out[:0]
	for _, n := range out {
		if n = strings.TrimSpace(n); n != "" {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return nil
	}
	return nodes
}

// parseExitCode parses the scheduler's "code:signal" exit string, keeping
// only the exit code.
func parseExitCode(s string) *int {
	s = cleanField(strings.TrimSpace(s))
	if s == "" {
		return nil
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &code
}
