package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// squeueFields is the canonical column order requested from squeue. Parsing
// indexes rows by position in this list, so the command builder and the
// parser cannot drift apart.
var squeueFields = []string{
	"JobID", "Partition", "Name", "Account", "User", "Group", "State",
	"Elapsed", "TimeLimit", "NumNodes", "NumCPUs", "MinMemory",
	"NodeList", "Reason", "SubmitTime", "StartTime",
}

// squeueFormat maps squeueFields onto the short format codes understood by
// squeue -o, pipe separated so rows split without width guessing.
const squeueFormat = "%i|%P|%j|%a|%u|%g|%T|%M|%l|%D|%C|%m|%N|%r|%V|%S"

var squeueIndex = fieldIndex(squeueFields)

func fieldIndex(fields []string) map[string]int {
	idx := make(map[string]int, len(fields))
	for i, name := range fields {
		idx[name] = i
	}
	return idx
}

// SqueueCommand returns the batched live-queue query for the given remote
// job IDs. Callers pass every tracked ID for a host in one call; the
// scheduler answers for all of them in a single round trip.
func SqueueCommand(jobIDs []string) string {
	return fmt.Sprintf("squeue --noheader -o '%s' --jobs=%s", squeueFormat, strings.Join(jobIDs, ","))
}

// ParseSqueue parses the raw output of a SqueueCommand invocation into one
// candidate per non-empty line. Malformed lines degrade to Unknown-status
// candidates with ParseErr set; the batch itself never fails.
func ParseSqueue(raw string, observedAt time.Time) []Candidate {
	var out []Candidate
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, parseSqueueLine(line, observedAt))
	}
	return out
}

func parseSqueueLine(line string, observedAt time.Time) Candidate {
	cols := strings.Split(line, "|")
	if len(cols) != len(squeueFields) {
		return malformed(line, observedAt,
			fmt.Errorf("expected %d columns, got %d", len(squeueFields), len(cols)))
	}
	field := func(name string) string {
		return strings.TrimSpace(cols[squeueIndex[name]])
	}

	obs := Observation{
		RemoteJobID: field("JobID"),
		ObservedAt:  observedAt,
		Origin:      OriginRemote,
		RawState:    field("State"),
		Status:      ParseState(field("State")),
		Partition:   field("Partition"),
		Name:        field("Name"),
		Account:     cleanField(field("Account")),
		User:        field("User"),
		Group:       cleanField(field("Group")),
		Reason:      cleanField(field("Reason")),
		MinMemory:   cleanField(field("MinMemory")),
		Nodes:       parseNodeList(field("NodeList")),
		SubmitTime:  parseSchedulerTime(field("SubmitTime")),
		StartTime:   parseSchedulerTime(field("StartTime")),
		Fingerprint: fingerprint(
			field("TimeLimit"), field("NumNodes"), field("NumCPUs"),
			field("MinMemory"), field("SubmitTime"), field("StartTime"),
		),
	}
	if d, ok := parseElapsed(field("Elapsed")); ok {
		obs.Elapsed = d
	}
	if obs.RemoteJobID == "" {
		return malformed(line, observedAt, errors.New("missing job id"))
	}
	return Candidate{Observation: obs}
}

// malformed builds the Unknown-status candidate for a line that failed to
// parse, salvaging the leading column as a best-effort job ID so the poller
// can still correlate it with a tracked job.
func malformed(line string, observedAt time.Time, err error) Candidate {
	obs := Observation{
		ObservedAt:  observedAt,
		Origin:      OriginRemote,
		Status:      StatusUnknown,
		Anomaly:     AnomalyParse,
		Fingerprint: fingerprint(line),
	}
	if i := strings.IndexByte(line, '|'); i > 0 {
		obs.RemoteJobID = strings.TrimSpace(line[:i])
	}
	return Candidate{Observation: obs, ParseErr: err}
}
