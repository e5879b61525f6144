package queue

import (
	"fmt"
	"strings"
	"time"
)

// sacctFields is the canonical column order requested from sacct, used for
// the supplementary accounting lookup on jobs that vanished from the live
// queue before a terminal state was observed.
var sacctFields = []string{
	"JobID", "JobName", "Partition", "Account", "User", "Group",
	"State", "Elapsed", "ExitCode", "NodeList", "End",
}

var sacctIndex = fieldIndex(sacctFields)

// SacctCommand returns the accounting lookup for the given remote job IDs.
// parsable2 output is pipe separated without trailing delimiters.
func SacctCommand(jobIDs []string) string {
	return fmt.Sprintf("sacct --noheader --parsable2 --format=%s --jobs=%s",
		strings.Join(sacctFields, ","), strings.Join(jobIDs, ","))
}

// ParseSacct parses the raw output of a SacctCommand invocation. Step rows
// (job IDs like "1234.batch" or "1234.0") are skipped; only the parent job
// row describes the job itself. Malformed lines degrade to Unknown-status
// candidates exactly as in ParseSqueue.
func ParseSacct(raw string, observedAt time.Time) []Candidate {
	var out []Candidate
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isStepRow(line) {
			continue
		}
		out = append(out, parseSacctLine(line, observedAt))
	}
	return out
}

// isStepRow reports whether the line describes a job step rather than the
// job itself. Array tasks ("123_4") are jobs, steps carry a dot suffix.
func isStepRow(line string) bool {
	id := line
	if i := strings.IndexByte(line, '|'); i >= 0 {
		id = line[:i]
	}
	return strings.ContainsRune(id, '.')
}

func parseSacctLine(line string, observedAt time.Time) Candidate {
	cols := strings.Split(line, "|")
	if len(cols) != len(sacctFields) {
		return malformed(line, observedAt,
			fmt.Errorf("expected %d columns, got %d", len(sacctFields), len(cols)))
	}
	field := func(name string) string {
		return strings.TrimSpace(cols[sacctIndex[name]])
	}

	obs := Observation{
		RemoteJobID: field("JobID"),
		ObservedAt:  observedAt,
		Origin:      OriginRemote,
		RawState:    field("State"),
		Status:      ParseState(field("State")),
		Partition:   cleanField(field("Partition")),
		Name:        field("JobName"),
		Account:     cleanField(field("Account")),
		User:        cleanField(field("User")),
		Group:       cleanField(field("Group")),
		ExitCode:    parseExitCode(field("ExitCode")),
		Nodes:       parseNodeList(field("NodeList")),
		EndTime:     parseSchedulerTime(field("End")),
		Fingerprint: fingerprint(field("End")),
	}
	if d, ok := parseElapsed(field("Elapsed")); ok {
		obs.Elapsed = d
	}
	if obs.RemoteJobID == "" {
		return malformed(line, observedAt, fmt.Errorf("missing job id"))
	}
	return Candidate{Observation: obs}
}
