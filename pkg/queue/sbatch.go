package queue

import (
	"fmt"
	"regexp"
	"strings"
)

// SbatchCommand returns the submission command for an uploaded batch script.
func SbatchCommand(scriptPath string) string {
	return fmt.Sprintf("sbatch %s", scriptPath)
}

// ScancelCommand returns the cancellation command for a remote job.
func ScancelCommand(jobID string) string {
	return fmt.Sprintf("scancel %s", jobID)
}

// sbatchResponse matches the acceptance line sbatch prints on success, e.g.
// "Submitted batch job 12345".
var sbatchResponse = regexp.MustCompile(`Submitted batch job (\d+)`)

// ParseSbatchResponse extracts the remote job ID from sbatch output.
// Warnings the scheduler prints before the acceptance line are ignored.
func ParseSbatchResponse(raw string) (string, error) {
	m := sbatchResponse.FindStringSubmatch(raw)
	if m == nil {
		return "", fmt.Errorf("no job id in sbatch response %q", strings.TrimSpace(raw))
	}
	return m[1], nil
}
