package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sacctObservedAt = time.Date(2025, 1, 4, 11, 0, 0, 0, time.UTC)

func sacctLine(id, state, exit string) string {
	return strings.Join([]string{
		id, "train-alpha", "gpu", "acct-ml", "alice", "ml-users",
		state, "01:30:00", exit, "gpu01", "2025-01-04T10:35:00",
	}, "|")
}

func TestSacctCommand(t *testing.T) {
	cmd := SacctCommand([]string{"101", "102"})
	assert.Contains(t, cmd, "sacct")
	assert.Contains(t, cmd, "--parsable2")
	assert.Contains(t, cmd, "--jobs=101,102")
	assert.Contains(t, cmd, "--format=JobID,")
}

func TestParseSacct(t *testing.T) {
	raw := sacctLine("101", "COMPLETED", "0:0") + "\n" +
		sacctLine("101.batch", "COMPLETED", "0:0") + "\n" +
		sacctLine("101.extern", "COMPLETED", "0:0") + "\n" +
		sacctLine("102", "FAILED", "137:0")

	cands := ParseSacct(raw, sacctObservedAt)
	require.Len(t, cands, 2, "step rows must be skipped")

	first := cands[0]
	require.NoError(t, first.ParseErr)
	assert.Equal(t, "101", first.Observation.RemoteJobID)
	assert.Equal(t, StatusCompleted, first.Observation.Status)
	require.NotNil(t, first.Observation.ExitCode)
	assert.Equal(t, 0, *first.Observation.ExitCode)
	assert.Equal(t, 90*time.Minute, first.Observation.Elapsed)
	require.NotNil(t, first.Observation.EndTime)
	assert.Equal(t, time.Date(2025, 1, 4, 10, 35, 0, 0, time.UTC), *first.Observation.EndTime)

	second := cands[1]
	assert.Equal(t, StatusFailed, second.Observation.Status)
	require.NotNil(t, second.Observation.ExitCode)
	assert.Equal(t, 137, *second.Observation.ExitCode)
}

func TestParseSacctCancelledByUser(t *testing.T) {
	raw := sacctLine("300", "CANCELLED by 1503", "0:15")
	cands := ParseSacct(raw, sacctObservedAt)
	require.Len(t, cands, 1)
	assert.Equal(t, StatusCancelled, cands[0].Observation.Status)
	assert.Equal(t, "CANCELLED by 1503", cands[0].Observation.RawState)
}

func TestParseSacctArrayTaskIsNotAStep(t *testing.T) {
	raw := sacctLine("400_7", "COMPLETED", "0:0")
	cands := ParseSacct(raw, sacctObservedAt)
	require.Len(t, cands, 1)
	assert.Equal(t, "400_7", cands[0].Observation.RemoteJobID)
}

func TestParseSacctMalformedLine(t *testing.T) {
	cands := ParseSacct("garbage without pipes", sacctObservedAt)
	require.Len(t, cands, 1)
	require.Error(t, cands[0].ParseErr)
	assert.Equal(t, StatusUnknown, cands[0].Observation.Status)
}

func TestParseExitCode(t *testing.T) {
	tests := []struct {
		raw  string
		want *int
	}{
		{"0:0", intPtr(0)},
		{"137:9", intPtr(137)},
		{"1", intPtr(1)},
		{"", nil},
		{"N/A", nil},
		{"x:0", nil},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := parseExitCode(tt.raw)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, *tt.want, *got)
			}
		})
	}
}

func intPtr(v int) *int { return &v }
