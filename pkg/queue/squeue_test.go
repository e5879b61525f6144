package queue

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var squeueObservedAt = time.Date(2025, 1, 4, 10, 30, 0, 0, time.UTC)

func squeueLine(id, state, elapsed, nodes string) string {
	return strings.Join([]string{
		id, "gpu", "train-alpha", "acct-ml", "alice", "ml-users", state,
		elapsed, "12:00:00", "1", "8", "16G", nodes, "None",
		"2025-01-04T09:00:00", "2025-01-04T09:05:00",
	}, "|")
}

func TestSqueueCommand(t *testing.T) {
	cmd := SqueueCommand([]string{"101", "102", "205"})
	assert.Contains(t, cmd, "squeue")
	assert.Contains(t, cmd, "--noheader")
	assert.Contains(t, cmd, "--jobs=101,102,205")
	assert.Contains(t, cmd, squeueFormat)
}

func TestSqueueFormatCoversAllFields(t *testing.T) {
	// squeueFormat is maintained by hand; one format code per canonical field.
	assert.Len(t, strings.Split(squeueFormat, "|"), len(squeueFields))
}

func TestParseSqueue(t *testing.T) {
	raw := squeueLine("101", "RUNNING", "00:12:34", "gpu01") + "\n" +
		squeueLine("102", "PENDING", "0:00", "") + "\n"

	cands := ParseSqueue(raw, squeueObservedAt)
	require.Len(t, cands, 2)

	first := cands[0]
	require.NoError(t, first.ParseErr)
	assert.Equal(t, "101", first.Observation.RemoteJobID)
	assert.Equal(t, StatusRunning, first.Observation.Status)
	assert.Equal(t, "RUNNING", first.Observation.RawState)
	assert.Equal(t, 12*time.Minute+34*time.Second, first.Observation.Elapsed)
	assert.Equal(t, []string{"gpu01"}, first.Observation.Nodes)
	assert.Equal(t, "gpu", first.Observation.Partition)
	assert.Equal(t, "train-alpha", first.Observation.Name)
	assert.Equal(t, "acct-ml", first.Observation.Account)
	assert.Equal(t, "alice", first.Observation.User)
	assert.Equal(t, "ml-users", first.Observation.Group)
	assert.Equal(t, squeueObservedAt, first.Observation.ObservedAt)
	require.NotNil(t, first.Observation.SubmitTime)
	assert.Equal(t, time.Date(2025, 1, 4, 9, 0, 0, 0, time.UTC), *first.Observation.SubmitTime)
	assert.NotEmpty(t, first.Observation.Fingerprint)
	assert.Nil(t, first.Observation.ExitCode)

	second := cands[1]
	require.NoError(t, second.ParseErr)
	assert.Equal(t, StatusPending, second.Observation.Status)
	assert.Nil(t, second.Observation.Nodes)
}

func TestParseSqueueMalformedLine(t *testing.T) {
	raw := squeueLine("101", "RUNNING", "00:01:00", "gpu01") + "\n" +
		"102|truncated row\n" +
		squeueLine("103", "COMPLETED", "01:00:00", "gpu02")

	cands := ParseSqueue(raw, squeueObservedAt)
	require.Len(t, cands, 3)

	var unknown, normal int
	for _, c := range cands {
		if c.ParseErr != nil {
			unknown++
			assert.Equal(t, StatusUnknown, c.Observation.Status)
			assert.Equal(t, "102", c.Observation.RemoteJobID)
		} else {
			normal++
			assert.NotEqual(t, StatusUnknown, c.Observation.Status)
		}
	}
	assert.Equal(t, 1, unknown)
	assert.Equal(t, 2, normal)
}

func TestParseSqueueEmptyOutput(t *testing.T) {
	assert.Empty(t, ParseSqueue("", squeueObservedAt))
	assert.Empty(t, ParseSqueue("\n\n", squeueObservedAt))
}

func TestParseSqueueUnknownState(t *testing.T) {
	raw := squeueLine("500", "SPECIAL_EXIT", "00:00:10", "node1")
	cands := ParseSqueue(raw, squeueObservedAt)
	require.Len(t, cands, 1)
	require.NoError(t, cands[0].ParseErr)
	assert.Equal(t, StatusUnknown, cands[0].Observation.Status)
	assert.Equal(t, "SPECIAL_EXIT", cands[0].Observation.RawState)
}

func TestParseSqueueFingerprintStability(t *testing.T) {
	// Elapsed is modeled separately; a pure elapsed change must not move
	// the fingerprint, while a limit change must.
	a := ParseSqueue(squeueLine("7", "RUNNING", "00:01:00", "n1"), squeueObservedAt)[0]
	b := ParseSqueue(squeueLine("7", "RUNNING", "00:02:00", "n1"), squeueObservedAt)[0]
	assert.Equal(t, a.Observation.Fingerprint, b.Observation.Fingerprint)

	changed := strings.Replace(squeueLine("7", "RUNNING", "00:01:00", "n1"), "12:00:00", "24:00:00", 1)
	c := ParseSqueue(changed, squeueObservedAt)[0]
	assert.NotEqual(t, a.Observation.Fingerprint, c.Observation.Fingerprint)
}

func TestParseNodeList(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"(null)", nil},
		{"None assigned", nil},
		{"gpu01", []string{"gpu01"}},
		{"gpu01,gpu02", []string{"gpu01", "gpu02"}},
		{"gpu[01-04]", []string{"gpu[01-04]"}},
		{"gpu[01-02],cpu07", []string{"gpu[01-02]", "cpu07"}},
		{" n1 , n2 ", []string{"n1", "n2"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, parseNodeList(tt.raw))
		})
	}
}

func TestParseElapsed(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"0:00", 0, true},
		{"12:34", 12*time.Minute + 34*time.Second, true},
		{"01:02:03", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"2-01:00:00", 49 * time.Hour, true},
		{"UNLIMITED", 0, false},
		{"INVALID", 0, false},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := parseElapsed(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
