package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurmscope/slurmscope/pkg/queue"
)

func obsAt(status queue.Status, minute int) queue.Observation {
	return queue.Observation{
		RemoteJobID: "101",
		ObservedAt:  time.Date(2025, 1, 4, 10, minute, 0, 0, time.UTC),
		Status:      status,
		Partition:   "gpu",
		Fingerprint: "fp-stable",
	}
}

func TestDiffIdenticalObservationsIsEmpty(t *testing.T) {
	o := obsAt(queue.StatusRunning, 0)
	o.Nodes = []string{"node1"}
	o.Elapsed = 5 * time.Minute

	res := Diff(&o, o)
	assert.True(t, res.Empty())
	assert.Nil(t, res.Transition)
	assert.Empty(t, res.FieldChanges)
	assert.Empty(t, res.Anomaly)
}

func TestDiffFirstObservation(t *testing.T) {
	o := obsAt(queue.StatusPending, 0)

	res := Diff(nil, o)
	require.NotNil(t, res.Transition)
	assert.True(t, res.Transition.Initial())
	assert.Equal(t, queue.StatusPending, res.Transition.To)
	assert.Empty(t, res.FieldChanges)
	assert.Empty(t, res.Anomaly)
}

func TestDiffForwardTransitionWithNodeAssignment(t *testing.T) {
	prev := obsAt(queue.StatusPending, 0)
	next := obsAt(queue.StatusRunning, 1)
	next.Nodes = []string{"node1"}

	res := Diff(&prev, next)
	require.NotNil(t, res.Transition)
	assert.Equal(t, queue.StatusPending, res.Transition.From)
	assert.Equal(t, queue.StatusRunning, res.Transition.To)
	assert.Empty(t, res.Anomaly)

	require.Len(t, res.FieldChanges, 1)
	change := res.FieldChanges[0]
	assert.Equal(t, FieldAssignedNodes, change.Field)
	assert.Equal(t, `[]`, change.Old)
	assert.Equal(t, `["node1"]`, change.New)
}

func TestDiffBackwardTransitionIsRegression(t *testing.T) {
	prev := obsAt(queue.StatusRunning, 0)
	next := obsAt(queue.StatusPending, 1)

	res := Diff(&prev, next)
	require.NotNil(t, res.Transition)
	assert.Equal(t, queue.StatusRunning, res.Transition.From)
	assert.Equal(t, queue.StatusPending, res.Transition.To)
	assert.Equal(t, queue.AnomalyRegression, res.Anomaly)
}

func TestDiffTerminalToRunningIsRegression(t *testing.T) {
	prev := obsAt(queue.StatusCancelled, 0)
	next := obsAt(queue.StatusRunning, 1)

	res := Diff(&prev, next)
	assert.Equal(t, queue.AnomalyRegression, res.Anomaly)
}

func TestDiffUnknownNeverRegresses(t *testing.T) {
	running := obsAt(queue.StatusRunning, 0)
	unknown := obsAt(queue.StatusUnknown, 1)

	lost := Diff(&running, unknown)
	require.NotNil(t, lost.Transition)
	assert.Empty(t, lost.Anomaly)

	regained := Diff(&unknown, obsAt(queue.StatusRunning, 2))
	require.NotNil(t, regained.Transition)
	assert.Empty(t, regained.Anomaly)
}

func TestDiffElapsedChange(t *testing.T) {
	prev := obsAt(queue.StatusRunning, 0)
	prev.Elapsed = time.Minute
	next := obsAt(queue.StatusRunning, 1)
	next.Elapsed = 2 * time.Minute

	res := Diff(&prev, next)
	assert.Nil(t, res.Transition)
	require.Len(t, res.FieldChanges, 1)
	assert.Equal(t, FieldElapsed, res.FieldChanges[0].Field)
	assert.Equal(t, "1m0s", res.FieldChanges[0].Old)
	assert.Equal(t, "2m0s", res.FieldChanges[0].New)
}

func TestDiffExitCodeAppears(t *testing.T) {
	prev := obsAt(queue.StatusRunning, 0)
	next := obsAt(queue.StatusFailed, 1)
	code := 137
	next.ExitCode = &code

	res := Diff(&prev, next)
	require.NotNil(t, res.Transition)
	require.Len(t, res.FieldChanges, 1)
	assert.Equal(t, FieldExitCode, res.FieldChanges[0].Field)
	assert.Equal(t, "", res.FieldChanges[0].Old)
	assert.Equal(t, "137", res.FieldChanges[0].New)
}

func TestDiffFingerprintDriftCollapsesToOther(t *testing.T) {
	prev := obsAt(queue.StatusRunning, 0)
	next := obsAt(queue.StatusRunning, 1)
	next.Fingerprint = "fp-moved"

	res := Diff(&prev, next)
	assert.Nil(t, res.Transition)
	require.Len(t, res.FieldChanges, 1)
	assert.Equal(t, FieldOther, res.FieldChanges[0].Field)
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		name       string
		current    queue.Status
		observed   queue.Status
		want       queue.Status
		regression bool
	}{
		{"first observation", "", queue.StatusPending, queue.StatusPending, false},
		{"forward", queue.StatusPending, queue.StatusRunning, queue.StatusRunning, false},
		{"no change", queue.StatusRunning, queue.StatusRunning, queue.StatusRunning, false},
		{"backward retains", queue.StatusRunning, queue.StatusPending, queue.StatusRunning, true},
		{"terminal retains", queue.StatusCompleted, queue.StatusRunning, queue.StatusCompleted, true},
		{"cancelled then running", queue.StatusCancelled, queue.StatusRunning, queue.StatusCancelled, true},
		{"terminal to terminal retains without regression", queue.StatusCompleted, queue.StatusFailed, queue.StatusCompleted, false},
		{"into unknown", queue.StatusRunning, queue.StatusUnknown, queue.StatusUnknown, false},
		{"out of unknown", queue.StatusUnknown, queue.StatusRunning, queue.StatusRunning, false},
		{"terminal to unknown retains", queue.StatusCompleted, queue.StatusUnknown, queue.StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, regressed := Advance(tt.current, tt.observed)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.regression, regressed)
		})
	}
}
