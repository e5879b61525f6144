package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurmscope/slurmscope/pkg/diff"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

func deriveRecord() *jobregistry.JobRecord {
	return &jobregistry.JobRecord{
		Handle:      jobregistry.Handle("h-derive"),
		Spec:        jobspec.JobSpec{Name: "train-alpha", Cluster: "hpc-main"},
		RemoteJobID: "1001",
		Epoch:       1,
	}
}

func TestFromOutcomeRejected(t *testing.T) {
	obs := queue.Observation{RemoteJobID: "1001", Status: queue.StatusRunning}
	got := FromOutcome(deriveRecord(), obs, jobregistry.AppendOutcome{Accepted: false})
	assert.Nil(t, got)
}

func TestFromOutcomeInitial(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	obs := queue.Observation{
		RemoteJobID: "1001",
		ObservedAt:  at,
		Status:      queue.StatusPending,
		Origin:      queue.OriginLocal,
	}
	out := jobregistry.AppendOutcome{
		Accepted:   true,
		Status:     queue.StatusPending,
		Transition: &diff.Transition{To: queue.StatusPending},
	}

	got := FromOutcome(deriveRecord(), obs, out)
	require.Len(t, got, 1)
	assert.Equal(t, KindSubmitted, got[0].Kind)
	assert.Equal(t, queue.StatusPending, got[0].To)
	assert.Empty(t, got[0].From)
	assert.Equal(t, jobregistry.Handle("h-derive"), got[0].Handle)
	assert.Equal(t, "1001", got[0].RemoteJobID)
	assert.Equal(t, "train-alpha", got[0].Name)
	assert.Equal(t, "hpc-main", got[0].Cluster)
	assert.Equal(t, queue.OriginLocal, got[0].Origin)
	assert.True(t, got[0].At.Equal(at))
}

func TestFromOutcomeStatusAndFields(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 5, 0, 0, time.UTC)
	obs := queue.Observation{
		RemoteJobID: "1001",
		ObservedAt:  at,
		Status:      queue.StatusRunning,
		Origin:      queue.OriginRemote,
	}
	out := jobregistry.AppendOutcome{
		Accepted:   true,
		Status:     queue.StatusRunning,
		Transition: &diff.Transition{From: queue.StatusPending, To: queue.StatusRunning},
		FieldChanges: []diff.FieldChange{
			{Field: diff.FieldAssignedNodes, Old: "[]", New: `["node1"]`},
			{Field: diff.FieldElapsed, Old: "0s", New: "1m0s"},
		},
	}

	got := FromOutcome(deriveRecord(), obs, out)
	require.Len(t, got, 2)

	assert.Equal(t, KindStatusChanged, got[0].Kind)
	assert.Equal(t, queue.StatusPending, got[0].From)
	assert.Equal(t, queue.StatusRunning, got[0].To)

	assert.Equal(t, KindFieldChanged, got[1].Kind)
	assert.Equal(t, diff.FieldAssignedNodes, got[1].Field)
	assert.Equal(t, "[]", got[1].Old)
	assert.Equal(t, `["node1"]`, got[1].New)
}

func TestFromOutcomeAnomalies(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 10, 0, 0, time.UTC)
	obs := queue.Observation{
		RemoteJobID: "1001",
		ObservedAt:  at,
		Status:      queue.StatusRunning,
		Origin:      queue.OriginRemote,
	}
	out := jobregistry.AppendOutcome{
		Accepted:  true,
		Status:    queue.StatusCancelled,
		Anomalies: []queue.AnomalyKind{queue.AnomalyRegression},
	}

	got := FromOutcome(deriveRecord(), obs, out)
	require.Len(t, got, 1)
	assert.Equal(t, KindAnomaly, got[0].Kind)
	assert.Equal(t, queue.AnomalyRegression, got[0].Anomaly)
	assert.Equal(t, queue.StatusCancelled, got[0].From)
	assert.Equal(t, queue.StatusRunning, got[0].To)
}

func TestFromOutcomeMissingAnomalyHasNoTransition(t *testing.T) {
	obs := queue.Observation{
		RemoteJobID: "1001",
		ObservedAt:  time.Date(2026, 3, 2, 8, 15, 0, 0, time.UTC),
		Status:      queue.StatusUnknown,
		Origin:      queue.OriginInferred,
		Anomaly:     queue.AnomalyMissingFromQueue,
	}
	out := jobregistry.AppendOutcome{
		Accepted:   true,
		Status:     queue.StatusUnknown,
		Transition: &diff.Transition{From: queue.StatusRunning, To: queue.StatusUnknown},
		Anomalies:  []queue.AnomalyKind{queue.AnomalyMissingFromQueue},
	}

	got := FromOutcome(deriveRecord(), obs, out)
	require.Len(t, got, 2)
	assert.Equal(t, KindStatusChanged, got[0].Kind)
	assert.Equal(t, KindAnomaly, got[1].Kind)
	assert.Equal(t, queue.AnomalyMissingFromQueue, got[1].Anomaly)
	assert.Empty(t, got[1].From)
	assert.Empty(t, got[1].To)
}
