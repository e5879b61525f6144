package jobregistry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

func testSpec(name string) jobspec.JobSpec {
	s := jobspec.JobSpec{Version: "1.0", Name: name, Cluster: "hpc-main", Command: "echo hi"}
	s.ApplyDefaults()
	return s
}

func obsAt(id string, status queue.Status, at time.Time) queue.Observation {
	return queue.Observation{
		RemoteJobID: id,
		ObservedAt:  at,
		Status:      status,
		Origin:      queue.OriginRemote,
	}
}

var baseTime = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry()
	h := r.Create(testSpec("alpha"), "hash-a")

	rec, err := r.Get(h)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.Handle != h {
		t.Fatalf("handle mismatch: got=%q want=%q", rec.Handle, h)
	}
	if rec.Status != queue.StatusUnknown {
		t.Fatalf("new job status: got=%q want=%q", rec.Status, queue.StatusUnknown)
	}
	if rec.SpecHash != "hash-a" {
		t.Fatalf("spec hash: got=%q", rec.SpecHash)
	}
	if len(rec.Observations) != 0 {
		t.Fatalf("new job should have no observations, got %d", len(rec.Observations))
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}

	if _, err := r.Get(Handle("nope")); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestRegistry_AssignRemoteID(t *testing.T) {
	r := NewRegistry()
	h := r.Create(testSpec("alpha"), "")

	epoch, err := r.AssignRemoteID(h, "1001", baseTime)
	if err != nil {
		t.Fatalf("AssignRemoteID() error: %v", err)
	}
	if epoch != 1 {
		t.Fatalf("first epoch: got=%d want=1", epoch)
	}

	if _, err := r.AssignRemoteID(h, "1002", baseTime); err == nil {
		t.Fatalf("expected error on second assignment to same handle")
	}

	got, ok := r.ResolveRemote("1001")
	if !ok || got != h {
		t.Fatalf("ResolveRemote: got=(%q,%v) want=(%q,true)", got, ok, h)
	}

	rec, err := r.Get(h)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec.RemoteJobID != "1001" || rec.Epoch != 1 {
		t.Fatalf("binding not recorded: id=%q epoch=%d", rec.RemoteJobID, rec.Epoch)
	}
	if rec.SubmittedAt == nil || !rec.SubmittedAt.Equal(baseTime) {
		t.Fatalf("submitted_at not recorded: %v", rec.SubmittedAt)
	}
}

func TestRegistry_EpochIncrementsOnReuse(t *testing.T) {
	r := NewRegistry()

	h1 := r.Create(testSpec("alpha"), "")
	if _, err := r.AssignRemoteID(h1, "1001", baseTime); err != nil {
		t.Fatalf("assign h1: %v", err)
	}
	if _, err := r.AppendObservation(h1, obsAt("1001", queue.StatusCompleted, baseTime.Add(time.Minute))); err != nil {
		t.Fatalf("append terminal: %v", err)
	}

	h2 := r.Create(testSpec("beta"), "")
	epoch, err := r.AssignRemoteID(h2, "1001", baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("assign h2: %v", err)
	}
	if epoch != 2 {
		t.Fatalf("reused id epoch: got=%d want=2", epoch)
	}
}

func TestRegistry_DuplicateLiveRemoteIDPanics(t *testing.T) {
	r := NewRegistry()

	h1 := r.Create(testSpec("alpha"), "")
	if _, err := r.AssignRemoteID(h1, "1001", baseTime); err != nil {
		t.Fatalf("assign h1: %v", err)
	}

	h2 := r.Create(testSpec("beta"), "")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate live remote id")
		}
	}()
	_, _ = r.AssignRemoteID(h2, "1001", baseTime)
}

func TestRegistry_AppendLifecycle(t *testing.T) {
	r := NewRegistry()
	h := r.Create(testSpec("alpha"), "")
	if _, err := r.AssignRemoteID(h, "1001", baseTime); err != nil {
		t.Fatalf("assign: %v", err)
	}

	out, err := r.AppendObservation(h, obsAt("1001", queue.StatusPending, baseTime))
	if err != nil {
		t.Fatalf("append pending: %v", err)
	}
	if !out.Accepted || out.Status != queue.StatusPending {
		t.Fatalf("pending outcome: %+v", out)
	}
	if out.Transition == nil || !out.Transition.Initial() || out.Transition.To != queue.StatusPending {
		t.Fatalf("expected initial transition, got %+v", out.Transition)
	}

	running := obsAt("1001", queue.StatusRunning, baseTime.Add(time.Minute))
	running.Nodes = []string{"node1"}
	out, err = r.AppendObservation(h, running)
	if err != nil {
		t.Fatalf("append running: %v", err)
	}
	if out.Transition == nil || out.Transition.From != queue.StatusPending || out.Transition.To != queue.StatusRunning {
		t.Fatalf("running transition: %+v", out.Transition)
	}
	foundNodes := false
	for _, fc := range out.FieldChanges {
		if fc.Field == "assigned_nodes" {
			foundNodes = true
		}
	}
	if !foundNodes {
		t.Fatalf("expected assigned_nodes field change, got %+v", out.FieldChanges)
	}

	done := obsAt("1001", queue.StatusCompleted, baseTime.Add(2*time.Minute))
	out, err = r.AppendObservation(h, done)
	if err != nil {
		t.Fatalf("append completed: %v", err)
	}
	if out.Status != queue.StatusCompleted || out.Late {
		t.Fatalf("completed outcome: %+v", out)
	}

	rec, err := r.Get(h)
	if err != nil {
		t.Fatalf("Get(): %v", err)
	}
	if len(rec.Observations) != 3 {
		t.Fatalf("observation count: got=%d want=3", len(rec.Observations))
	}
	if rec.TerminalAt == nil || !rec.TerminalAt.Equal(done.ObservedAt) {
		t.Fatalf("terminal_at: %v", rec.TerminalAt)
	}
	if len(rec.Anomalies) != 0 {
		t.Fatalf("clean lifecycle should have no anomalies, got %+v", rec.Anomalies)
	}
}

func TestRegistry_RegressionRetainsStatus(t *testing.T) {
	r := NewRegistry()
	h := r.Create(testSpec("alpha"), "")
	if _, err := r.AssignRemoteID(h, "1001", baseTime); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := r.AppendObservation(h, obsAt("1001", queue.StatusRunning, baseTime)); err != nil {
		t.Fatalf("append running: %v", err)
	}

	out, err := r.AppendObservation(h, obsAt("1001", queue.StatusPending, baseTime.Add(time.Minute)))
	if err != nil {
		t.Fatalf("append pending: %v", err)
	}
	if out.Status != queue.StatusRunning {
		t.Fatalf("status should be retained: got=%q", out.Status)
	}
	if out.Transition != nil {
		t.Fatalf("retained status should have no transition: %+v", out.Transition)
	}
	if len(out.Anomalies) != 1 || out.Anomalies[0] != queue.AnomalyRegression {
		t.Fatalf("expected regression anomaly, got %+v", out.Anomalies)
	}

	rec, _ := r.Get(h)
	if len(rec.Observations) != 2 {
		t.Fatalf("regressed observation must still be recorded, got %d", len(rec.Observations))
	}
	if len(rec.Anomalies) != 1 || rec.Anomalies[0].Seq != 1 {
		t.Fatalf("anomaly note: %+v", rec.Anomalies)
	}
}

func TestRegistry_TerminalIsSticky(t *testing.T) {
	r := NewRegistry()
	h := r.Create(testSpec("alpha"), "")
	if _, err := r.AssignRemoteID(h, "1001", baseTime); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := r.AppendObservation(h, obsAt("1001", queue.StatusCompleted, baseTime)); err != nil {
		t.Fatalf("append completed: %v", err)
	}

	// A lifecycle move backward after terminal is late and a regression.
	out, err := r.AppendObservation(h, obsAt("1001", queue.StatusRunning, baseTime.Add(time.Minute)))
	if err != nil {
		t.Fatalf("append late running: %v", err)
	}
	if !out.Late || out.Status != queue.StatusCompleted {
		t.Fatalf("late outcome: %+v", out)
	}
	if len(out.Anomalies) != 1 || out.Anomalies[0] != queue.AnomalyRegression {
		t.Fatalf("expected regression, got %+v", out.Anomalies)
	}

	// Another terminal at equal rank is late but not a regression.
	out, err = r.AppendObservation(h, obsAt("1001", queue.StatusFailed, baseTime.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("append late failed: %v", err)
	}
	if !out.Late || out.Status != queue.StatusCompleted {
		t.Fatalf("late terminal outcome: %+v", out)
	}
	if len(out.Anomalies) != 0 {
		t.Fatalf("equal-rank terminal should not be a regression: %+v", out.Anomalies)
	}

	rec, _ := r.Get(h)
	if len(rec.Observations) != 3 {
		t.Fatalf("late observations must be recorded, got %d", len(rec.Observations))
	}
}

func TestRegistry_CancelThenRunning(t *testing.T) {
	r := NewRegistry()
	h := r.Create(testSpec("alpha"), "")
	if _, err := r.AssignRemoteID(h, "1001", baseTime); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := r.AppendObservation(h, obsAt("1001", queue.StatusRunning, baseTime)); err != nil {
		t.Fatalf("append running: %v", err)
	}

	cancelled := obsAt("1001", queue.StatusCancelled, baseTime.Add(time.Minute))
	cancelled.Origin = queue.OriginLocal
	if _, err := r.AppendObservation(h, cancelled); err != nil {
		t.Fatalf("append cancelled: %v", err)
	}

	// The queue has not caught up yet and still reports the job running.
	out, err := r.AppendObservation(h, obsAt("1001", queue.StatusRunning, baseTime.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("append stale running: %v", err)
	}
	if out.Status != queue.StatusCancelled {
		t.Fatalf("status after stale running: got=%q want=%q", out.Status, queue.StatusCancelled)
	}
	if len(out.Anomalies) != 1 || out.Anomalies[0] != queue.AnomalyRegression {
		t.Fatalf("expected regression anomaly, got %+v", out.Anomalies)
	}
}

func TestRegistry_AppendRejections(t *testing.T) {
	r := NewRegistry()
	h := r.Create(testSpec("alpha"), "")

	out, err := r.AppendObservation(h, obsAt("1001", queue.StatusPending, baseTime))
	if err != nil {
		t.Fatalf("append before assign: %v", err)
	}
	if out.Accepted || out.Reason == "" {
		t.Fatalf("expected rejection before remote id assigned: %+v", out)
	}

	if _, err := r.AssignRemoteID(h, "1001", baseTime); err != nil {
		t.Fatalf("assign: %v", err)
	}
	out, err = r.AppendObservation(h, obsAt("2002", queue.StatusPending, baseTime))
	if err != nil {
		t.Fatalf("append mismatched: %v", err)
	}
	if out.Accepted {
		t.Fatalf("expected rejection for mismatched remote id")
	}

	rec, _ := r.Get(h)
	if len(rec.Observations) != 0 {
		t.Fatalf("rejected observations must not be recorded, got %d", len(rec.Observations))
	}

	if _, err := r.AppendObservation(Handle("nope"), obsAt("1001", queue.StatusPending, baseTime)); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected ErrUnknownHandle, got %v", err)
	}
}

func TestRegistry_CarriesObservationAnomaly(t *testing.T) {
	r := NewRegistry()
	h := r.Create(testSpec("alpha"), "")
	if _, err := r.AssignRemoteID(h, "1001", baseTime); err != nil {
		t.Fatalf("assign: %v", err)
	}

	missing := obsAt("1001", queue.StatusUnknown, baseTime)
	missing.Origin = queue.OriginInferred
	missing.Anomaly = queue.AnomalyMissingFromQueue
	out, err := r.AppendObservation(h, missing)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(out.Anomalies) != 1 || out.Anomalies[0] != queue.AnomalyMissingFromQueue {
		t.Fatalf("anomaly not carried: %+v", out.Anomalies)
	}

	rec, _ := r.Get(h)
	if len(rec.Anomalies) != 1 || rec.Anomalies[0].Kind != queue.AnomalyMissingFromQueue {
		t.Fatalf("anomaly note: %+v", rec.Anomalies)
	}
}

func TestRegistry_ListAndFilter(t *testing.T) {
	r := NewRegistry()

	h1 := r.Create(testSpec("alpha"), "")
	h2 := r.Create(testSpec("beta"), "")
	h3 := r.Create(testSpec("gamma"), "")

	for i, h := range []Handle{h1, h2, h3} {
		id := fmt.Sprintf("100%d", i+1)
		if _, err := r.AssignRemoteID(h, id, baseTime); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
	}
	if _, err := r.AppendObservation(h1, obsAt("1001", queue.StatusRunning, baseTime)); err != nil {
		t.Fatalf("append h1: %v", err)
	}
	if _, err := r.AppendObservation(h2, obsAt("1002", queue.StatusCompleted, baseTime)); err != nil {
		t.Fatalf("append h2: %v", err)
	}

	all := r.List(Filter{})
	if len(all) != 3 {
		t.Fatalf("List all: got=%d want=3", len(all))
	}

	running := r.List(Filter{Statuses: []queue.Status{queue.StatusRunning}})
	if len(running) != 1 || running[0].Handle != h1 {
		t.Fatalf("List running: %+v", running)
	}

	byName := r.List(Filter{Name: "gamma"})
	if len(byName) != 1 || byName[0].Handle != h3 {
		t.Fatalf("List by name: %+v", byName)
	}

	byCluster := r.List(Filter{Cluster: "elsewhere"})
	if len(byCluster) != 0 {
		t.Fatalf("List by cluster: %+v", byCluster)
	}

	active := r.ListActive()
	if len(active) != 2 {
		t.Fatalf("ListActive: got=%d want=2", len(active))
	}
	for _, rec := range active {
		if rec.Status.Terminal() {
			t.Fatalf("ListActive returned terminal job %s", rec.Handle)
		}
	}
}

func TestRegistry_ConcurrentAppends(t *testing.T) {
	r := NewRegistry()
	h := r.Create(testSpec("alpha"), "")
	if _, err := r.AssignRemoteID(h, "1001", baseTime); err != nil {
		t.Fatalf("assign: %v", err)
	}

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				o := obsAt("1001", queue.StatusRunning, baseTime.Add(time.Duration(w*perWorker+i)*time.Second))
				if _, err := r.AppendObservation(h, o); err != nil {
					t.Errorf("append: %v", err)
					return
				}
				// Readers run concurrently with appends.
				if _, err := r.Get(h); err != nil {
					t.Errorf("get: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	rec, err := r.Get(h)
	if err != nil {
		t.Fatalf("Get(): %v", err)
	}
	if len(rec.Observations) != workers*perWorker {
		t.Fatalf("observation count: got=%d want=%d", len(rec.Observations), workers*perWorker)
	}
	if rec.Status != queue.StatusRunning {
		t.Fatalf("status: got=%q want=%q", rec.Status, queue.StatusRunning)
	}
}
