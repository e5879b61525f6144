// Package jobregistry tracks submitted jobs: their specs, remote identities,
// and the append-only history of everything observed about them.
//
// The registry is the single writer of job state. Observations flow in from
// the poller and from locally initiated actions; the registry appends them,
// derives the job's status, and flags anomalies. Readers get copy-on-write
// snapshots and never block appends.
package jobregistry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/slurmscope/slurmscope/pkg/diff"
	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

// record is the registry's internal per-job slot. Appends serialize on mu
// and publish a fresh JobRecord snapshot; readers load the snapshot without
// taking any lock.
type record struct {
	mu   sync.Mutex
	snap atomic.Pointer[JobRecord]
}

// Registry is an in-memory job registry safe for concurrent use.
//
// Lock ordering: a record's mu is always acquired before the registry's mu.
type Registry struct {
	mu        sync.RWMutex
	records   map[Handle]*record
	byRemote  map[string]Handle
	lastEpoch map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		records:   make(map[Handle]*record),
		byRemote:  make(map[string]Handle),
		lastEpoch: make(map[string]int),
	}
}

// Create registers a new job built from the given spec and returns its
// handle. The job has no remote identity yet and its status is unknown
// until the first observation arrives.
func (r *Registry) Create(spec jobspec.JobSpec, specHash string) Handle {
	h := Handle(uuid.NewString())
	rec := &record{}
	rec.snap.Store(&JobRecord{
		Handle:    h,
		Spec:      spec,
		SpecHash:  specHash,
		Status:    queue.StatusUnknown,
		CreatedAt: time.Now().UTC(),
	})

	r.mu.Lock()
	r.records[h] = rec
	r.mu.Unlock()
	return h
}

// AssignRemoteID binds a remote job ID to a handle after the scheduler
// accepted the submission, and returns the epoch for that binding.
//
// Epochs count reuses of the same remote ID: the first job to hold an ID is
// epoch 1, a later job assigned the same recycled ID is epoch 2, and so on.
// Assigning an ID that another live (non-terminal) job still holds means two
// jobs would be indistinguishable in queue snapshots; that is a corrupted
// world no append can fix, so it panics.
func (r *Registry) AssignRemoteID(h Handle, remoteJobID string, at time.Time) (int, error) {
	if remoteJobID == "" {
		return 0, fmt.Errorf("remote job id is empty")
	}
	rec, err := r.lookup(h)
	if err != nil {
		return 0, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	snap := rec.snap.Load()
	if snap.RemoteJobID != "" {
		return 0, fmt.Errorf("handle %s already bound to remote job %s", h, snap.RemoteJobID)
	}

	r.mu.Lock()
	if holder, live := r.byRemote[remoteJobID]; live {
		r.mu.Unlock()
		panic(fmt.Sprintf("jobregistry: remote job id %s already bound to live handle %s", remoteJobID, holder))
	}
	r.lastEpoch[remoteJobID]++
	epoch := r.lastEpoch[remoteJobID]
	r.byRemote[remoteJobID] = h
	r.mu.Unlock()

	at = at.UTC()
	next := snap.clone()
	next.RemoteJobID = remoteJobID
	next.Epoch = epoch
	next.SubmittedAt = &at
	rec.snap.Store(next)
	return epoch, nil
}

// ResolveRemote maps a remote job ID to the handle currently live under it.
func (r *Registry) ResolveRemote(remoteJobID string) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.byRemote[remoteJobID]
	r.mu.RUnlock()
	return h, ok
}

// AppendObservation records one observation against a job and derives the
// consequences: status advancement, field changes, anomalies.
//
// The observation history is append-only; nothing is ever overwritten. A
// terminal job stays terminal: later observations are still recorded but
// flagged Late, and a lifecycle move backward (or any observation after a
// locally initiated cancel claims otherwise) is flagged as a regression with
// the previous status retained.
func (r *Registry) AppendObservation(h Handle, obs queue.Observation) (AppendOutcome, error) {
	rec, err := r.lookup(h)
	if err != nil {
		return AppendOutcome{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	snap := rec.snap.Load()
	if snap.RemoteJobID == "" {
		return AppendOutcome{Reason: "no remote job id assigned"}, nil
	}
	if obs.RemoteJobID != "" && obs.RemoteJobID != snap.RemoteJobID {
		return AppendOutcome{Reason: fmt.Sprintf("observation is for remote job %s, handle is bound to %s", obs.RemoteJobID, snap.RemoteJobID)}, nil
	}
	if obs.RemoteJobID == "" {
		obs.RemoteJobID = snap.RemoteJobID
	}
	obs.ObservedAt = obs.ObservedAt.UTC()

	d := diff.Diff(snap.LastObservation(), obs)
	derived, regressed := diff.Advance(snap.Status, obs.Status)
	wasTerminal := snap.Status.Terminal()

	var kinds []queue.AnomalyKind
	if obs.Anomaly != "" {
		kinds = append(kinds, obs.Anomaly)
	}
	if regressed {
		kinds = append(kinds, queue.AnomalyRegression)
	}

	next := snap.clone()
	next.Observations = append(next.Observations, obs)
	next.Status = derived
	seq := len(next.Observations) - 1
	for _, k := range kinds {
		next.Anomalies = append(next.Anomalies, AnomalyNote{Seq: seq, Kind: k, At: obs.ObservedAt})
	}
	if derived.Terminal() && next.TerminalAt == nil {
		at := obs.ObservedAt
		next.TerminalAt = &at
	}
	rec.snap.Store(next)

	// A job that just went terminal releases its remote ID so the scheduler
	// reusing it later maps to a fresh epoch instead of a panic.
	if !wasTerminal && derived.Terminal() {
		r.mu.Lock()
		if r.byRemote[next.RemoteJobID] == h {
			delete(r.byRemote, next.RemoteJobID)
		}
		r.mu.Unlock()
	}

	out := AppendOutcome{
		Accepted:     true,
		Status:       derived,
		FieldChanges: d.FieldChanges,
		Anomalies:    kinds,
		Late:         wasTerminal,
	}
	if len(next.Observations) == 1 {
		out.Transition = &diff.Transition{To: derived}
	} else if derived != snap.Status {
		out.Transition = &diff.Transition{From: snap.Status, To: derived}
	}
	return out, nil
}

// Get returns a copy of the record for the given handle.
func (r *Registry) Get(h Handle) (*JobRecord, error) {
	rec, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	return rec.snap.Load().clone(), nil
}

// List returns copies of all records matching the filter, newest first.
func (r *Registry) List(f Filter) []JobRecord {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]JobRecord, 0, len(recs))
	for _, rec := range recs {
		snap := rec.snap.Load()
		if f.matches(snap) {
			out = append(out, *snap.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListActive returns copies of all non-terminal jobs that have a remote
// identity, oldest first. This is the poller's working set.
func (r *Registry) ListActive() []JobRecord {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]JobRecord, 0, len(recs))
	for _, rec := range recs {
		snap := rec.snap.Load()
		if snap.RemoteJobID != "" && !snap.Status.Terminal() {
			out = append(out, *snap.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) lookup(h Handle) (*record, error) {
	r.mu.RLock()
	rec, ok := r.records[h]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return rec, nil
}
