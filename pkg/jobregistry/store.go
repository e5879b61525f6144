package jobregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// stateVersion is bumped on incompatible changes to the state file layout.
// Additive fields do not bump it.
const stateVersion = 1

// State is the serialized form of a registry, written as a single JSON
// document so a snapshot is always internally consistent.
type State struct {
	Version int         `json:"version"`
	SavedAt time.Time   `json:"saved_at"`
	Records []JobRecord `json:"records,omitempty"`

	// Epochs tracks the highest epoch handed out per remote job ID,
	// including IDs whose holders are all terminal.
	Epochs map[string]int `json:"epochs,omitempty"`
}

// Store persists registry state to a single file, written atomically via a
// temp file in the same directory followed by a rename.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Save(st *State) error {
	if st == nil {
		return fmt.Errorf("state is nil")
	}
	if s.path == "" {
		return fmt.Errorf("state file path is empty")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry state: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Load reads the state file. A missing file is not an error: it returns
// (nil, nil) so a fresh install starts with an empty registry.
func (s *Store) Load() (*State, error) {
	if s.path == "" {
		return nil, fmt.Errorf("state file path is empty")
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("state file is empty: %s", s.path)
	}

	var st State
	if err := json.Unmarshal([]byte(trimmed), &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if st.Version > stateVersion {
		return nil, fmt.Errorf("state file version %d is newer than supported version %d", st.Version, stateVersion)
	}
	return &st, nil
}

// Snapshot captures the registry as a State ready for Save. Records appear
// oldest first so successive snapshots diff cleanly.
func (r *Registry) Snapshot() *State {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	epochs := make(map[string]int, len(r.lastEpoch))
	for id, e := range r.lastEpoch {
		epochs[id] = e
	}
	r.mu.RUnlock()

	records := make([]JobRecord, 0, len(recs))
	for _, rec := range recs {
		records = append(records, *rec.snap.Load().clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return &State{
		Version: stateVersion,
		SavedAt: time.Now().UTC(),
		Records: records,
		Epochs:  epochs,
	}
}

// RestoreState loads a saved state into an empty registry. A nil state is a
// no-op so callers can pass Store.Load output directly.
//
// Live remote ID bindings are rebuilt from the records. Two live records
// claiming the same remote ID is the same corrupted world AssignRemoteID
// panics on, and it panics here too.
func (r *Registry) RestoreState(st *State) error {
	if st == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) > 0 {
		return fmt.Errorf("registry is not empty")
	}

	for i := range st.Records {
		jr := st.Records[i]
		if jr.Handle == "" {
			return fmt.Errorf("record %d has no handle", i)
		}
		if _, dup := r.records[jr.Handle]; dup {
			return fmt.Errorf("duplicate handle %s in state", jr.Handle)
		}
		rec := &record{}
		rec.snap.Store(jr.clone())
		r.records[jr.Handle] = rec

		if jr.RemoteJobID != "" && !jr.Status.Terminal() {
			if holder, live := r.byRemote[jr.RemoteJobID]; live {
				panic(fmt.Sprintf("jobregistry: remote job id %s already bound to live handle %s", jr.RemoteJobID, holder))
			}
			r.byRemote[jr.RemoteJobID] = jr.Handle
		}
		if jr.RemoteJobID != "" && jr.Epoch > r.lastEpoch[jr.RemoteJobID] {
			r.lastEpoch[jr.RemoteJobID] = jr.Epoch
		}
	}

	for id, e := range st.Epochs {
		if e > r.lastEpoch[id] {
			r.lastEpoch[id] = e
		}
	}
	return nil
}

// Flush snapshots the registry and saves it through the store.
func (r *Registry) Flush(s *Store) error {
	return s.Save(r.Snapshot())
}
