// Package engine coordinates job submission and control against remote
// clusters.
//
// The engine owns the write path: it renders specs into batch scripts,
// ships them over the command channel, registers the resulting remote
// identity, and records locally initiated actions as synthetic
// observations. Reads pass through to the registry; continuous
// reconciliation against the queue is the poller's job.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/pkg/events"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

// Errors returned by engine operations.
var (
	// ErrAlreadyTerminal is returned when a control action targets a job
	// whose derived status is terminal.
	ErrAlreadyTerminal = errors.New("job is already terminal")

	// ErrClusterNotConfigured is returned when a spec names a cluster with
	// no configured host.
	ErrClusterNotConfigured = errors.New("cluster is not configured")
)

// Config configures the engine.
type Config struct {
	// Clusters maps a cluster name to the login host the pool dials.
	Clusters map[string]string

	// DefaultCluster is used when a spec does not name a cluster.
	DefaultCluster string

	// ScriptDir is the remote directory batch scripts are uploaded to,
	// relative to the login user's home unless absolute.
	// Default: ".slurmscope/scripts"
	ScriptDir string

	// SubmitRetries is how many times transient connect and upload
	// failures are retried before a submission is abandoned. The sbatch
	// call itself is never retried.
	// Default: 2
	SubmitRetries int

	// Store, when set, is flushed on Close. Long-running owners of the
	// state file set it; one-shot CLI commands flush explicitly after
	// mutations instead, so a read-only invocation exiting never
	// overwrites a daemon's newer state.
	Store *jobregistry.Store
}

// DefaultScriptDir is the default remote upload directory for batch scripts.
const DefaultScriptDir = ".slurmscope/scripts"

// Engine is the submission and control front end. It is safe for
// concurrent use.
type Engine struct {
	registry *jobregistry.Registry
	pool     *remote.Pool
	broker   *events.Broker
	logger   *zap.Logger
	cfg      Config

	now func() time.Time
}

// New creates an engine. A nil logger disables logging.
func New(registry *jobregistry.Registry, pool *remote.Pool, broker *events.Broker, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = DefaultScriptDir
	}
	if cfg.SubmitRetries == 0 {
		cfg.SubmitRetries = 2
	}
	return &Engine{
		registry: registry,
		pool:     pool,
		broker:   broker,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// hostFor resolves a cluster name to its configured login host.
func (e *Engine) hostFor(cluster string) (string, error) {
	if cluster == "" {
		cluster = e.cfg.DefaultCluster
	}
	if cluster == "" {
		return "", fmt.Errorf("%w: no cluster named and no default set", ErrClusterNotConfigured)
	}
	host, ok := e.cfg.Clusters[cluster]
	if !ok || host == "" {
		return "", fmt.Errorf("%w: %s", ErrClusterNotConfigured, cluster)
	}
	return host, nil
}

// Close flushes the registry state file when a store is configured, then
// disconnects every pooled host. The engine cannot be used afterwards.
func (e *Engine) Close() error {
	var firstErr error
	if e.cfg.Store != nil && e.cfg.Store.Path() != "" {
		if err := e.registry.Flush(e.cfg.Store); err != nil {
			firstErr = fmt.Errorf("flush registry state: %w", err)
		}
	}
	if err := e.pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// withChannel resolves the cluster's login host and runs fn holding its
// session, so engine conversations never interleave with a poll batch.
func (e *Engine) withChannel(ctx context.Context, cluster string, fn func(remote.Channel) error) error {
	host, err := e.hostFor(cluster)
	if err != nil {
		return err
	}
	return e.pool.WithSession(ctx, host, fn)
}

// publish fans an append outcome out to the live event stream. Publish
// failures are logged, never propagated: the registry already holds the
// truth and a slow subscriber must not fail a submission.
func (e *Engine) publish(ctx context.Context, rec *jobregistry.JobRecord, obs queue.Observation, out jobregistry.AppendOutcome) {
	for _, ev := range events.FromOutcome(rec, obs, out) {
		if err := e.broker.PublishJobEvent(ctx, ev); err != nil {
			e.logger.Warn("publish job event",
				zap.String("handle", string(ev.Handle)),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
}

// Get returns the tracked record for a handle.
func (e *Engine) Get(h jobregistry.Handle) (*jobregistry.JobRecord, error) {
	return e.registry.Get(h)
}

// List returns tracked records matching the filter, newest first.
func (e *Engine) List(f jobregistry.Filter) []jobregistry.JobRecord {
	return e.registry.List(f)
}

// Resolve maps a user-supplied job identifier to a handle. It accepts a
// full handle, a remote job ID (the newest epoch wins when the scheduler
// reused the ID), or a unique handle prefix.
func (e *Engine) Resolve(id string) (jobregistry.Handle, error) {
	if id == "" {
		return "", fmt.Errorf("job id is required")
	}

	recs := e.registry.List(jobregistry.Filter{})

	var byRemote []jobregistry.JobRecord
	var prefixed []jobregistry.Handle
	for _, rec := range recs {
		if string(rec.Handle) == id {
			return rec.Handle, nil
		}
		if rec.RemoteJobID == id {
			byRemote = append(byRemote, rec)
		}
		if strings.HasPrefix(string(rec.Handle), id) {
			prefixed = append(prefixed, rec.Handle)
		}
	}

	if len(byRemote) > 0 {
		sort.Slice(byRemote, func(i, j int) bool { return byRemote[i].Epoch > byRemote[j].Epoch })
		return byRemote[0].Handle, nil
	}
	switch len(prefixed) {
	case 0:
		return "", fmt.Errorf("%w: %s", jobregistry.ErrUnknownHandle, id)
	case 1:
		return prefixed[0], nil
	default:
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches)", len(prefixed))
	}
}

// firstLine trims command output down to its first non-empty line for
// error messages.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
