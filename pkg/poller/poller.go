// Package poller drives the reconciliation loop between the registry and
// the cluster queues.
//
// Each cycle takes the registry's active set, groups it by login host,
// and issues one batched queue query per host. Parsed rows are appended
// as observations; jobs absent from enough consecutive snapshots fall
// back to the accounting database and, failing that, are declared lost.
// Raw snapshots can be archived as collected evidence, and host failures
// back off independently so one dead cluster never stalls the rest.
package poller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/slurmscope/slurmscope/pkg/archive"
	"github.com/slurmscope/slurmscope/pkg/events"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

// Missing-job policies. They decide what happens to a job that stays
// absent after it has already been declared missing and held as unknown.
const (
	// PolicyHoldUnknown keeps the job at unknown status indefinitely; it
	// stays in the active set and recovers on its next sighting.
	PolicyHoldUnknown = "hold-unknown"

	// PolicyFailAfter declares the job failed once it has been missing
	// longer than Config.FailAfter.
	PolicyFailAfter = "fail-after"
)

// Config configures the polling loop. Start from DefaultConfig.
type Config struct {
	// Clusters maps a cluster name to the login host the pool dials.
	Clusters map[string]string

	// Interval is the time between cycles. Default: 30s.
	Interval time.Duration

	// CommandTimeout bounds each scheduler query. Zero means only the
	// cycle context bounds it. Default: 30s.
	CommandTimeout time.Duration

	// MissThreshold is how many consecutive snapshots a job must be
	// absent from before the fallback lookup runs. Default: 3.
	MissThreshold int

	// MissingPolicy is what happens to a job that stays missing after
	// the fallback. Default: PolicyHoldUnknown.
	MissingPolicy string

	// FailAfter is how long a job may stay missing before PolicyFailAfter
	// declares it failed. Default: 10m.
	FailAfter time.Duration

	// HostConcurrency bounds how many hosts are polled at once.
	// Default: 4.
	HostConcurrency int

	// HostRateLimit is the maximum scheduler queries per second per host.
	// Zero means unlimited. Default: 1.
	HostRateLimit float64

	// UnhealthyAfter is how many consecutive failures flip a host's
	// channel health. Default: 3.
	UnhealthyAfter int

	// DisableSacct skips the accounting fallback for missing jobs.
	DisableSacct bool
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		CommandTimeout:  30 * time.Second,
		MissThreshold:   3,
		MissingPolicy:   PolicyHoldUnknown,
		FailAfter:       10 * time.Minute,
		HostConcurrency: 4,
		HostRateLimit:   1,
		UnhealthyAfter:  3,
	}
}

// Option configures optional poller collaborators.
type Option func(*Poller)

// WithArchive stores every raw queue snapshot in the sink.
func WithArchive(sink archive.Sink) Option {
	return func(p *Poller) { p.sink = sink }
}

// WithStore flushes registry state through the store after each cycle.
func WithStore(store *jobregistry.Store) Option {
	return func(p *Poller) { p.store = store }
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// Poller owns the reconciliation loop. It is safe for concurrent use,
// though one Run loop per registry is the intended shape.
type Poller struct {
	registry *jobregistry.Registry
	pool     *remote.Pool
	broker   *events.Broker
	logger   *zap.Logger
	cfg      Config

	sink    archive.Sink
	store   *jobregistry.Store
	metrics *Metrics

	mu     sync.Mutex
	misses map[jobregistry.Handle]*missState
	hosts  map[string]*hostState

	now func() time.Time
}

// missState tracks one job's consecutive absences. declared flips once
// the absence has been recorded on the job so the synthetic observation
// is appended exactly once per disappearance.
type missState struct {
	count    int
	firstAt  time.Time
	declared bool
}

// hostState tracks one host's rate limit and failure backoff.
type hostState struct {
	limiter   *rate.Limiter
	bo        *backoff.ExponentialBackOff
	failures  int
	skipUntil time.Time
}

// New creates a poller. A nil logger disables logging; zero config fields
// fall back to DefaultConfig values.
func New(registry *jobregistry.Registry, pool *remote.Pool, broker *events.Broker, logger *zap.Logger, cfg Config, opts ...Option) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = def.MissThreshold
	}
	if cfg.MissingPolicy == "" {
		cfg.MissingPolicy = def.MissingPolicy
	}
	if cfg.FailAfter <= 0 {
		cfg.FailAfter = def.FailAfter
	}
	if cfg.HostConcurrency <= 0 {
		cfg.HostConcurrency = def.HostConcurrency
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = def.UnhealthyAfter
	}

	p := &Poller{
		registry: registry,
		pool:     pool,
		broker:   broker,
		logger:   logger,
		cfg:      cfg,
		misses:   make(map[jobregistry.Handle]*missState),
		hosts:    make(map[string]*hostState),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until the context ends. The first cycle runs immediately.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("miss_threshold", p.cfg.MissThreshold),
		zap.String("missing_policy", p.cfg.MissingPolicy))

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		p.Cycle(ctx)
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// cycleStats aggregates counters across the per-host goroutines.
type cycleStats struct {
	observations atomic.Int64
	parseErrors  atomic.Int64
	errors       atomic.Int64
}

// Cycle performs one full reconciliation pass and returns its summary.
func (p *Poller) Cycle(ctx context.Context) events.PollCycle {
	started := p.now().UTC()
	active := p.registry.ListActive()

	byHost := make(map[string][]jobregistry.JobRecord)
	var stats cycleStats
	for _, rec := range active {
		host, err := p.hostFor(rec.Spec.Cluster)
		if err != nil {
			stats.errors.Add(1)
			p.logger.Warn("job has no pollable host",
				zap.String("handle", string(rec.Handle)),
				zap.String("cluster", rec.Spec.Cluster),
				zap.Error(err))
			continue
		}
		byHost[host] = append(byHost[host], rec)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.HostConcurrency)
	for host, recs := range byHost {
		g.Go(func() error {
			p.pollHost(gctx, host, recs, &stats)
			return nil
		})
	}
	_ = g.Wait()

	cyc := events.PollCycle{
		StartedAt:    started,
		Duration:     p.now().UTC().Sub(started),
		Hosts:        len(byHost),
		JobsPolled:   len(active),
		Observations: int(stats.observations.Load()),
		Errors:       int(stats.errors.Load()),
	}
	if p.metrics != nil {
		p.metrics.Cycles.Inc()
		p.metrics.CycleDuration.Observe(cyc.Duration.Seconds())
	}
	if err := p.broker.PublishPollCycle(ctx, cyc); err != nil {
		p.logger.Warn("publish poll cycle", zap.Error(err))
	}
	if p.store != nil {
		if err := p.registry.Flush(p.store); err != nil {
			p.logger.Warn("flush registry state", zap.Error(err))
		}
	}
	return cyc
}

// commandContext bounds one scheduler query when CommandTimeout is set.
func (p *Poller) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.CommandTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.cfg.CommandTimeout)
}

// hostFor resolves a cluster name to its configured login host.
func (p *Poller) hostFor(cluster string) (string, error) {
	host, ok := p.cfg.Clusters[cluster]
	if !ok || host == "" {
		return "", fmt.Errorf("cluster %q has no configured host", cluster)
	}
	return host, nil
}

// pollHost queries one host for every active job bound to it.
func (p *Poller) pollHost(ctx context.Context, host string, recs []jobregistry.JobRecord, stats *cycleStats) {
	hs := p.hostStateFor(host)

	p.mu.Lock()
	skip := p.now().Before(hs.skipUntil)
	p.mu.Unlock()
	if skip {
		p.logger.Debug("host backing off", zap.String("host", host))
		return
	}
	if err := hs.limiter.Wait(ctx); err != nil {
		return
	}

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.RemoteJobID)
	}
	sort.Strings(ids)

	// The session is held for the whole batch: the snapshot query and any
	// accounting follow-up see the queue at one moment, with no submit or
	// cancel interleaved.
	at := p.now().UTC()
	err := p.pool.WithSession(ctx, host, func(ch remote.Channel) error {
		ectx, cancel := p.commandContext(ctx)
		res, err := ch.Execute(ectx, queue.SqueueCommand(ids))
		cancel()
		if err != nil {
			p.pool.Invalidate(host)
			return err
		}
		if !res.Ok() && !isEmptyQueueResponse(res.Stderr) {
			return fmt.Errorf("squeue exited %d: %s", res.ExitCode, firstLine(res.Stderr))
		}

		p.hostRecovered(ctx, host)
		p.archiveSnapshot(ctx, host, at, res.Stdout)

		seen := make(map[jobregistry.Handle]bool)
		for _, cand := range queue.ParseSqueue(res.Stdout, at) {
			p.ingest(ctx, cand, seen, stats)
		}

		p.reconcileMissing(ctx, ch, recs, seen, at, stats)
		return nil
	})
	if err != nil {
		p.hostFailure(ctx, host, err, stats)
	}
}

// ingest routes one parsed candidate to its tracked job. Rows for jobs
// the registry is not tracking (or no longer tracking) are dropped.
func (p *Poller) ingest(ctx context.Context, cand queue.Candidate, seen map[jobregistry.Handle]bool, stats *cycleStats) {
	if cand.ParseErr != nil {
		stats.parseErrors.Add(1)
		if p.metrics != nil {
			p.metrics.ParseErrors.Inc()
		}
		p.logger.Warn("unparsable scheduler line", zap.Error(cand.ParseErr))
	}

	obs := cand.Observation
	if obs.RemoteJobID == "" {
		return
	}
	h, ok := p.registry.ResolveRemote(obs.RemoteJobID)
	if !ok {
		return
	}
	seen[h] = true
	p.clearMiss(h)
	p.append(ctx, h, obs, stats)
}

// append records an observation and publishes the resulting events.
func (p *Poller) append(ctx context.Context, h jobregistry.Handle, obs queue.Observation, stats *cycleStats) {
	out, err := p.registry.AppendObservation(h, obs)
	if err != nil {
		stats.errors.Add(1)
		p.logger.Warn("append observation", zap.String("handle", string(h)), zap.Error(err))
		return
	}
	if !out.Accepted {
		p.logger.Debug("observation rejected",
			zap.String("handle", string(h)),
			zap.String("reason", out.Reason))
		return
	}

	stats.observations.Add(1)
	if p.metrics != nil {
		p.metrics.Observations.Inc()
		for _, kind := range out.Anomalies {
			p.metrics.Anomalies.WithLabelValues(string(kind)).Inc()
		}
	}

	rec, err := p.registry.Get(h)
	if err != nil {
		return
	}
	for _, ev := range events.FromOutcome(rec, obs, out) {
		if err := p.broker.PublishJobEvent(ctx, ev); err != nil {
			p.logger.Warn("publish job event",
				zap.String("handle", string(ev.Handle)),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}
}

// reconcileMissing advances miss counters for jobs absent from this
// snapshot and handles the ones that crossed the threshold.
func (p *Poller) reconcileMissing(ctx context.Context, ch remote.Channel, recs []jobregistry.JobRecord, seen map[jobregistry.Handle]bool, at time.Time, stats *cycleStats) {
	var lost []jobregistry.JobRecord
	p.mu.Lock()
	for _, rec := range recs {
		if seen[rec.Handle] {
			continue
		}
		ms := p.misses[rec.Handle]
		if ms == nil {
			ms = &missState{firstAt: at}
			p.misses[rec.Handle] = ms
		}
		ms.count++
		if ms.count >= p.cfg.MissThreshold {
			lost = append(lost, rec)
		}
	}
	p.mu.Unlock()
	if len(lost) == 0 {
		return
	}

	still := lost
	if !p.cfg.DisableSacct {
		still = p.sacctLookup(ctx, ch, lost, at, stats)
	}
	for _, rec := range still {
		p.declareLost(ctx, rec, at, stats)
	}
}

// sacctLookup asks the accounting database about jobs missing from the
// live queue, typically catching jobs that finished between snapshots.
// It returns the jobs accounting could not explain either.
func (p *Poller) sacctLookup(ctx context.Context, ch remote.Channel, lost []jobregistry.JobRecord, at time.Time, stats *cycleStats) []jobregistry.JobRecord {
	ids := make([]string, 0, len(lost))
	for _, rec := range lost {
		ids = append(ids, rec.RemoteJobID)
	}
	sort.Strings(ids)

	ectx, cancel := p.commandContext(ctx)
	res, err := ch.Execute(ectx, queue.SacctCommand(ids))
	cancel()
	if err != nil || !res.Ok() {
		if err == nil {
			err = fmt.Errorf("sacct exited %d: %s", res.ExitCode, firstLine(res.Stderr))
		}
		stats.errors.Add(1)
		p.logger.Warn("accounting lookup failed", zap.String("host", ch.Host()), zap.Error(err))
		return lost
	}

	found := make(map[jobregistry.Handle]bool)
	for _, cand := range queue.ParseSacct(res.Stdout, at) {
		p.ingest(ctx, cand, found, stats)
	}

	var still []jobregistry.JobRecord
	for _, rec := range lost {
		if !found[rec.Handle] {
			still = append(still, rec)
		}
	}
	return still
}

// declareLost marks a job that is gone from both the queue and the
// accounting database. The first declaration appends a synthetic unknown
// observation; afterwards the job either holds at unknown or, under
// PolicyFailAfter, is eventually declared failed.
func (p *Poller) declareLost(ctx context.Context, rec jobregistry.JobRecord, at time.Time, stats *cycleStats) {
	cur, err := p.registry.Get(rec.Handle)
	if err != nil {
		return
	}
	if cur.Status.Terminal() {
		p.clearMiss(rec.Handle)
		return
	}

	p.mu.Lock()
	ms := p.misses[rec.Handle]
	if ms == nil {
		p.mu.Unlock()
		return
	}
	declared := ms.declared
	firstAt := ms.firstAt
	ms.declared = true
	p.mu.Unlock()

	if !declared {
		if p.metrics != nil {
			p.metrics.JobsLost.Inc()
		}
		p.logger.Warn("job missing from queue",
			zap.String("handle", string(rec.Handle)),
			zap.String("remote_job_id", cur.RemoteJobID),
			zap.Int("threshold", p.cfg.MissThreshold))
		p.append(ctx, rec.Handle, queue.Observation{
			RemoteJobID: cur.RemoteJobID,
			ObservedAt:  at,
			Status:      queue.StatusUnknown,
			Origin:      queue.OriginInferred,
			Anomaly:     queue.AnomalyMissingFromQueue,
		}, stats)
		return
	}

	if p.cfg.MissingPolicy != PolicyFailAfter {
		return
	}
	if at.Sub(firstAt) < p.cfg.FailAfter {
		return
	}

	p.logger.Warn("job declared failed after prolonged absence",
		zap.String("handle", string(rec.Handle)),
		zap.String("remote_job_id", cur.RemoteJobID),
		zap.Duration("missing_for", at.Sub(firstAt)))
	p.append(ctx, rec.Handle, queue.Observation{
		RemoteJobID: cur.RemoteJobID,
		ObservedAt:  at,
		Status:      queue.StatusFailed,
		Origin:      queue.OriginInferred,
		Reason:      "missing from queue",
	}, stats)
	p.clearMiss(rec.Handle)
}

func (p *Poller) clearMiss(h jobregistry.Handle) {
	p.mu.Lock()
	delete(p.misses, h)
	p.mu.Unlock()
}

// hostStateFor returns (creating on first use) the host's poll state.
func (p *Poller) hostStateFor(host string) *hostState {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs, ok := p.hosts[host]
	if !ok {
		limiter := rate.NewLimiter(rate.Inf, 1)
		if p.cfg.HostRateLimit > 0 {
			limiter = rate.NewLimiter(rate.Limit(p.cfg.HostRateLimit), 1)
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		hs = &hostState{limiter: limiter, bo: bo}
		p.hosts[host] = hs
	}
	return hs
}

// hostFailure records a failed poll and backs the host off. Crossing the
// failure threshold publishes an unhealthy channel event once.
func (p *Poller) hostFailure(ctx context.Context, host string, err error, stats *cycleStats) {
	stats.errors.Add(1)
	if p.metrics != nil {
		p.metrics.ChannelErrors.WithLabelValues(host).Inc()
	}

	p.mu.Lock()
	hs := p.hosts[host]
	hs.failures++
	failures := hs.failures
	hs.skipUntil = p.now().Add(hs.bo.NextBackOff())
	p.mu.Unlock()

	p.logger.Warn("queue poll failed",
		zap.String("host", host),
		zap.Int("consecutive_failures", failures),
		zap.Error(err))

	if failures == p.cfg.UnhealthyAfter {
		health := events.ChannelHealth{
			Host:                host,
			Healthy:             false,
			ConsecutiveFailures: failures,
			Error:               err.Error(),
			At:                  p.now().UTC(),
		}
		if perr := p.broker.PublishChannelHealth(ctx, health); perr != nil {
			p.logger.Warn("publish channel health", zap.Error(perr))
		}
	}
}

// hostRecovered resets a host's failure state after a successful poll,
// publishing a healthy event if the host had been flagged unhealthy.
func (p *Poller) hostRecovered(ctx context.Context, host string) {
	p.mu.Lock()
	hs := p.hosts[host]
	wasUnhealthy := hs.failures >= p.cfg.UnhealthyAfter
	hs.failures = 0
	hs.skipUntil = time.Time{}
	hs.bo.Reset()
	p.mu.Unlock()

	if wasUnhealthy {
		health := events.ChannelHealth{Host: host, Healthy: true, At: p.now().UTC()}
		if err := p.broker.PublishChannelHealth(ctx, health); err != nil {
			p.logger.Warn("publish channel health", zap.Error(err))
		}
	}
}

// archiveSnapshot stores the raw queue output as collected evidence.
// Archive failures are logged and never fail the cycle.
func (p *Poller) archiveSnapshot(ctx context.Context, host string, at time.Time, raw string) {
	if p.sink == nil || strings.TrimSpace(raw) == "" {
		return
	}
	key := archive.SnapshotKey(host, at)
	if err := p.sink.Store(ctx, key, strings.NewReader(raw)); err != nil {
		p.logger.Warn("archive queue snapshot", zap.String("key", key), zap.Error(err))
	}
}

// isEmptyQueueResponse reports whether a non-zero squeue exit just means
// none of the requested jobs are in the queue anymore. squeue refuses the
// whole query in that case, which is an answer, not a failure.
func isEmptyQueueResponse(stderr string) bool {
	return strings.Contains(stderr, "Invalid job id specified")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
