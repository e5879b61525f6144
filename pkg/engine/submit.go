package engine

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/queue"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

// Submit renders the spec, ships the batch script to the cluster, submits
// it, and registers the accepted job. On success the returned record is
// already tracking: it carries the remote job ID, its epoch, and a
// synthetic pending observation recording the local submission.
//
// Connection and upload failures are retried with exponential backoff;
// the sbatch call is not, because a retried submission that actually
// landed would enqueue the job twice.
func (e *Engine) Submit(ctx context.Context, spec jobspec.JobSpec) (*jobregistry.JobRecord, error) {
	spec.ApplyDefaults()
	now := e.now().UTC()

	req, err := jobspec.Build(spec, now)
	if err != nil {
		return nil, err
	}

	host, err := e.hostFor(spec.Cluster)
	if err != nil {
		return nil, err
	}

	scriptPath := path.Join(e.cfg.ScriptDir, req.ScriptName)
	res, err := e.submitScript(ctx, host, scriptPath, req.Script)
	if err != nil {
		return nil, err
	}
	if !res.Ok() {
		return nil, fmt.Errorf("sbatch rejected %s: %s", spec.Name, firstLine(res.Stderr))
	}
	remoteID, err := queue.ParseSbatchResponse(res.Stdout)
	if err != nil {
		return nil, err
	}

	h := e.registry.Create(spec, req.SpecHash)
	epoch, err := e.registry.AssignRemoteID(h, remoteID, now)
	if err != nil {
		return nil, err
	}

	e.logger.Info("job submitted",
		zap.String("name", spec.Name),
		zap.String("remote_job_id", remoteID),
		zap.Int("epoch", epoch),
		zap.String("host", host),
		zap.String("spec_hash", req.SpecHash))

	obs := queue.Observation{
		RemoteJobID: remoteID,
		ObservedAt:  now,
		Status:      queue.StatusPending,
		Origin:      queue.OriginLocal,
	}
	out, err := e.registry.AppendObservation(h, obs)
	if err != nil {
		return nil, err
	}
	rec, err := e.registry.Get(h)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, rec, obs, out)
	return rec, nil
}

// submitScript runs one submission conversation: upload the script body,
// then sbatch it, inside a single held session so no other caller's
// commands land in between. A failed attempt releases the session before
// the backoff sleep; once sbatch has been issued the outcome is final.
func (e *Engine) submitScript(ctx context.Context, host, scriptPath, script string) (*remote.ExecResult, error) {
	var res *remote.ExecResult
	op := func() error {
		return e.pool.WithSession(ctx, host, func(ch remote.Channel) error {
			if err := ch.Upload(ctx, scriptPath, strings.NewReader(script), 0o644); err != nil {
				if remote.IsConnectionLost(err) || remote.IsTimeout(err) {
					e.pool.Invalidate(host)
					return fmt.Errorf("upload batch script: %w", err)
				}
				return backoff.Permanent(fmt.Errorf("upload batch script: %w", err))
			}
			r, err := ch.Execute(ctx, queue.SbatchCommand(scriptPath))
			if err != nil {
				return backoff.Permanent(fmt.Errorf("submit %s: %w", scriptPath, err))
			}
			res = r
			return nil
		})
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(e.cfg.SubmitRetries)),
		ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return res, nil
}
