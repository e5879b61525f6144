package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

// Cancel asks the scheduler to cancel the job and records the intent.
//
// The cancellation is appended as a synthetic locally initiated
// observation whether or not the remote call succeeded: the local intent
// is part of the job's history either way, and the poller reconciles it
// against what the scheduler actually did. A scheduler that keeps
// reporting the job as running afterwards shows up as a regression, not
// a status change. Remote failures are returned alongside the updated
// record.
func (e *Engine) Cancel(ctx context.Context, h jobregistry.Handle) (*jobregistry.JobRecord, error) {
	rec, err := e.registry.Get(h)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, h, rec.Status)
	}

	remoteErr := e.withChannel(ctx, rec.Spec.Cluster, func(ch remote.Channel) error {
		res, err := ch.Execute(ctx, queue.ScancelCommand(rec.RemoteJobID))
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("scancel exited %d: %s", res.ExitCode, firstLine(res.Stderr))
		}
		return nil
	})

	obs := queue.Observation{
		RemoteJobID: rec.RemoteJobID,
		ObservedAt:  e.now().UTC(),
		Status:      queue.StatusCancelled,
		Origin:      queue.OriginLocal,
	}
	out, err := e.registry.AppendObservation(h, obs)
	if err != nil {
		return nil, err
	}
	cur, err := e.registry.Get(h)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, cur, obs, out)

	if remoteErr != nil {
		e.logger.Warn("cancel recorded locally, remote call failed",
			zap.String("handle", string(h)),
			zap.String("remote_job_id", rec.RemoteJobID),
			zap.Error(remoteErr))
		return cur, fmt.Errorf("cancel %s: %w", rec.RemoteJobID, remoteErr)
	}

	e.logger.Info("job cancelled",
		zap.String("handle", string(h)),
		zap.String("remote_job_id", rec.RemoteJobID))
	return cur, nil
}
