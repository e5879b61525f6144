package preflight_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/preflight"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

const testHost = "login.hpc.example.org"

type scriptedChannel struct {
	mu       sync.Mutex
	results  []*remote.ExecResult
	commands []string
}

func (c *scriptedChannel) Execute(_ context.Context, command string) (*remote.ExecResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, command)
	if len(c.results) == 0 {
		return &remote.ExecResult{Command: command}, nil
	}
	res := c.results[0]
	c.results = c.results[1:]
	return res, nil
}

func (c *scriptedChannel) Upload(context.Context, string, io.Reader, os.FileMode) error {
	return errors.New("not implemented")
}

func (c *scriptedChannel) Download(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (c *scriptedChannel) Host() string { return testHost }
func (c *scriptedChannel) Close() error { return nil }

func poolFor(t *testing.T, ch *scriptedChannel, dialErr error) *remote.Pool {
	t.Helper()
	pool := remote.NewPool(func(context.Context, string) (remote.Channel, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return ch, nil
	})
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func validSpec() jobspec.JobSpec {
	return jobspec.JobSpec{
		Version: "1.0",
		Name:    "train-alpha",
		Cluster: "hpc-main",
		Command: "python train.py\n",
	}
}

func baseOptions(mode preflight.Mode) preflight.Options {
	return preflight.Options{
		Mode:     mode,
		Clusters: map[string]string{"hpc-main": testHost},
	}
}

func capabilities(rep *preflight.Report) []string {
	caps := make([]string, 0, len(rep.Results))
	for _, r := range rep.Results {
		caps = append(caps, r.Capability)
	}
	return caps
}

func TestRunOffline(t *testing.T) {
	rep, err := preflight.Run(context.Background(), validSpec(), baseOptions(preflight.ModeOffline))
	require.NoError(t, err)
	assert.True(t, rep.Ok())
	assert.Equal(t, []string{
		preflight.CapSpecSchema,
		preflight.CapSpecInvariants,
		preflight.CapSpecRender,
		preflight.CapClusterConfigured,
	}, capabilities(rep))
	assert.Equal(t, "hpc-main", rep.Cluster)
	assert.Equal(t, testHost, rep.Host)
}

func TestRunSchemaFailure(t *testing.T) {
	spec := validSpec()
	spec.Command = ""

	rep, err := preflight.Run(context.Background(), spec, baseOptions(preflight.ModeOffline))
	require.Error(t, err)
	assert.ErrorIs(t, err, jobspec.ErrValidationFailed)
	assert.False(t, rep.Ok())

	require.Len(t, rep.Results, 1)
	assert.Equal(t, preflight.CapSpecSchema, rep.Results[0].Capability)
	assert.False(t, rep.Results[0].Allowed)
	assert.Equal(t, preflight.ErrCodeInvalidSpec, rep.Results[0].ErrorCode)
}

func TestRunInvariantFailure(t *testing.T) {
	spec := validSpec()
	spec.Output.Stdout = "logs/{bogus}.out"

	rep, err := preflight.Run(context.Background(), spec, baseOptions(preflight.ModeOffline))
	require.Error(t, err)

	var inv *jobspec.InvalidSpecError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "output.stdout", inv.Field)

	caps := capabilities(rep)
	require.Len(t, caps, 2)
	assert.Equal(t, preflight.CapSpecInvariants, caps[1])
	assert.False(t, rep.Results[1].Allowed)
}

func TestRunUnknownCluster(t *testing.T) {
	spec := validSpec()
	spec.Cluster = "hpc-nowhere"

	rep, err := preflight.Run(context.Background(), spec, baseOptions(preflight.ModeOffline))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configured host")

	last := rep.Results[len(rep.Results)-1]
	assert.Equal(t, preflight.CapClusterConfigured, last.Capability)
	assert.False(t, last.Allowed)
	assert.Equal(t, preflight.ErrCodeNotConfigured, last.ErrorCode)
	assert.Equal(t, "hpc-nowhere", rep.Cluster)
	assert.Empty(t, rep.Host)
}

func TestRunConnect(t *testing.T) {
	ch := &scriptedChannel{}
	opts := baseOptions(preflight.ModeConnect)
	opts.Pool = poolFor(t, ch, nil)

	rep, err := preflight.Run(context.Background(), validSpec(), opts)
	require.NoError(t, err)
	assert.True(t, rep.Ok())
	assert.Equal(t, []string{
		preflight.CapSpecSchema,
		preflight.CapSpecInvariants,
		preflight.CapSpecRender,
		preflight.CapClusterConfigured,
		preflight.CapChannelDial,
		preflight.CapSchedulerSubmit,
		preflight.CapSchedulerQueue,
		preflight.CapSchedulerAccounts,
	}, capabilities(rep))
	assert.Equal(t, []string{"sbatch --version", "squeue --version", "sacct --version"}, ch.commands)
}

func TestRunConnectChecksWorkdir(t *testing.T) {
	ch := &scriptedChannel{}
	opts := baseOptions(preflight.ModeConnect)
	opts.Pool = poolFor(t, ch, nil)

	spec := validSpec()
	spec.Workdir = "/scratch/alice/train"

	rep, err := preflight.Run(context.Background(), spec, opts)
	require.NoError(t, err)
	assert.True(t, rep.Ok())
	require.Len(t, ch.commands, 4)
	assert.Equal(t, "test -d '/scratch/alice/train'", ch.commands[3])
}

func TestRunConnectWorkdirMissing(t *testing.T) {
	ch := &scriptedChannel{results: []*remote.ExecResult{
		{}, {}, {},
		{ExitCode: 1},
	}}
	opts := baseOptions(preflight.ModeConnect)
	opts.Pool = poolFor(t, ch, nil)

	spec := validSpec()
	spec.Workdir = "/scratch/alice/train"

	rep, err := preflight.Run(context.Background(), spec, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "working directory /scratch/alice/train does not exist")

	last := rep.Results[len(rep.Results)-1]
	assert.Equal(t, preflight.CapWorkdir, last.Capability)
	assert.False(t, last.Allowed)
	assert.Equal(t, preflight.ErrCodeCommandFailed, last.ErrorCode)
}

func TestRunConnectDialFailure(t *testing.T) {
	dialErr := fmt.Errorf("%w: handshake rejected", remote.ErrAuthFailure)
	opts := baseOptions(preflight.ModeConnect)
	opts.Pool = poolFor(t, &scriptedChannel{}, dialErr)

	rep, err := preflight.Run(context.Background(), validSpec(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrAuthFailure)

	last := rep.Results[len(rep.Results)-1]
	assert.Equal(t, preflight.CapChannelDial, last.Capability)
	assert.False(t, last.Allowed)
	assert.Equal(t, preflight.ErrCodeAuthFailed, last.ErrorCode)
}

func TestRunConnectMissingScheduler(t *testing.T) {
	ch := &scriptedChannel{results: []*remote.ExecResult{
		{ExitCode: 127, Stderr: "bash: sbatch: command not found\n"},
	}}
	opts := baseOptions(preflight.ModeConnect)
	opts.Pool = poolFor(t, ch, nil)

	rep, err := preflight.Run(context.Background(), validSpec(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sbatch --version exited 127")
	assert.Contains(t, err.Error(), "command not found")

	// Fail-fast: squeue is never probed after sbatch is gone.
	assert.Equal(t, []string{"sbatch --version"}, ch.commands)
	last := rep.Results[len(rep.Results)-1]
	assert.Equal(t, preflight.CapSchedulerSubmit, last.Capability)
	assert.Equal(t, preflight.ErrCodeCommandFailed, last.ErrorCode)
}

func TestRunConnectAccountingAdvisory(t *testing.T) {
	ch := &scriptedChannel{results: []*remote.ExecResult{
		{}, {},
		{ExitCode: 127, Stderr: "bash: sacct: command not found\n"},
	}}
	opts := baseOptions(preflight.ModeConnect)
	opts.Pool = poolFor(t, ch, nil)

	rep, err := preflight.Run(context.Background(), validSpec(), opts)
	require.NoError(t, err, "a cluster without accounting is usable")
	assert.False(t, rep.Ok())

	var sacct *preflight.CheckResult
	for i := range rep.Results {
		if rep.Results[i].Capability == preflight.CapSchedulerAccounts {
			sacct = &rep.Results[i]
		}
	}
	require.NotNil(t, sacct)
	assert.False(t, sacct.Allowed)
	assert.Equal(t, preflight.ErrCodeCommandFailed, sacct.ErrorCode)
}

func TestRunDefaultCluster(t *testing.T) {
	spec := validSpec()
	spec.Cluster = ""

	opts := baseOptions(preflight.ModeOffline)
	opts.DefaultCluster = "hpc-main"

	rep, err := preflight.Run(context.Background(), spec, opts)
	require.NoError(t, err)
	assert.Equal(t, "hpc-main", rep.Cluster)
	assert.Equal(t, testHost, rep.Host)
}
