// Package preflight validates a job spec before anything is submitted:
// schema and invariant checks first, then optionally the command channel
// and the scheduler tooling on the target login host.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

// Mode defines how far preflight goes.
type Mode string

const (
	// ModeOffline validates the spec without touching the cluster.
	ModeOffline Mode = "offline"

	// ModeConnect additionally dials the cluster and checks that the
	// scheduler tooling answers there.
	ModeConnect Mode = "connect"
)

// Capability names are stable strings used in reports.
const (
	CapSpecSchema        = "spec.schema"
	CapSpecInvariants    = "spec.invariants"
	CapSpecRender        = "spec.render"
	CapClusterConfigured = "cluster.configured"
	CapChannelDial       = "channel.dial"
	CapSchedulerSubmit   = "scheduler.sbatch"
	CapSchedulerQueue    = "scheduler.squeue"
	CapSchedulerAccounts = "scheduler.sacct"
	CapWorkdir           = "workdir.exists"
)

// Error codes are stable strings used in reports.
const (
	ErrCodeInvalidSpec    = "INVALID_SPEC"
	ErrCodeNotConfigured  = "NOT_CONFIGURED"
	ErrCodeAuthFailed     = "AUTH_FAILED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeConnectionLost = "CONNECTION_LOST"
	ErrCodeCommandFailed  = "COMMAND_FAILED"
	ErrCodeInternal       = "INTERNAL"
)

// CheckResult is the outcome of one capability check.
type CheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Report collects every check that ran, including the failing one.
type Report struct {
	Mode    Mode          `json:"mode"`
	Spec    string        `json:"spec,omitempty"`
	Cluster string        `json:"cluster,omitempty"`
	Host    string        `json:"host,omitempty"`
	Results []CheckResult `json:"results"`
}

// Ok reports whether every check passed. Run can return a nil error with
// Ok false when only advisory checks failed, such as a cluster without
// accounting.
func (r *Report) Ok() bool {
	for _, res := range r.Results {
		if !res.Allowed {
			return false
		}
	}
	return true
}

func (r *Report) pass(capability, method string) {
	r.Results = append(r.Results, CheckResult{Capability: capability, Allowed: true, Method: method})
}

func (r *Report) fail(capability, method, code string, err error) {
	r.Results = append(r.Results, CheckResult{
		Capability: capability,
		Method:     method,
		ErrorCode:  code,
		Detail:     err.Error(),
	})
}

// Options configures a preflight run.
type Options struct {
	Mode Mode

	// Clusters maps cluster names to login hosts; DefaultCluster is used
	// when the spec does not name one.
	Clusters       map[string]string
	DefaultCluster string

	// Pool supplies command channels. Required in ModeConnect.
	Pool *remote.Pool
}

// Run executes the staged checks in fail-fast order: schema, invariants,
// render, cluster routing, then in connect mode the dial, the scheduler
// binaries and the working directory. The report always carries every
// check that ran.
func Run(ctx context.Context, spec jobspec.JobSpec, opts Options) (*Report, error) {
	if opts.Mode == "" {
		opts.Mode = ModeOffline
	}
	rep := &Report{Mode: opts.Mode, Spec: spec.Name, Results: []CheckResult{}}

	spec.ApplyDefaults()

	if err := jobspec.ValidateSchema(&spec); err != nil {
		rep.fail(CapSpecSchema, "schema "+jobspec.SchemaID, ErrCodeInvalidSpec, err)
		return rep, err
	}
	rep.pass(CapSpecSchema, "schema "+jobspec.SchemaID)

	if err := spec.Validate(); err != nil {
		rep.fail(CapSpecInvariants, "validate", ErrCodeInvalidSpec, err)
		return rep, err
	}
	rep.pass(CapSpecInvariants, "validate")

	if _, err := jobspec.Build(spec, time.Now().UTC()); err != nil {
		rep.fail(CapSpecRender, "build", ErrCodeInvalidSpec, err)
		return rep, err
	}
	rep.pass(CapSpecRender, "build")

	cluster := spec.Cluster
	if cluster == "" {
		cluster = opts.DefaultCluster
	}
	rep.Cluster = cluster
	method := fmt.Sprintf("clusters[%q]", cluster)
	host := opts.Clusters[cluster]
	if host == "" {
		err := fmt.Errorf("cluster %q has no configured host", cluster)
		rep.fail(CapClusterConfigured, method, ErrCodeNotConfigured, err)
		return rep, err
	}
	rep.Host = host
	rep.pass(CapClusterConfigured, method)

	if opts.Mode != ModeConnect {
		return rep, nil
	}
	if opts.Pool == nil {
		return rep, fmt.Errorf("connect mode requires a channel pool")
	}

	ch, err := opts.Pool.Get(ctx, host)
	if err != nil {
		rep.fail(CapChannelDial, "dial "+host, normalizeErrorCode(err), err)
		return rep, err
	}
	rep.pass(CapChannelDial, "dial "+host)

	if err := checkCommand(ctx, ch, rep, CapSchedulerSubmit, "sbatch --version"); err != nil {
		return rep, err
	}
	if err := checkCommand(ctx, ch, rep, CapSchedulerQueue, "squeue --version"); err != nil {
		return rep, err
	}
	// Accounting is optional: clusters without slurmdbd still submit and
	// poll fine with the sacct fallback disabled. Recorded, never fatal,
	// unless the channel itself died underneath the command.
	if err := checkCommand(ctx, ch, rep, CapSchedulerAccounts, "sacct --version"); err != nil {
		if !isCommandFailure(err) {
			return rep, err
		}
	}

	if spec.Workdir != "" {
		method := fmt.Sprintf("test -d %s", shellQuote(spec.Workdir))
		res, err := ch.Execute(ctx, method)
		if err != nil {
			rep.fail(CapWorkdir, method, normalizeErrorCode(err), err)
			return rep, err
		}
		if !res.Ok() {
			err := fmt.Errorf("working directory %s does not exist on %s", spec.Workdir, host)
			rep.fail(CapWorkdir, method, ErrCodeCommandFailed, err)
			return rep, err
		}
		rep.pass(CapWorkdir, method)
	}

	return rep, nil
}

// commandError marks a remote command that ran but exited non-zero, as
// opposed to a channel that failed underneath it.
type commandError struct {
	command string
	res     *remote.ExecResult
}

func (e *commandError) Error() string {
	return fmt.Sprintf("%s exited %d: %s", e.command, e.res.ExitCode, firstLine(e.res.Stderr))
}

func isCommandFailure(err error) bool {
	var ce *commandError
	return errors.As(err, &ce)
}

func checkCommand(ctx context.Context, ch remote.Channel, rep *Report, capability, command string) error {
	res, err := ch.Execute(ctx, command)
	if err != nil {
		rep.fail(capability, command, normalizeErrorCode(err), err)
		return err
	}
	if !res.Ok() {
		cerr := &commandError{command: command, res: res}
		rep.fail(capability, command, ErrCodeCommandFailed, cerr)
		return cerr
	}
	rep.pass(capability, command)
	return nil
}

func normalizeErrorCode(err error) string {
	switch {
	case remote.IsAuthFailure(err):
		return ErrCodeAuthFailed
	case remote.IsTimeout(err):
		return ErrCodeTimeout
	case remote.IsConnectionLost(err):
		return ErrCodeConnectionLost
	default:
		return ErrCodeInternal
	}
}

func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
