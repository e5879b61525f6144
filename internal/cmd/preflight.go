package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/internal/observability"
	"github.com/slurmscope/slurmscope/pkg/eventlog"
	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/preflight"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight <manifest>",
	Short: "Validate a job manifest before submission",
	Long: `Validate a job manifest before anything reaches the cluster.

This command is intended for operational validation before submitting
long jobs. It emits a JSONL preflight record (slurmscope.preflight.v1)
listing every check that ran.

Examples:
  # Offline: schema, invariants, script rendering, cluster routing
  slurmscope preflight job.yaml

  # Connect: additionally dial the cluster and probe the scheduler tooling
  slurmscope preflight job.yaml --mode connect

  # Check routing against a different cluster
  slurmscope preflight job.yaml --cluster gpu-cluster`,
	Args: cobra.ExactArgs(1),
	RunE: runPreflight,
}

var (
	preflightMode    string
	preflightCluster string
)

func init() {
	rootCmd.AddCommand(preflightCmd)

	preflightCmd.Flags().StringVar(&preflightMode, "mode", "offline", "Preflight mode (offline|connect)")
	preflightCmd.Flags().StringVar(&preflightCluster, "cluster", "", "Override the manifest's target cluster")
}

func runPreflight(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	specPath := args[0]

	spec, err := jobspec.Load(specPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load job manifest", zap.String("path", specPath), zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid job manifest", err)
	}
	if preflightCluster != "" {
		spec.Cluster = preflightCluster
	}

	mode := preflight.Mode(preflightMode)
	switch mode {
	case preflight.ModeOffline, preflight.ModeConnect:
		// ok
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --mode value", fmt.Errorf("unsupported preflight mode: %s", preflightMode))
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	opts := preflight.Options{
		Mode:           mode,
		Clusters:       clusterHosts(ws.cfg),
		DefaultCluster: ws.cfg.Cluster.Default,
	}
	if mode == preflight.ModeConnect {
		opts.Pool = ws.pool
	}

	rep, runErr := preflight.Run(ctx, *spec, opts)

	w := eventlog.NewWriter(os.Stdout, uuid.New().String())
	if err := w.WritePreflight(ctx, rep); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if runErr != nil {
		return exitError(preflightExitCode(rep), "Preflight failed", runErr)
	}
	if !rep.Ok() {
		observability.CLILogger.Warn("Preflight passed with advisory failures", zap.String("spec", rep.Spec))
	}
	return nil
}

// preflightExitCode classifies a failed run: spec and routing problems
// are caller errors, everything past them is the cluster's fault.
func preflightExitCode(rep *preflight.Report) int {
	for _, res := range rep.Results {
		if res.Allowed {
			continue
		}
		switch res.ErrorCode {
		case preflight.ErrCodeInvalidSpec, preflight.ErrCodeNotConfigured:
			return foundry.ExitInvalidArgument
		}
	}
	return foundry.ExitExternalServiceUnavailable
}
