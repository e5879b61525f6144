package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/internal/observability"
	"github.com/slurmscope/slurmscope/pkg/jobspec"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job from a manifest",
	Long: `Submit a batch job as defined in a YAML or JSON manifest file.

The manifest names the job, the cluster to run it on, the command, and
the scheduler resource request. On success the job is tracked in the
local registry under a stable handle and picked up by the polling loop.

Example:
  slurmscope submit --job train.yaml
  slurmscope submit --job train.yaml --cluster hpc-b
  slurmscope submit --job train.yaml --dry-run`,
	RunE: runSubmit,
}

var (
	submitJobPath string
	submitCluster string
	submitDryRun  bool
	submitPlan    bool
)

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVarP(&submitJobPath, "job", "j", "", "Path to job manifest (required)")
	submitCmd.Flags().StringVar(&submitCluster, "cluster", "", "Override the manifest's cluster")
	submitCmd.Flags().BoolVar(&submitDryRun, "dry-run", false, "Validate manifest and show the rendered script without submitting")
	submitCmd.Flags().BoolVar(&submitPlan, "plan", false, "Alias for --dry-run")
	submitCmd.Flags().Bool("json", false, "Output the tracked record as JSON")

	_ = submitCmd.MarkFlagRequired("job")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	spec, err := jobspec.Load(submitJobPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load job manifest",
			zap.String("path", submitJobPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid job manifest", err)
	}

	if submitCluster != "" {
		spec.Cluster = submitCluster
	}

	observability.CLILogger.Debug("Loaded job manifest",
		zap.String("path", submitJobPath),
		zap.String("name", spec.Name),
		zap.String("cluster", spec.Cluster))

	if submitPlan || submitDryRun {
		return showSubmitPlan(spec)
	}

	if IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing job submission",
			fmt.Errorf("disable --readonly or unset SLURMSCOPE_READONLY"))
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	if spec.Workdir == "" {
		spec.Workdir = defaultWorkdirFor(ws.cfg, spec.Cluster)
	}

	rec, err := ws.engine.Submit(ctx, *spec)
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Submission cancelled", err)
		}
		observability.CLILogger.Error("Submission failed",
			zap.String("name", spec.Name),
			zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Submission failed", err)
	}

	if err := ws.flush(); err != nil {
		observability.CLILogger.Error("Failed to persist registry state", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to persist registry state", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "handle=%s\n", rec.Handle)
	_, _ = fmt.Fprintf(os.Stdout, "remote_job_id=%s\n", rec.RemoteJobID)
	if rec.Epoch > 1 {
		_, _ = fmt.Fprintf(os.Stdout, "epoch=%d\n", rec.Epoch)
	}
	if rec.Spec.Cluster != "" {
		_, _ = fmt.Fprintf(os.Stdout, "cluster=%s\n", rec.Spec.Cluster)
	}
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", rec.Status)
	return nil
}

// showSubmitPlan renders the batch script without touching the cluster.
func showSubmitPlan(spec *jobspec.JobSpec) error {
	req, err := jobspec.Build(*spec, time.Now().UTC())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job manifest", err)
	}

	fmt.Println("=== Submission Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Name:        %s\n", spec.Name)
	if spec.Cluster != "" {
		fmt.Printf("Cluster:     %s\n", spec.Cluster)
	}
	if spec.Account != "" {
		fmt.Printf("Account:     %s\n", spec.Account)
	}
	if spec.Resources.Partition != "" {
		fmt.Printf("Partition:   %s\n", spec.Resources.Partition)
	}
	fmt.Printf("Resources:   nodes=%d tasks=%d cpus-per-task=%d\n",
		spec.Resources.Nodes, spec.Resources.Tasks, spec.Resources.CPUsPerTask)
	if spec.Resources.Memory != "" {
		fmt.Printf("Memory:      %s\n", spec.Resources.Memory)
	}
	if spec.Resources.TimeLimit != "" {
		fmt.Printf("Time Limit:  %s\n", spec.Resources.TimeLimit)
	}
	if spec.Resources.Array != "" {
		fmt.Printf("Array:       %s\n", spec.Resources.Array)
	}
	if spec.Workdir != "" {
		fmt.Printf("Workdir:     %s\n", spec.Workdir)
	}
	fmt.Printf("Spec Hash:   %s\n", req.SpecHash)
	fmt.Println()
	fmt.Println("Rendered script:")
	fmt.Println()
	fmt.Print(req.Script)
	fmt.Println()
	fmt.Println("Manifest validated successfully. Remove --dry-run to submit.")
	return nil
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
