package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage tracked jobs",
	Long: `Manage jobs tracked in the local registry.

This command group is designed to be agent-friendly:

- stable job handles that survive scheduler job ID reuse
- predictable on-disk state
- optional JSON output for machine parsing

Job arguments accept a full handle, a remote job ID, or a unique handle
prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("status", "", "Filter by status (comma separated)")
	jobsListCmd.Flags().String("cluster", "", "Filter by cluster")
	jobsListCmd.Flags().String("name", "", "Filter by job name")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().Bool("json", false, "Output the updated record as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	statusArg, _ := cmd.Flags().GetString("status")
	clusterArg, _ := cmd.Flags().GetString("cluster")
	nameArg, _ := cmd.Flags().GetString("name")

	filter := jobregistry.Filter{Cluster: clusterArg, Name: nameArg}
	if statusArg != "" {
		statuses, err := parseStatusList(statusArg)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		filter.Statuses = statuses
	}

	ws, err := openWorkspace(cmd.Context())
	if err != nil {
		return err
	}
	defer ws.close()

	jobs := ws.registry.List(filter)
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "HANDLE\tNAME\tCLUSTER\tJOB ID\tSTATUS\tSUBMITTED\tANOMALIES")
	for _, j := range jobs {
		name := j.Spec.Name
		if name == "" {
			name = "-"
		}
		cluster := j.Spec.Cluster
		if cluster == "" {
			cluster = "-"
		}
		remoteID := j.RemoteJobID
		if remoteID == "" {
			remoteID = "-"
		} else if j.Epoch > 1 {
			remoteID = fmt.Sprintf("%s (e%d)", remoteID, j.Epoch)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			shortHandle(j.Handle),
			name,
			cluster,
			remoteID,
			j.Status,
			formatOptionalTime(j.SubmittedAt),
			len(j.Anomalies),
		)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return exitError(foundry.ExitInvalidArgument, "job_id is required", fmt.Errorf("empty job id"))
	}

	ws, err := openWorkspace(cmd.Context())
	if err != nil {
		return err
	}
	defer ws.close()

	h, err := ws.engine.Resolve(jobID)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}
	rec, err := ws.registry.Get(h)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "handle=%s\n", rec.Handle)
	if rec.Spec.Name != "" {
		_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", rec.Spec.Name)
	}
	if rec.Spec.Cluster != "" {
		_, _ = fmt.Fprintf(os.Stdout, "cluster=%s\n", rec.Spec.Cluster)
	}
	if rec.RemoteJobID != "" {
		_, _ = fmt.Fprintf(os.Stdout, "remote_job_id=%s\n", rec.RemoteJobID)
	}
	if rec.Epoch > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "epoch=%d\n", rec.Epoch)
	}
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", rec.Status)
	_, _ = fmt.Fprintf(os.Stdout, "observations=%d\n", len(rec.Observations))
	if len(rec.Anomalies) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "anomalies=%d\n", len(rec.Anomalies))
	}
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.SubmittedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "submitted_at=%s\n", rec.SubmittedAt.UTC().Format(time.RFC3339))
	}
	if rec.TerminalAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "terminal_at=%s\n", rec.TerminalAt.UTC().Format(time.RFC3339))
	}
	if obs := rec.LastObservation(); obs != nil {
		_, _ = fmt.Fprintf(os.Stdout, "last_observed=%s (%s)\n",
			obs.ObservedAt.UTC().Format(time.RFC3339), obs.Origin)
		if obs.Reason != "" {
			_, _ = fmt.Fprintf(os.Stdout, "reason=%s\n", obs.Reason)
		}
	}

	return nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return exitError(foundry.ExitInvalidArgument, "job_id is required", fmt.Errorf("empty job id"))
	}

	if IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing job cancellation",
			fmt.Errorf("disable --readonly or unset SLURMSCOPE_READONLY"))
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	h, err := ws.engine.Resolve(jobID)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}

	rec, err := ws.engine.Cancel(ctx, h)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cancellation failed", err)
	}

	if err := ws.flush(); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to persist registry state", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "handle=%s\n", rec.Handle)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", rec.Status)
	return nil
}

// shortHandle trims a handle for table output.
func shortHandle(h jobregistry.Handle) string {
	s := strings.TrimSpace(string(h))
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// parseStatusList parses a comma separated status filter.
func parseStatusList(arg string) ([]queue.Status, error) {
	var out []queue.Status
	for _, part := range strings.Split(arg, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		s := queue.Status(part)
		switch s {
		case queue.StatusPending, queue.StatusRunning, queue.StatusCompleted,
			queue.StatusFailed, queue.StatusCancelled, queue.StatusUnknown:
			out = append(out, s)
		default:
			return nil, fmt.Errorf("unknown status %q", part)
		}
	}
	return out, nil
}
