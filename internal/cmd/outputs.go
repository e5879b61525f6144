package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/internal/observability"
)

var outputsCmd = &cobra.Command{
	Use:   "outputs <job_id>",
	Short: "Locate the output files of a tracked job",
	Long: `Locate the declared and discovered output files of a tracked job.

Declared paths come from the job manifest's output section and are always
listed, present or not. Additional files are discovered by matching --glob
patterns against the job's working directory on the cluster.

Example:
  slurmscope outputs a1b2c3d4
  slurmscope outputs a1b2c3d4 --glob 'results/*.csv' --glob '*.log'
  slurmscope outputs a1b2c3d4 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runOutputs,
}

var outputsGlobs []string

func init() {
	rootCmd.AddCommand(outputsCmd)

	outputsCmd.Flags().StringArrayVar(&outputsGlobs, "glob", nil, "Glob pattern for discovering output files (repeatable)")
	outputsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runOutputs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	handle, err := ws.engine.Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}

	outputs, err := ws.engine.Outputs(ctx, handle, outputsGlobs)
	if err != nil {
		observability.CLILogger.Error("Output discovery failed", zap.String("job", string(handle)), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Output discovery failed", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outputs)
	}

	if len(outputs) == 0 {
		fmt.Println("No output files found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tSIZE\tMODIFIED\tDECLARED\tFOUND")
	for _, out := range outputs {
		size := "-"
		if out.Size >= 0 {
			size = fmt.Sprintf("%d", out.Size)
		}
		modified := "-"
		if !out.ModTime.IsZero() {
			modified = out.ModTime.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", out.Path, size, modified, out.Declared, out.Found)
	}
	return w.Flush()
}
