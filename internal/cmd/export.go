package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/slurmscope/slurmscope/pkg/eventlog"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export tracked job histories as an event log",
	Long: `Export the derived event histories of tracked jobs.

Exports are replays of the recorded observations: the same state always
yields the same events. Formats:

  jsonl    one envelope record per line (events, traces, summary)
  ocel     OCEL 2.0 object-centric event log for process mining
  summary  aggregate table, optionally grouped

Example:
  slurmscope export --out events.jsonl
  slurmscope export --format ocel --out events.ocel.json
  slurmscope export --format summary --group-by partition
  slurmscope export --name 'train-*' --status failed --since 2026-08-01T00:00:00Z`,
	RunE: runExport,
}

var (
	exportOut     string
	exportFormat  string
	exportNames   []string
	exportStatus  string
	exportSince   string
	exportUntil   string
	exportGroupBy string
)

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format (jsonl|ocel|summary)")
	exportCmd.Flags().StringSliceVar(&exportNames, "name", nil, "Filter jobs by name glob (repeatable)")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "Filter jobs by status (comma separated)")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "Only events at or after this RFC3339 timestamp")
	exportCmd.Flags().StringVar(&exportUntil, "until", "", "Only events before this RFC3339 timestamp")
	exportCmd.Flags().StringVar(&exportGroupBy, "group-by", "", "Group summaries by account, partition, user, name, or cluster")
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	opts, err := buildExportOptions()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid export options", err)
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	records := ws.registry.List(jobregistry.Filter{})

	out, cleanup, err := exportDestination()
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	switch exportFormat {
	case "", "jsonl":
		log, err := eventlog.BuildLog(records, opts)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Export failed", err)
		}
		w := eventlog.NewWriter(out, uuid.New().String())
		if err := w.WriteLog(ctx, log); err != nil {
			return exitError(foundry.ExitFileWriteError, "Export failed", err)
		}
		return w.Close()

	case "ocel":
		ocelLog, err := eventlog.BuildOCEL(records, opts)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Export failed", err)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ocelLog)

	case "summary":
		log, err := eventlog.BuildLog(records, opts)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Export failed", err)
		}
		renderExportSummary(out, log)
		return nil

	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --format value",
			fmt.Errorf("unknown export format %q", exportFormat))
	}
}

func buildExportOptions() (eventlog.Options, error) {
	opts := eventlog.Options{Names: exportNames}

	if exportStatus != "" {
		statuses, err := parseStatusList(exportStatus)
		if err != nil {
			return opts, err
		}
		opts.Statuses = statuses
	}
	if exportSince != "" {
		t, err := time.Parse(time.RFC3339, exportSince)
		if err != nil {
			return opts, fmt.Errorf("invalid since timestamp: %w", err)
		}
		opts.Since = t
	}
	if exportUntil != "" {
		t, err := time.Parse(time.RFC3339, exportUntil)
		if err != nil {
			return opts, fmt.Errorf("invalid until timestamp: %w", err)
		}
		opts.Until = t
	}
	if exportGroupBy != "" {
		switch exportGroupBy {
		case eventlog.GroupByAccount, eventlog.GroupByPartition, eventlog.GroupByUser,
			eventlog.GroupByName, eventlog.GroupByCluster:
			opts.GroupBy = exportGroupBy
		default:
			return opts, fmt.Errorf("unknown group_by key %q", exportGroupBy)
		}
	}
	return opts, nil
}

func exportDestination() (io.Writer, func(), error) {
	if exportOut == "" || exportOut == "-" || exportOut == "stdout" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(exportOut)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file %s: %w", exportOut, err)
	}
	return f, func() { _ = f.Close() }, nil
}

// renderExportSummary prints the aggregate tables for the summary format.
func renderExportSummary(out io.Writer, log *eventlog.Log) {
	sum := log.Summary

	table := tablewriter.NewWriter(out)
	table.Header("Jobs", "Events", "Anomalies", "First Event", "Last Event")
	table.Append(
		fmt.Sprintf("%d", sum.Jobs),
		fmt.Sprintf("%d", sum.Events),
		fmt.Sprintf("%d", sum.Anomalies),
		formatOptionalTime(sum.FirstEvent),
		formatOptionalTime(sum.LastEvent),
	)
	table.Render()

	if len(sum.ByStatus) > 0 {
		_, _ = fmt.Fprintln(out)
		statusTable := tablewriter.NewWriter(out)
		statusTable.Header("Status", "Jobs")
		for _, s := range sortedStatusKeys(sum.ByStatus) {
			statusTable.Append(string(s), fmt.Sprintf("%d", sum.ByStatus[s]))
		}
		statusTable.Render()
	}

	if len(log.Groups) > 0 {
		_, _ = fmt.Fprintln(out)
		groupTable := tablewriter.NewWriter(out)
		groupTable.Header(exportGroupBy, "Jobs", "Events", "Anomalies")
		for _, g := range log.Groups {
			groupTable.Append(g.Key,
				fmt.Sprintf("%d", g.Jobs),
				fmt.Sprintf("%d", g.Events),
				fmt.Sprintf("%d", g.Anomalies))
		}
		groupTable.Render()
	}
}

func sortedStatusKeys(m map[queue.Status]int) []queue.Status {
	keys := make([]queue.Status, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
