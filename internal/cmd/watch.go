package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/internal/observability"
	"github.com/slurmscope/slurmscope/pkg/events"
	"github.com/slurmscope/slurmscope/pkg/poller"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll clusters and stream job events",
	Long: `Run the reconciliation loop in the foreground and print job events
as they are derived from queue snapshots.

Each cycle queries every cluster with active jobs and diffs the parsed
rows against the tracked state. Status changes, field changes and
anomalies stream to stdout until interrupted.

Example:
  slurmscope watch
  slurmscope watch --interval 10s
  slurmscope watch --once
  slurmscope watch --json | jq .`,
	RunE: runWatch,
}

var (
	watchInterval time.Duration
	watchOnce     bool
	watchJSON     bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Override the poll interval")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Run a single cycle and exit")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print events as JSON lines")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	if len(ws.cfg.Cluster.Hosts) == 0 {
		return exitError(foundry.ExitInvalidArgument, "No clusters configured",
			fmt.Errorf("add cluster hosts to the config file"))
	}

	printer := &eventPrinter{json: watchJSON}
	if err := ws.broker.SubscribeJobEvents(ctx, printer.jobEvent); err != nil {
		return err
	}
	if err := ws.broker.SubscribeChannelHealth(ctx, printer.channelHealth); err != nil {
		return err
	}

	pcfg := pollerConfigFrom(ws.cfg)
	if watchInterval > 0 {
		pcfg.Interval = watchInterval
	}

	p := poller.New(ws.registry, ws.pool, ws.broker, observability.CLILogger, pcfg,
		poller.WithStore(ws.store))

	active := len(ws.registry.ListActive())
	observability.CLILogger.Info("Watching tracked jobs",
		zap.Int("active", active),
		zap.Duration("interval", pcfg.Interval))

	if watchOnce {
		cyc := p.Cycle(ctx)
		_, _ = fmt.Fprintf(os.Stdout, "cycle: hosts=%d jobs=%d observations=%d errors=%d duration=%s\n",
			cyc.Hosts, cyc.JobsPolled, cyc.Observations, cyc.Errors, cyc.Duration.Round(time.Millisecond))
		return nil
	}

	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Watch failed", err)
	}
	return nil
}

// eventPrinter formats broker events for the terminal. Handlers always
// return nil so one slow write never aborts a publish fan-out.
type eventPrinter struct {
	json bool
	mu   sync.Mutex
}

func (p *eventPrinter) jobEvent(ev events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(os.Stdout).Encode(ev)
		return nil
	}

	ts := ev.At.Local().Format("15:04:05")
	name := ev.Name
	if name == "" {
		name = "-"
	}
	prefix := fmt.Sprintf("%s %-14s %s %s", ts, ev.Kind, shortHandle(ev.Handle), name)

	switch ev.Kind {
	case events.KindSubmitted:
		_, _ = fmt.Fprintf(os.Stdout, "%s -> %s (job %s)\n", prefix, ev.To, ev.RemoteJobID)
	case events.KindStatusChanged:
		_, _ = fmt.Fprintf(os.Stdout, "%s %s -> %s\n", prefix, ev.From, ev.To)
	case events.KindFieldChanged:
		_, _ = fmt.Fprintf(os.Stdout, "%s %s: %q -> %q\n", prefix, ev.Field, ev.Old, ev.New)
	case events.KindAnomaly:
		_, _ = fmt.Fprintf(os.Stdout, "%s %s\n", prefix, ev.Anomaly)
	default:
		_, _ = fmt.Fprintf(os.Stdout, "%s\n", prefix)
	}
	return nil
}

func (p *eventPrinter) channelHealth(ev events.ChannelHealth) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		_ = json.NewEncoder(os.Stdout).Encode(ev)
		return nil
	}

	ts := ev.At.Local().Format("15:04:05")
	if ev.Healthy {
		_, _ = fmt.Fprintf(os.Stdout, "%s channel        %s recovered\n", ts, ev.Host)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "%s channel        %s unhealthy after %d failures: %s\n",
		ts, ev.Host, ev.ConsecutiveFailures, ev.Error)
	return nil
}
