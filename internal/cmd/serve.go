package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slurmscope/slurmscope/internal/config"
	"github.com/slurmscope/slurmscope/internal/observability"
	"github.com/slurmscope/slurmscope/internal/server"
	"github.com/slurmscope/slurmscope/internal/server/handlers"
	"github.com/slurmscope/slurmscope/pkg/archive"
	localarchive "github.com/slurmscope/slurmscope/pkg/archive/local"
	s3archive "github.com/slurmscope/slurmscope/pkg/archive/s3"
	"github.com/slurmscope/slurmscope/pkg/engine"
	"github.com/slurmscope/slurmscope/pkg/events"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/poller"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracking daemon",
	Long: `Run the tracking daemon: the polling loop, the HTTP API and the
metrics endpoint in one process.

The daemon restores the registry from the state file, reconciles tracked
jobs against the cluster queues on the configured interval, streams
derived events to API subscribers, and flushes state after every cycle.

Example:
  slurmscope serve
  slurmscope serve --host 0.0.0.0 --port 9000`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind address (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	overrides := map[string]any{}
	serverOverrides := map[string]any{}
	if serveHost != "" {
		serverOverrides["host"] = serveHost
	}
	if servePort != 0 {
		serverOverrides["port"] = servePort
	}
	if len(serverOverrides) > 0 {
		overrides["server"] = serverOverrides
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.InitLogger(cfg.Logging.Level, cfg.Logging.Profile, cfg.Logging.File)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	telemetry, err := observability.InitTelemetry()
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize telemetry", err)
	}

	registry := jobregistry.NewRegistry()
	statePath, err := stateFilePath(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot resolve state file", err)
	}
	store := jobregistry.NewStore(statePath)
	st, err := store.Load()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load registry state", err)
	}
	if st != nil {
		if err := registry.RestoreState(st); err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to restore registry state", err)
		}
		logger.Info("registry state restored",
			zap.String("path", statePath),
			zap.Int("jobs", len(registry.List(jobregistry.Filter{}))))
	}

	pool := remote.NewPool(clusterDialFunc(cfg, logger))
	broker := events.NewBroker()
	eng := engine.New(registry, pool, broker, logger, engine.Config{
		Clusters:       clusterHosts(cfg),
		DefaultCluster: cfg.Cluster.Default,
		Store:          store,
	})
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			logger.Error("close engine", zap.Error(closeErr))
		}
	}()

	pollOpts := []poller.Option{
		poller.WithStore(store),
		poller.WithMetrics(telemetry.Poller),
	}
	sink, err := buildArchiveSink(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open archive sink", err)
	}
	if sink != nil {
		defer func() { _ = sink.Close() }()
		pollOpts = append(pollOpts, poller.WithArchive(sink))
	}
	p := poller.New(registry, pool, broker, logger, pollerConfigFrom(cfg), pollOpts...)

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	hm.RegisterChecker("identity", identityCheckerFromApp())

	api := handlers.NewJobsAPI(eng, registry, broker, logger)
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithJobsAPI(api),
		server.WithSignalHandler(adminSignalHandler(registry, store, p, logger)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := p.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("poller: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("server starting",
			zap.String("addr", srv.Addr()),
			zap.String("version", versionInfo.Version))
		err := srv.Start(gctx, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout,
			cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.Metrics.Enabled {
		ms := metricsServer(cfg)
		g.Go(func() error {
			logger.Info("metrics server starting", zap.String("addr", ms.Addr))
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server failed", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// adminSignalHandler executes admin signals: "flush" persists the
// registry immediately, "poll" forces a reconciliation cycle.
func adminSignalHandler(registry *jobregistry.Registry, store *jobregistry.Store, p *poller.Poller, logger *zap.Logger) func(ctx context.Context, signal string) error {
	return func(ctx context.Context, signal string) error {
		switch signal {
		case "flush":
			return registry.Flush(store)
		case "poll":
			cyc := p.Cycle(ctx)
			logger.Info("admin poll cycle",
				zap.Int("jobs", cyc.JobsPolled),
				zap.Int("observations", cyc.Observations),
				zap.Int("errors", cyc.Errors),
				zap.Duration("duration", cyc.Duration))
			return nil
		default:
			return fmt.Errorf("unknown signal %q", signal)
		}
	}
}

// buildArchiveSink selects the snapshot archive backend. Disabled
// archival returns a nil sink.
func buildArchiveSink(ctx context.Context, cfg *config.Config) (archive.Sink, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	if cfg.Archive.S3.Bucket != "" {
		return s3archive.New(ctx, s3archive.Config{
			Bucket:         cfg.Archive.S3.Bucket,
			Prefix:         cfg.Archive.S3.Prefix,
			Region:         cfg.Archive.S3.Region,
			Endpoint:       cfg.Archive.S3.Endpoint,
			Profile:        cfg.Archive.S3.Profile,
			ForcePathStyle: cfg.Archive.S3.Endpoint != "",
		})
	}

	dir := cfg.Archive.Dir
	if dir == "" {
		base, err := dataDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "archive")
	}
	return localarchive.New(localarchive.Config{BaseDir: dir})
}

// metricsServer serves the Prometheus scrape endpoint, plus pprof when
// debugging is enabled. It binds separately from the API so operators
// can keep it off the public interface.
func metricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.PrometheusExporter.Handler())
	if cfg.Debug.PprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func identityCheckerFromApp() identityHealthChecker {
	identity := GetAppIdentity()
	if identity == nil {
		return identityHealthChecker{}
	}
	return identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	}
}

// signalHealthChecker reports on the admin signal path. Registration
// itself is the health signal; there is no downstream dependency to
// probe.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error { return nil }

// telemetryHealthChecker verifies the metrics pipeline was initialized.
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return fmt.Errorf("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker verifies the app identity resolved completely.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	if c.binaryName == "" {
		return fmt.Errorf("app identity incomplete: missing binary name")
	}
	if c.envPrefix == "" {
		return fmt.Errorf("app identity incomplete: missing env prefix")
	}
	if c.configName == "" {
		return fmt.Errorf("app identity incomplete: missing config name")
	}
	return nil
}
