package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/internal/config"
	"github.com/slurmscope/slurmscope/internal/observability"
	"github.com/slurmscope/slurmscope/pkg/engine"
	"github.com/slurmscope/slurmscope/pkg/events"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/poller"
	"github.com/slurmscope/slurmscope/pkg/remote"
)

// workspace is the shared job-tracking stack CLI commands operate on: the
// configuration, the registry restored from the state file, the channel
// pool and the submission engine. The daemon assembles the same parts in
// serve.go with the structured logger instead.
type workspace struct {
	cfg      *config.Config
	registry *jobregistry.Registry
	store    *jobregistry.Store
	pool     *remote.Pool
	broker   *events.Broker
	engine   *engine.Engine
}

func openWorkspace(ctx context.Context) (*workspace, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	registry := jobregistry.NewRegistry()
	statePath, err := stateFilePath(cfg)
	if err != nil {
		return nil, err
	}
	store := jobregistry.NewStore(statePath)
	st, err := store.Load()
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to load registry state", err)
	}
	if st != nil {
		if err := registry.RestoreState(st); err != nil {
			return nil, exitError(foundry.ExitFileReadError, "Failed to restore registry state", err)
		}
	}

	pool := remote.NewPool(clusterDialFunc(cfg, observability.CLILogger))
	broker := events.NewBroker()
	eng := engine.New(registry, pool, broker, observability.CLILogger, engine.Config{
		Clusters:       clusterHosts(cfg),
		DefaultCluster: cfg.Cluster.Default,
	})

	return &workspace{
		cfg:      cfg,
		registry: registry,
		store:    store,
		pool:     pool,
		broker:   broker,
		engine:   eng,
	}, nil
}

// flush persists the registry through the state file.
func (w *workspace) flush() error {
	if w.store == nil || w.store.Path() == "" {
		return nil
	}
	return w.registry.Flush(w.store)
}

func (w *workspace) close() {
	_ = w.engine.Close()
}

// stateFilePath resolves the registry state file: the configured path, or
// state.json under the data directory.
func stateFilePath(cfg *config.Config) (string, error) {
	if cfg != nil && cfg.Registry.StateFile != "" {
		return cfg.Registry.StateFile, nil
	}
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.json"), nil
}

// dataDir is the XDG data directory for this binary.
func dataDir() (string, error) {
	name := "slurmscope"
	if appIdentity != nil && appIdentity.ConfigName != "" {
		name = appIdentity.ConfigName
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, name), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate data directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", name), nil
}

// clusterHosts maps cluster names to the login host addresses the pool
// dials.
func clusterHosts(cfg *config.Config) map[string]string {
	hosts := make(map[string]string, len(cfg.Cluster.Hosts))
	for name, h := range cfg.Cluster.Hosts {
		hosts[name] = h.Addr
	}
	return hosts
}

// clusterDialFunc builds the pool's dialer from the configured cluster
// hosts. The address "local" runs commands on this machine instead of
// dialing, for deployments directly on a login node.
func clusterDialFunc(cfg *config.Config, logger *zap.Logger) remote.DialFunc {
	byAddr := make(map[string]config.ClusterHost, len(cfg.Cluster.Hosts))
	for _, h := range cfg.Cluster.Hosts {
		byAddr[h.Addr] = h
	}

	return func(ctx context.Context, host string) (remote.Channel, error) {
		if host == "local" {
			return remote.NewLocalChannel("", logger), nil
		}

		sshCfg := remote.SSHConfig{Host: host}
		if hc, ok := byAddr[host]; ok {
			sshCfg.User = hc.User
			sshCfg.KeyPath = hc.KeyFile
			sshCfg.KnownHostsPath = hc.KnownHostsFile
			if hc.PasswordEnv != "" {
				sshCfg.Password = os.Getenv(hc.PasswordEnv)
			}
		}
		if h, p, err := net.SplitHostPort(host); err == nil {
			if port, err := strconv.Atoi(p); err == nil {
				sshCfg.Host = h
				sshCfg.Port = port
			}
		}
		return remote.DialSSH(ctx, sshCfg, logger)
	}
}

// pollerConfigFrom maps the loaded configuration onto the poller.
func pollerConfigFrom(cfg *config.Config) poller.Config {
	return poller.Config{
		Clusters:        clusterHosts(cfg),
		Interval:        cfg.Poll.Interval,
		CommandTimeout:  cfg.Poll.CommandTimeout,
		MissThreshold:   cfg.Poll.MissingAfterCycles,
		MissingPolicy:   cfg.Poll.MissingPolicy,
		FailAfter:       cfg.Poll.FailAfter,
		HostConcurrency: cfg.Poll.Concurrency,
		HostRateLimit:   cfg.Poll.RateLimit,
		UnhealthyAfter:  cfg.Poll.FailureThreshold,
		DisableSacct:    cfg.Poll.DisableAccounting,
	}
}

// defaultWorkdirFor returns the configured default working directory of
// the cluster a spec is bound to, or empty.
func defaultWorkdirFor(cfg *config.Config, cluster string) string {
	if cluster == "" {
		cluster = cfg.Cluster.Default
	}
	if hc, ok := cfg.Cluster.Hosts[cluster]; ok {
		return hc.Workdir
	}
	return ""
}
