// Package config loads the application configuration with the
// precedence runtime overrides > environment > config file > defaults.
//
// Config files are discovered from the project root (development) and
// the user config directories, named after the registered app identity.
// Environment variables use the identity's prefix (SLURMSCOPE_PORT,
// SLURMSCOPE_LOG_LEVEL, ...).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/slurmscope/slurmscope/internal/appid"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Workers  int            `mapstructure:"workers"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Poll     PollConfig     `mapstructure:"poll"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures the service logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
	File    string `mapstructure:"file"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// HealthConfig configures the health probes.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig configures debug facilities.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// ClusterConfig names the clusters jobs can be submitted to.
type ClusterConfig struct {
	// Default is the cluster used when a job spec names none.
	Default string `mapstructure:"default"`

	// Hosts maps cluster names to their login hosts.
	Hosts map[string]ClusterHost `mapstructure:"hosts"`
}

// ClusterHost describes how to reach one cluster's login node.
type ClusterHost struct {
	// Addr is "host" or "host:port"; port defaults to 22.
	Addr string `mapstructure:"addr"`

	User string `mapstructure:"user"`

	// KeyFile is the private key path. Empty falls back to the SSH
	// agent, then to PasswordEnv.
	KeyFile string `mapstructure:"key_file"`

	// KnownHostsFile verifies the host key. Empty uses
	// ~/.ssh/known_hosts.
	KnownHostsFile string `mapstructure:"known_hosts_file"`

	// PasswordEnv names the environment variable holding the password.
	// The password itself never appears in config files.
	PasswordEnv string `mapstructure:"password_env"`

	// Workdir is the default remote working directory for jobs
	// submitted to this cluster.
	Workdir string `mapstructure:"workdir"`
}

// PollConfig configures the reconciliation loop.
type PollConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout"`
	MissingAfterCycles int           `mapstructure:"missing_after_cycles"`
	MissingPolicy      string        `mapstructure:"missing_policy"`
	FailAfter          time.Duration `mapstructure:"fail_after"`
	Concurrency        int           `mapstructure:"concurrency"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	DisableAccounting  bool          `mapstructure:"disable_accounting"`
}

// ArchiveConfig configures raw snapshot archival.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`

	S3 ArchiveS3Config `mapstructure:"s3"`
}

// ArchiveS3Config selects an S3 bucket as the archive sink. Bucket set
// means S3 wins over the local directory.
type ArchiveS3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Profile  string `mapstructure:"profile"`
}

// RegistryConfig configures registry persistence.
type RegistryConfig struct {
	// StateFile is where the registry snapshot is flushed. Empty
	// resolves to <user config dir>/<app>/state.json at runtime.
	StateFile string `mapstructure:"state_file"`
}

var (
	configMu    sync.Mutex
	appIdentity *appid.Identity
	appConfig   *Config
)

// Load builds the configuration. Later overrides win over earlier ones;
// all overrides win over environment variables, which win over config
// files and defaults. The loaded config becomes the one GetConfig
// returns.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identity := appid.Get()
	appIdentity = identity

	v := viper.New()
	setLoaderDefaults(v)

	v.SetConfigName(identity.ConfigName)
	v.SetConfigType("yaml")
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}
	for _, dir := range userConfigDirs(identity) {
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, spec := range envSpecsFor(identity) {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, override := range overrides {
		applyOverride(v, "", override)
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	weaklyTyped := func(dc *mapstructure.DecoderConfig) { dc.WeaklyTypedInput = true }
	if err := v.Unmarshal(&cfg, decodeHook, weaklyTyped); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded config, or nil before the
// first Load.
func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	return appConfig
}

// applyOverride flattens nested override maps into dotted keys, which
// viper treats as its highest-precedence layer.
func applyOverride(v *viper.Viper, prefix string, m map[string]any) {
	for key, val := range m {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverride(v, path, nested)
			continue
		}
		v.Set(path, val)
	}
}

func setLoaderDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("workers", 4)

	v.SetDefault("cluster.default", "")

	v.SetDefault("poll.interval", "30s")
	v.SetDefault("poll.command_timeout", "30s")
	v.SetDefault("poll.missing_after_cycles", 3)
	v.SetDefault("poll.missing_policy", "hold-unknown")
	v.SetDefault("poll.fail_after", "10m")
	v.SetDefault("poll.concurrency", 4)
	v.SetDefault("poll.rate_limit", 1.0)
	v.SetDefault("poll.failure_threshold", 3)
	v.SetDefault("poll.disable_accounting", false)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.dir", "")

	v.SetDefault("registry.state_file", "")
}

// envSpec maps one environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

func envSpecsFor(identity *appid.Identity) []envSpec {
	prefix := identity.EnvPrefix + "_"
	return []envSpec{
		{prefix + "HOST", "server.host"},
		{prefix + "PORT", "server.port"},
		{prefix + "READ_TIMEOUT", "server.read_timeout"},
		{prefix + "WRITE_TIMEOUT", "server.write_timeout"},
		{prefix + "IDLE_TIMEOUT", "server.idle_timeout"},
		{prefix + "SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{prefix + "LOG_LEVEL", "logging.level"},
		{prefix + "LOG_PROFILE", "logging.profile"},
		{prefix + "LOG_FILE", "logging.file"},
		{prefix + "METRICS_ENABLED", "metrics.enabled"},
		{prefix + "METRICS_PORT", "metrics.port"},
		{prefix + "HEALTH_ENABLED", "health.enabled"},
		{prefix + "DEBUG", "debug.enabled"},
		{prefix + "PPROF_ENABLED", "debug.pprof_enabled"},
		{prefix + "WORKERS", "workers"},
		{prefix + "DEFAULT_CLUSTER", "cluster.default"},
		{prefix + "POLL_INTERVAL", "poll.interval"},
		{prefix + "POLL_RATE_LIMIT", "poll.rate_limit"},
		{prefix + "ARCHIVE_DIR", "archive.dir"},
		{prefix + "STATE_FILE", "registry.state_file"},
	}
}

// getEnvSpecs returns the environment mappings for the loaded identity.
// Empty before the first Load.
func getEnvSpecs() []envSpec {
	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity == nil {
		return nil
	}
	return envSpecsFor(appIdentity)
}

// getUserConfigPaths returns the user-level config directories for the
// loaded identity. Empty before the first Load.
func getUserConfigPaths() []string {
	configMu.Lock()
	defer configMu.Unlock()
	if appIdentity == nil {
		return nil
	}
	return userConfigDirs(appIdentity)
}

func userConfigDirs(identity *appid.Identity) []string {
	var dirs []string
	if base, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(base, identity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "."+identity.ConfigName))
	}
	return dirs
}

// ciBoundaryVars are consulted in order when a CI environment is
// detected. The first absolute, existing directory that contains the
// working directory wins.
var ciBoundaryVars = []string{
	"FULMEN_WORKSPACE_ROOT",
	"GITHUB_WORKSPACE",
	"CI_PROJECT_DIR",
	"WORKSPACE",
}

// findProjectRoot locates the repository root for development-mode
// config discovery.
//
// In CI containers the checkout often lives outside $HOME, where
// home-bounded discovery cannot see it; a workspace boundary hint from
// the CI environment pins discovery to the checkout root. Otherwise the
// root is found by walking up from the working directory to the first
// directory containing go.mod, stopping at $HOME when the working
// directory lives under it.
func findProjectRoot() (string, error) {
	if root := ciWorkspaceRoot(); root != "" {
		return root, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}

	boundary := ""
	if home, err := os.UserHomeDir(); err == nil && isAncestor(home, cwd) {
		boundary = home
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("no go.mod found above %s", cwd)
}

func ciWorkspaceRoot() string {
	if os.Getenv("CI") == "" && os.Getenv("GITHUB_ACTIONS") == "" {
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for _, name := range ciBoundaryVars {
		dir := os.Getenv(name)
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if !isAncestor(dir, cwd) {
			continue
		}
		return dir
	}
	return ""
}

// isAncestor reports whether dir is path or one of its ancestors.
func isAncestor(dir, path string) bool {
	dir = filepath.Clean(dir)
	path = filepath.Clean(path)
	if dir == path {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
