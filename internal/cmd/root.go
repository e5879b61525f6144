// Package cmd implements the slurmscope command line interface.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/internal/appid"
	"github.com/slurmscope/slurmscope/internal/observability"
	"github.com/slurmscope/slurmscope/internal/server/handlers"
)

var rootCmd = &cobra.Command{
	Use:   "slurmscope",
	Short: "Track batch jobs on remote clusters",
	Long: `slurmscope submits batch jobs to remote clusters over SSH and tracks
them by diffing successive queue snapshots into an event history.

Jobs are addressed by stable local handles that survive scheduler job ID
reuse. The derived status never moves backward and never leaves a
terminal state; anomalies such as regressions or jobs vanishing from the
queue are recorded instead of applied.

Run 'slurmscope serve' for the long-running daemon with the HTTP API, or
use submit/jobs/watch/export directly against the shared state file.`,
	SilenceUsage: true,
}

// versionInfo is injected at build time via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command and the
// HTTP version endpoint.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// appIdentity is resolved during initConfig and stays nil until then.
var appIdentity *appid.Identity

// GetAppIdentity returns the resolved application identity, or nil before
// initialization.
func GetAppIdentity() *appid.Identity {
	return appIdentity
}

var (
	cfgFile  string
	verbose  bool
	readOnly bool
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default searches ., ~/.slurmscope, then the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&readOnly, "readonly", false, "Disable submissions, cancellations and other cluster-side mutations")
	_ = viper.BindPFlag("readonly", rootCmd.PersistentFlags().Lookup("readonly"))

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	appIdentity = appid.Get()

	observability.InitCLILogger(appIdentity.BinaryName, verbose)

	setDefaults()

	viper.SetEnvPrefix(appIdentity.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(appIdentity.ConfigName)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, "."+appIdentity.ConfigName))
		}
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, appIdentity.ConfigName))
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			observability.CLILogger.Warn("Failed to read config file",
				zap.String("config", viper.ConfigFileUsed()),
				zap.Error(err))
		}
	} else {
		observability.CLILogger.Debug("Loaded config file",
			zap.String("config", viper.ConfigFileUsed()))
	}
}

// setDefaults seeds the global viper instance. These mirror the defaults
// applied by internal/config for the daemon path.
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	// Health defaults
	viper.SetDefault("health.enabled", true)

	// Worker defaults
	viper.SetDefault("workers", 4)

	// Debug defaults
	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)

	// Polling defaults
	viper.SetDefault("poll.interval", "30s")
	viper.SetDefault("poll.command_timeout", "30s")
	viper.SetDefault("poll.missing_after_cycles", 3)
	viper.SetDefault("poll.missing_policy", "hold-unknown")
	viper.SetDefault("poll.fail_after", "10m")
	viper.SetDefault("poll.concurrency", 4)
	viper.SetDefault("poll.rate_limit", 1.0)
	viper.SetDefault("poll.failure_threshold", 3)
	viper.SetDefault("poll.disable_accounting", false)

	// Archive defaults
	viper.SetDefault("archive.enabled", false)

	// Registry defaults
	viper.SetDefault("registry.state_file", "")
}

// IsReadOnly reports whether cluster-side mutations are disabled, via the
// --readonly flag, config, or the SLURMSCOPE_READONLY environment variable.
func IsReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

// ExitWithCode logs a fatal error and terminates the process with the
// given exit code.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger != nil {
		logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
	}
	os.Exit(code)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		name := "slurmscope"
		if appIdentity != nil && appIdentity.BinaryName != "" {
			name = appIdentity.BinaryName
		}
		fmt.Printf("%s %s\n", name, versionInfo.Version)
		fmt.Printf("  commit:     %s\n", versionInfo.Commit)
		fmt.Printf("  build date: %s\n", versionInfo.BuildDate)
		fmt.Printf("  go version: %s\n", runtime.Version())
	},
}
