package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/slurmscope/slurmscope/internal/config"
	errwrap "github.com/slurmscope/slurmscope/internal/errors"
	"github.com/slurmscope/slurmscope/internal/observability"
)

var (
	doctorCluster string
	doctorArchive bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  slurmscope doctor                       # Local environment check
  slurmscope doctor --cluster hpc-main    # Also dial the cluster and probe scheduler tooling
  slurmscope doctor --archive             # Also check archive storage credentials`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorCluster, "cluster", "", "Run connectivity checks against this cluster")
	doctorCmd.Flags().BoolVar(&doctorArchive, "archive", false, "Run archive storage credential checks")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}

	total := 6
	if doctorCluster != "" {
		total += 4
	}
	if doctorArchive {
		total += 2
	}

	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info(fmt.Sprintf("Running %d diagnostic checks...", total))
	observability.CLILogger.Info("")

	r := newCheckReporter(total)

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		r.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		r.warn("Go version", goVersion+" (want go1.23 or newer)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Crucible != "" {
		r.pass("Crucible access", "v"+version.Crucible, zap.String("crucible_version", version.Crucible))
	} else {
		r.fail("Crucible access", "Cannot access Crucible")
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
	}

	if version.Gofulmen != "" {
		r.pass("Gofulmen access", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		r.fail("Gofulmen access", "Cannot access Gofulmen")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		r.fail("config directory", "Cannot find config directory", zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory",
			errwrap.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
	} else {
		r.pass("config directory", configDir, zap.String("config_dir", configDir))
	}

	r.pass("environment", fmt.Sprintf("%s/%s, %d CPUs", runtime.GOOS, runtime.GOARCH, runtime.NumCPU()),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
		zap.Int("cpus", runtime.NumCPU()))

	if vm, err := mem.VirtualMemory(); err != nil {
		r.warn("system memory", "Cannot read memory info", zap.Error(err))
	} else if vm.UsedPercent >= 90 {
		r.warn("system memory", fmt.Sprintf("%.0f%% used (%.1f GB available)", vm.UsedPercent, gb(vm.Available)),
			zap.Float64("used_percent", vm.UsedPercent))
	} else {
		r.pass("system memory", fmt.Sprintf("%.1f GB available", gb(vm.Available)),
			zap.Uint64("available_bytes", vm.Available))
	}

	if doctorCluster != "" {
		runClusterChecks(cmd.Context(), doctorCluster, r)
	}
	if doctorArchive {
		runArchiveChecks(cmd.Context(), r)
	}

	observability.CLILogger.Info("")
	if r.ok {
		observability.CLILogger.Info("✅ All checks passed.")
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. See the messages above.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== Diagnostics complete ===")
}

// runClusterChecks dials the named cluster and probes the scheduler
// tooling on its login host.
func runClusterChecks(ctx context.Context, cluster string, r *checkReporter) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Cluster Checks:")

	cfg, err := config.Load(ctx)
	if err != nil {
		r.fail("cluster connectivity", "Cannot load configuration", zap.Error(err))
		r.skip(3)
		return
	}

	host := cfg.Cluster.Hosts[cluster].Addr
	if host == "" {
		r.fail("cluster connectivity", fmt.Sprintf("Cluster %q is not configured", cluster))
		printClusterConfigHelp()
		r.skip(3)
		return
	}

	ch, err := clusterDialFunc(cfg, observability.CLILogger)(ctx, host)
	if err != nil {
		r.fail("cluster connectivity", "Cannot reach "+host, zap.Error(err))
		r.skip(3)
		return
	}
	defer func() { _ = ch.Close() }()
	r.pass("cluster connectivity", host, zap.String("host", host))

	for _, probe := range []struct {
		label    string
		command  string
		advisory bool
	}{
		{"submission tooling", "sbatch --version", false},
		{"queue tooling", "squeue --version", false},
		{"accounting tooling", "sacct --version", true},
	} {
		res, err := ch.Execute(ctx, probe.command)
		switch {
		case err != nil:
			r.fail(probe.label, probe.command+" failed", zap.Error(err))
		case !res.Ok():
			if probe.advisory {
				r.advise(probe.label, "unavailable (accounting lookups disabled)", zap.Int("exit_code", res.ExitCode))
			} else {
				r.fail(probe.label, fmt.Sprintf("%s exited %d", probe.command, res.ExitCode),
					zap.String("stderr", strings.TrimSpace(res.Stderr)))
			}
		default:
			r.pass(probe.label, firstOutputLine(res.Stdout))
		}
	}
}

// runArchiveChecks verifies the credentials the archive sink would use.
func runArchiveChecks(ctx context.Context, r *checkReporter) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Archive Storage Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		r.skip(1)
		return
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		r.skip(1)
		return
	}

	r.pass("AWS credentials", "found "+maskAccessKey(creds.AccessKeyID),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	r.pass("credential source", source, zap.String("credential_source", source))
}

// checkReporter numbers diagnostic checks as they run and remembers
// whether any of them failed.
type checkReporter struct {
	num   int
	total int
	ok    bool
}

func newCheckReporter(total int) *checkReporter {
	return &checkReporter{num: 1, total: total, ok: true}
}

func (r *checkReporter) pass(label, detail string, fields ...zap.Field) {
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", r.num, r.total, label, detail), fields...)
	r.num++
}

// advise warns without failing the run.
func (r *checkReporter) advise(label, detail string, fields ...zap.Field) {
	observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", r.num, r.total, label, detail), fields...)
	r.num++
}

func (r *checkReporter) warn(label, detail string, fields ...zap.Field) {
	r.advise(label, detail, fields...)
	r.ok = false
}

func (r *checkReporter) fail(label, detail string, fields ...zap.Field) {
	observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", r.num, r.total, label, detail), fields...)
	r.num++
	r.ok = false
}

// skip advances the counter past checks that will not run.
func (r *checkReporter) skip(n int) {
	r.num += n
}

func gb(v uint64) float64 {
	return float64(v) / (1 << 30)
}

func firstOutputLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printClusterConfigHelp prints help for configuring cluster hosts.
func printClusterConfigHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure a cluster, add it to the config file:")
	observability.CLILogger.Info("  cluster:")
	observability.CLILogger.Info("    default: hpc-main")
	observability.CLILogger.Info("    hosts:")
	observability.CLILogger.Info("      hpc-main:")
	observability.CLILogger.Info("        addr: login.hpc.example.org")
	observability.CLILogger.Info("        user: batch")
	observability.CLILogger.Info("        key_file: ~/.ssh/id_ed25519")
	observability.CLILogger.Info("")
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - AWS_ENDPOINT_URL or archive.s3.endpoint in the config file")
	observability.CLILogger.Info("")
}
