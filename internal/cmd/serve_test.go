package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slurmscope/slurmscope/internal/appid"
	"github.com/slurmscope/slurmscope/internal/observability"
)

func TestSignalHealthChecker(t *testing.T) {
	assert.NoError(t, signalHealthChecker{}.CheckHealth(context.Background()))
}

func TestTelemetryHealthChecker(t *testing.T) {
	origSystem := observability.TelemetrySystem
	origExporter := observability.PrometheusExporter
	t.Cleanup(func() {
		observability.TelemetrySystem = origSystem
		observability.PrometheusExporter = origExporter
	})

	checker := telemetryHealthChecker{}

	tests := []struct {
		name     string
		system   *observability.Telemetry
		exporter *observability.Exporter
		wantErr  bool
	}{
		{name: "both initialized", system: &observability.Telemetry{}, exporter: &observability.Exporter{}},
		{name: "nothing initialized", wantErr: true},
		{name: "exporter missing", system: &observability.Telemetry{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observability.TelemetrySystem = tt.system
			observability.PrometheusExporter = tt.exporter

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "telemetry system not initialized")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name    string
		checker identityHealthChecker
		wantErr string
	}{
		{
			name:    "complete identity",
			checker: identityHealthChecker{binaryName: "slurmscope", envPrefix: "SLURMSCOPE", configName: "slurmscope"},
		},
		{
			name:    "missing binary name",
			checker: identityHealthChecker{envPrefix: "SLURMSCOPE", configName: "slurmscope"},
			wantErr: "missing binary name",
		},
		{
			name:    "missing env prefix",
			checker: identityHealthChecker{binaryName: "slurmscope", configName: "slurmscope"},
			wantErr: "missing env prefix",
		},
		{
			name:    "missing config name",
			checker: identityHealthChecker{binaryName: "slurmscope", envPrefix: "SLURMSCOPE"},
			wantErr: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.checker.CheckHealth(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIdentityCheckerFromApp(t *testing.T) {
	orig := appIdentity
	t.Cleanup(func() { appIdentity = orig })

	appIdentity = nil
	checker := identityCheckerFromApp()
	require.Error(t, checker.CheckHealth(context.Background()))

	appIdentity = &appid.Identity{
		BinaryName: "slurmscope",
		EnvPrefix:  "SLURMSCOPE",
		ConfigName: "slurmscope",
	}
	checker = identityCheckerFromApp()
	assert.NoError(t, checker.CheckHealth(context.Background()))
}
