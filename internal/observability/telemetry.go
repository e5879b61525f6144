package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slurmscope/slurmscope/pkg/poller"
)

// Telemetry owns the process metrics registry and the instrument sets
// handed to the subsystems that record into it.
type Telemetry struct {
	Registry *prometheus.Registry
	Poller   *poller.Metrics
}

// Exporter serves the metrics registry over HTTP.
type Exporter struct {
	registry *prometheus.Registry
}

// Handler returns the scrape handler for the exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

var (
	// TelemetrySystem is the shared telemetry instance, nil until
	// InitTelemetry runs.
	TelemetrySystem *Telemetry

	// PrometheusExporter serves TelemetrySystem's registry, nil until
	// InitTelemetry runs.
	PrometheusExporter *Exporter
)

// InitTelemetry builds the metrics registry with the standard process
// and Go collectors plus the poller instruments, and publishes it
// through TelemetrySystem and PrometheusExporter.
func InitTelemetry() (*Telemetry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}

	t := &Telemetry{
		Registry: reg,
		Poller:   poller.NewMetrics(reg),
	}
	TelemetrySystem = t
	PrometheusExporter = &Exporter{registry: reg}
	return t, nil
}
