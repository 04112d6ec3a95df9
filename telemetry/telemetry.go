// Package telemetry installs the global go-metrics sink and exposes it in
// Prometheus format.
package telemetry

import (
	"fmt"
	"net/http"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	prommetrics "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultServiceName = "tally"
	// DefaultRetention is how long an unreported series stays exported.
	DefaultRetention = 10 * time.Minute
	inmemInterval    = 10 * time.Second
)

type Config struct {
	ServiceName string
	Retention   time.Duration
	// EnableHostname prefixes gauges with the host name.
	EnableHostname bool
}

// Telemetry owns the registry the /metrics handler reads from.
type Telemetry struct {
	registry *prometheus.Registry
	inmem    *metrics.InmemSink
	signal   *metrics.InmemSignal
	metrics  *metrics.Metrics
}

// Setup builds the sinks and installs them as the go-metrics global.
func Setup(config Config) (*Telemetry, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	promSink, err := prommetrics.NewPrometheusSinkFrom(prommetrics.PrometheusOpts{
		Expiration: config.Retention,
		Registerer: registry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus sink: %w", err)
	}

	// the in-memory sink is dumped to stderr on SIGUSR1
	inmem := metrics.NewInmemSink(inmemInterval, config.Retention)
	signal := metrics.DefaultInmemSignal(inmem)

	mc := metrics.DefaultConfig(config.ServiceName)
	mc.EnableHostname = config.EnableHostname
	mc.EnableHostnameLabel = false
	mc.EnableRuntimeMetrics = false

	m, err := metrics.NewGlobal(mc, metrics.FanoutSink{inmem, promSink})
	if err != nil {
		signal.Stop()
		return nil, fmt.Errorf("failed to install metrics: %w", err)
	}

	return &Telemetry{registry: registry, inmem: inmem, signal: signal, metrics: m}, nil
}

// Handler serves the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *Telemetry) Close() {
	t.signal.Stop()
	t.metrics.Shutdown()
}
