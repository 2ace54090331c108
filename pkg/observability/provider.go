package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Provider holds the OpenTelemetry providers and exporters.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Metrics       *Metrics

	registry *promclient.Registry
	server   *http.Server
}

// NewProvider creates the meter provider, registers the instruments, and
// optionally serves Prometheus metrics on addr (loopback only; empty
// disables the listener). Each provider owns its registry so restarts
// within one process do not collide.
func NewProvider(addr string) (*Provider, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}

	p := &Provider{
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)),
		registry:      registry,
	}
	otel.SetMeterProvider(p.MeterProvider)

	metrics, err := NewMetrics(p.MeterProvider)
	if err != nil {
		return nil, err
	}
	p.Metrics = metrics

	if addr != "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return nil, errors.New("metrics address " + addr + " is not a loopback address")
		}
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		p.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := p.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				otel.Handle(err)
			}
		}()
	}

	return p, nil
}

// Shutdown gracefully shuts down the provider and the metrics listener.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		p.server.Shutdown(ctx)
	}
	if p.MeterProvider != nil {
		return p.MeterProvider.Shutdown(ctx)
	}
	return nil
}
