// Package observability provides OpenTelemetry instrumentation for the
// procsi daemon.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/mtford90/procsi"

// Metrics holds all daemon metrics.
type Metrics struct {
	// Proxy metrics
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ActiveRequests  metric.Int64UpDownCounter
	ResponseSize    metric.Int64Histogram

	// Certificate metrics
	CertsGenerated metric.Int64Counter
	CertsCacheHits metric.Int64Counter
	CertsCacheMiss metric.Int64Counter

	// Store metrics
	StoreWrites metric.Int64Counter
	StoreErrors metric.Int64Counter

	// Interceptor metrics
	EventsAppended metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments registered.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	meter := meterProvider.Meter(instrumentationName)
	m := &Metrics{}

	var err error

	m.RequestsTotal, err = meter.Int64Counter(
		"procsi.requests.total",
		metric.WithDescription("Total number of proxied requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"procsi.request.duration",
		metric.WithDescription("Proxied request duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter(
		"procsi.requests.active",
		metric.WithDescription("Requests currently in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.ResponseSize, err = meter.Int64Histogram(
		"procsi.response.size",
		metric.WithDescription("Stored response body size in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 1000, 10000, 100000, 1000000, 10000000),
	)
	if err != nil {
		return nil, err
	}

	m.CertsGenerated, err = meter.Int64Counter(
		"procsi.certs.generated",
		metric.WithDescription("Leaf certificates issued"),
		metric.WithUnit("{certificate}"),
	)
	if err != nil {
		return nil, err
	}

	m.CertsCacheHits, err = meter.Int64Counter(
		"procsi.certs.cache.hits",
		metric.WithDescription("Leaf certificate cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	m.CertsCacheMiss, err = meter.Int64Counter(
		"procsi.certs.cache.misses",
		metric.WithDescription("Leaf certificate cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreWrites, err = meter.Int64Counter(
		"procsi.store.writes",
		metric.WithDescription("Successful store mutations"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreErrors, err = meter.Int64Counter(
		"procsi.store.errors",
		metric.WithDescription("Store mutation failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter(
		"procsi.interceptor.events",
		metric.WithDescription("Interceptor events appended"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ProxyMetrics adapts Metrics to the proxy's metrics interface.
type ProxyMetrics struct {
	m   *Metrics
	ctx context.Context
}

// NewProxyMetrics creates a proxy metrics adapter.
func NewProxyMetrics(m *Metrics) *ProxyMetrics {
	return &ProxyMetrics{m: m, ctx: context.Background()}
}

// RequestStart marks a request entering the proxy.
func (p *ProxyMetrics) RequestStart() {
	p.m.ActiveRequests.Add(p.ctx, 1)
}

// RequestEnd records a completed exchange.
func (p *ProxyMetrics) RequestEnd(method, host string, status int, duration time.Duration, responseSize int64) {
	p.m.ActiveRequests.Add(p.ctx, -1)

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("host", host),
		attribute.Int("status_code", status),
		attribute.String("status_class", statusClass(status)),
	}
	p.m.RequestsTotal.Add(p.ctx, 1, metric.WithAttributes(attrs...))
	p.m.RequestDuration.Record(p.ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	if responseSize > 0 {
		p.m.ResponseSize.Record(p.ctx, responseSize, metric.WithAttributes(
			attribute.String("host", host),
		))
	}
}

// StoreMetrics adapts Metrics to the store's metrics interface.
type StoreMetrics struct {
	m   *Metrics
	ctx context.Context
}

// NewStoreMetrics creates a store metrics adapter.
func NewStoreMetrics(m *Metrics) *StoreMetrics {
	return &StoreMetrics{m: m, ctx: context.Background()}
}

// StoreWrite increments the successful mutation counter.
func (s *StoreMetrics) StoreWrite() {
	s.m.StoreWrites.Add(s.ctx, 1)
}

// StoreError increments the mutation failure counter.
func (s *StoreMetrics) StoreError() {
	s.m.StoreErrors.Add(s.ctx, 1)
}

// EventAppended increments the interceptor event counter.
func (s *StoreMetrics) EventAppended() {
	s.m.EventsAppended.Add(s.ctx, 1)
}

// IssuerMetrics adapts Metrics to the cert issuer's metrics interface.
type IssuerMetrics struct {
	m   *Metrics
	ctx context.Context
}

// NewIssuerMetrics creates a cert issuer metrics adapter.
func NewIssuerMetrics(m *Metrics) *IssuerMetrics {
	return &IssuerMetrics{m: m, ctx: context.Background()}
}

// CertIssued records a freshly issued leaf.
func (i *IssuerMetrics) CertIssued(host string) {
	i.m.CertsGenerated.Add(i.ctx, 1, metric.WithAttributes(
		attribute.String("host", host),
	))
}

// CertCacheHit records a leaf cache hit.
func (i *IssuerMetrics) CertCacheHit() {
	i.m.CertsCacheHits.Add(i.ctx, 1)
}

// CertCacheMiss records a leaf cache miss.
func (i *IssuerMetrics) CertCacheMiss() {
	i.m.CertsCacheMiss.Add(i.ctx, 1)
}

// statusClass returns the status class (2xx, 4xx, ...).
func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
