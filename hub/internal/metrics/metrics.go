// Package metrics exposes the hub's OpenTelemetry instruments and the meter
// provider that exports them.
package metrics

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/amurg-ai/relay/hub/internal/config"
)

const meterName = "github.com/amurg-ai/relay/hub"

// Provider wraps a MeterProvider and its shutdown hook.
type Provider struct {
	MeterProvider metric.MeterProvider
	Shutdown      func(context.Context) error
}

// NewProvider builds a MeterProvider exporting over OTLP gRPC to
// cfg.OTLPEndpoint. An empty endpoint yields a no-op provider.
func NewProvider(ctx context.Context, cfg config.MetricsConfig) (*Provider, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		return &Provider{
			MeterProvider: noop.NewMeterProvider(),
			Shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	// OTLP gRPC dials host:port; any path is ignored.
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	insecure := cfg.Insecure || u.Scheme != "https"

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(u.Host)}
	if insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, readerOpts...)),
	)
	return &Provider{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
}

// Metrics holds the hub's instruments. A nil *Metrics records nothing.
type Metrics struct {
	connections  metric.Int64UpDownCounter
	routed       metric.Int64Counter
	delivered    metric.Int64Counter
	dropped      metric.Int64Counter
	authFailures metric.Int64Counter
}

// New registers the hub instruments on mp.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		m   Metrics
		err error
	)
	if m.connections, err = meter.Int64UpDownCounter("relay.connections.active",
		metric.WithDescription("Admitted connections currently registered")); err != nil {
		return nil, err
	}
	if m.routed, err = meter.Int64Counter("relay.messages.routed",
		metric.WithDescription("Inbound messages handed to the router")); err != nil {
		return nil, err
	}
	if m.delivered, err = meter.Int64Counter("relay.messages.delivered",
		metric.WithDescription("Per-recipient deliveries accepted by a connection")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("relay.messages.dropped",
		metric.WithDescription("Inbound frames dropped before routing")); err != nil {
		return nil, err
	}
	if m.authFailures, err = meter.Int64Counter("relay.auth.failures",
		metric.WithDescription("Rejected connection attempts")); err != nil {
		return nil, err
	}
	return &m, nil
}

// ConnOpened records an admitted connection.
func (m *Metrics) ConnOpened(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// ConnClosed records a connection leaving the registry.
func (m *Metrics) ConnClosed(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1, metric.WithAttributes(attribute.String("role", role)))
}

// Routed records one routed message and the number of recipients that took it.
func (m *Metrics) Routed(ctx context.Context, senderRole string, delivered int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("sender_role", senderRole))
	m.routed.Add(ctx, 1, attrs)
	m.delivered.Add(ctx, int64(delivered), attrs)
}

// Dropped records an inbound frame that was discarded.
func (m *Metrics) Dropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AuthFailed records a rejected connection attempt.
func (m *Metrics) AuthFailed(ctx context.Context, role, reason string) {
	if m == nil {
		return
	}
	m.authFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("reason", reason),
	))
}
