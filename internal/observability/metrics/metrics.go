package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes engine-level instruments.
type Metrics struct {
	allocations   metric.Int64Counter
	seats         metric.Int64Counter
	scalingEvents metric.Int64Counter
	alerts        metric.Int64Counter
	denials       metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the engine instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceName(cfg))

	allocations, err := meter.Int64Counter("capacity_pool_mutations_total")
	if err != nil {
		return nil, err
	}
	seats, err := meter.Int64Counter("capacity_seat_operations_total")
	if err != nil {
		return nil, err
	}
	scalingEvents, err := meter.Int64Counter("capacity_scaling_events_total")
	if err != nil {
		return nil, err
	}
	alerts, err := meter.Int64Counter("capacity_alerts_raised_total")
	if err != nil {
		return nil, err
	}
	denials, err := meter.Int64Counter("capacity_authorization_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		allocations:   allocations,
		seats:         seats,
		scalingEvents: scalingEvents,
		alerts:        alerts,
		denials:       denials,
	}, nil
}

// NewNop returns instruments backed by a no-op provider.
func NewNop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordPoolMutation counts pool ledger commands by outcome.
func (m *Metrics) RecordPoolMutation(ctx context.Context, operation, kind, outcome string) {
	if m == nil {
		return
	}
	m.allocations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
		attribute.String("pool_kind", kind),
		attribute.String("outcome", outcome),
	)...))
}

// RecordSeatOperation counts grant/revoke/renew commands by outcome.
func (m *Metrics) RecordSeatOperation(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}
	m.seats.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)...))
}

// RecordScalingEvent counts scaling firings by action and outcome.
func (m *Metrics) RecordScalingEvent(ctx context.Context, action, outcome string) {
	if m == nil {
		return
	}
	m.scalingEvents.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	)...))
}

// RecordAlert counts raised or escalated alerts.
func (m *Metrics) RecordAlert(ctx context.Context, kind, severity string) {
	if m == nil {
		return
	}
	m.alerts.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("alert_kind", kind),
		attribute.String("severity", severity),
	)...))
}

// RecordDenied counts Forbidden authorization decisions.
func (m *Metrics) RecordDenied(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.denials.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("action", action),
	)...))
}

// HTTPMetrics records request counts and latency.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func NewHTTPMetrics(cfg Config, provider metric.MeterProvider) (*HTTPMetrics, error) {
	meter := provider.Meter(serviceName(cfg) + "/http")
	requests, err := meter.Int64Counter("capacity_http_requests_total")
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("capacity_http_request_duration_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &HTTPMetrics{requests: requests, duration: duration}, nil
}

// GinMiddleware records per-route request metrics.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		attrs := metric.WithAttributes(FilterAttributes(
			attribute.String("endpoint", c.Request.Method+" "+route),
			attribute.String("status_code", strconv.Itoa(c.Writer.Status())),
		)...)
		ctx := c.Request.Context()
		m.requests.Add(ctx, 1, attrs)
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func serviceName(cfg Config) string {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		return "capacity"
	}
	return name
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation":   {},
	"pool_kind":   {},
	"outcome":     {},
	"action":      {},
	"alert_kind":  {},
	"severity":    {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
