package observability

import (
	"github.com/smallbiznis/capacity/internal/observability/logger"
	"github.com/smallbiznis/capacity/internal/observability/metrics"
	"github.com/smallbiznis/capacity/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		func(c Config) logger.Config { return c.Logger },
		func(c Config) tracing.Config { return c.Tracing },
		func(c Config) metrics.Config { return c.Metrics },
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.ProvideEngineMetrics,
	),
	// the tracer provider registers itself globally; nothing else depends on it
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
