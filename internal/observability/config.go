package observability

import (
	"strings"

	"github.com/smallbiznis/capacity/internal/config"
	"github.com/smallbiznis/capacity/internal/observability/logger"
	"github.com/smallbiznis/capacity/internal/observability/metrics"
	"github.com/smallbiznis/capacity/internal/observability/tracing"
)

// Config splits the application config into the logger, tracing and metrics settings.
type Config struct {
	Logger  logger.Config
	Tracing tracing.Config
	Metrics metrics.Config

	debug bool
}

func LoadConfig(cfg config.Config) Config {
	service := strings.TrimSpace(cfg.AppName)
	if service == "" {
		service = "capacity"
	}
	env := strings.TrimSpace(cfg.Environment)
	version := strings.TrimSpace(cfg.AppVersion)
	debug := cfg.LogLevel == "debug" || devEnvironment(env)

	return Config{
		Logger: logger.Config{
			ServiceName:         service,
			Environment:         env,
			Version:             version,
			Level:               cfg.LogLevel,
			Format:              cfg.LogFormat,
			IncludeCaller:       true,
			IncludeStackOnError: debug,
		},
		Tracing: tracing.Config{
			Enabled:          cfg.OtelEnabled,
			ServiceName:      service,
			ServiceVersion:   version,
			Environment:      env,
			ExporterEndpoint: cfg.OTLPEndpoint,
			ExporterProtocol: cfg.OTLPProtocol,
			SamplingRatio:    cfg.OtelSamplingRatio,
		},
		Metrics: metrics.Config{
			Enabled:          cfg.OtelEnabled,
			ExporterEndpoint: cfg.OTLPEndpoint,
			ExporterProtocol: cfg.OTLPProtocol,
			ServiceName:      service,
			Environment:      env,
		},
		debug: debug,
	}
}

// Debug enables verbose request logging.
func (c Config) Debug() bool { return c.debug }

func devEnvironment(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
