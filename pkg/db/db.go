package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/capacity/internal/config"
	obslogger "github.com/smallbiznis/capacity/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/plugin/prometheus"
)

const (
	openAttempts = 5
	openBackoff  = 3 * time.Second
)

// Open connects with retries, applies pool limits and installs the tracing
// and metrics plugins.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	gormLogger := obslogger.NewGormLogger(obslogger.DefaultGormLoggerConfig(cfg.Environment != "production"))

	var conn *gorm.DB
	for attempt := 1; attempt <= openAttempts; attempt++ {
		conn, err = gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
		if err == nil {
			break
		}
		log.Warn("database not ready", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(openBackoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConn)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTime) * time.Second)

	if err := conn.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("register db tracing: %w", err)
	}
	if err := conn.Use(prometheus.New(metricsConfig(cfg))); err != nil {
		return nil, fmt.Errorf("register db metrics: %w", err)
	}

	log.Info("database connected",
		zap.String("type", cfg.DBType),
		zap.String("host", cfg.DBHost),
		zap.String("name", cfg.DBName),
	)
	return conn, nil
}

// metricsConfig exposes connection pool stats on the default registry; /metrics
// is served by the HTTP engine so the plugin never starts its own server.
func metricsConfig(cfg config.Config) prometheus.Config {
	out := prometheus.Config{
		DBName:          cfg.DBName,
		RefreshInterval: 15,
		StartServer:     false,
	}
	if strings.EqualFold(cfg.DBType, "postgres") {
		out.MetricsCollector = []prometheus.MetricsCollector{
			&prometheus.Postgres{VariableNames: []string{"max_connections"}},
		}
	}
	return out
}
