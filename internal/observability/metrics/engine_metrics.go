package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/capacity/internal/apperror"
	"gorm.io/gorm"
)

const (
	TickReasonDeadlineExceeded       = "deadline_exceeded"
	TickReasonConcurrentModification = "concurrent_modification"
	TickReasonForbidden              = "forbidden"
	TickReasonDBLockTimeout          = "db_lock_timeout"
	TickReasonSerializationFailure   = "serialization_failure"
	TickReasonUniqueViolation        = "unique_violation"
	TickReasonUnknown                = "unknown"

	TickSkipLockHeld = "lock_held"
)

// EngineMetrics exposes tick health and ledger gauges on the prometheus registry.
type EngineMetrics struct {
	tickRuns           *prometheus.CounterVec
	tickDuration       *prometheus.HistogramVec
	tickErrors         *prometheus.CounterVec
	tickSkipped        *prometheus.CounterVec
	poolUtilization    *prometheus.GaugeVec
	poolAvailable      *prometheus.GaugeVec
	licenseUtilization *prometheus.GaugeVec
	openAlerts         *prometheus.GaugeVec
}

// ProvideEngineMetrics registers engine metrics on the default registerer.
func ProvideEngineMetrics(cfg Config) *EngineMetrics {
	return NewEngineMetrics(prometheus.DefaultRegisterer, cfg)
}

func NewEngineMetrics(registerer prometheus.Registerer, cfg Config) *EngineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName(cfg),
		"env":     environment,
	}

	m := &EngineMetrics{
		tickRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "capacity_tick_runs_total",
			Help:        "Tick jobs executed by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "capacity_tick_duration_seconds",
			Help:        "Tick job latency.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: constLabels,
		}, []string{"job"}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "capacity_tick_errors_total",
			Help:        "Tick job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		tickSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "capacity_tick_skipped_total",
			Help:        "Ticks skipped because another replica holds the lock.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		poolUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "capacity_pool_utilization_percent",
			Help:        "Allocated share of pool capacity.",
			ConstLabels: constLabels,
		}, []string{"pool_id", "kind"}),
		poolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "capacity_pool_available_units",
			Help:        "Unallocated, unreserved pool capacity.",
			ConstLabels: constLabels,
		}, []string{"pool_id", "kind"}),
		licenseUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "capacity_license_utilization_percent",
			Help:        "Used share of license seats.",
			ConstLabels: constLabels,
		}, []string{"license_id", "type"}),
		openAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "capacity_open_alerts",
			Help:        "Unacknowledged alerts by severity.",
			ConstLabels: constLabels,
		}, []string{"severity"}),
	}

	registerer.MustRegister(
		m.tickRuns,
		m.tickDuration,
		m.tickErrors,
		m.tickSkipped,
		m.poolUtilization,
		m.poolAvailable,
		m.licenseUtilization,
		m.openAlerts,
	)
	return m
}

// ObserveTick records one tick job run.
func (m *EngineMetrics) ObserveTick(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.tickRuns.WithLabelValues(job).Inc()
	m.tickDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		m.tickErrors.WithLabelValues(job, ClassifyTickReason(err)).Inc()
	}
}

func (m *EngineMetrics) IncTickSkipped(job, reason string) {
	if m == nil {
		return
	}
	m.tickSkipped.WithLabelValues(job, reason).Inc()
}

func (m *EngineMetrics) SetPool(poolID, kind string, utilization float64, available int64) {
	if m == nil {
		return
	}
	m.poolUtilization.WithLabelValues(poolID, kind).Set(utilization)
	m.poolAvailable.WithLabelValues(poolID, kind).Set(float64(available))
}

func (m *EngineMetrics) SetLicense(licenseID, licenseType string, utilization float64) {
	if m == nil {
		return
	}
	m.licenseUtilization.WithLabelValues(licenseID, licenseType).Set(utilization)
}

// SetOpenAlerts replaces the open-alert gauge with the given counts.
func (m *EngineMetrics) SetOpenAlerts(bySeverity map[string]int) {
	if m == nil {
		return
	}
	m.openAlerts.Reset()
	for severity, n := range bySeverity {
		m.openAlerts.WithLabelValues(severity).Set(float64(n))
	}
}

// ClassifyTickReason maps tick errors to low-cardinality reasons.
func ClassifyTickReason(err error) string {
	switch {
	case err == nil:
		return TickReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return TickReasonDeadlineExceeded
	case apperror.Is(err, apperror.ConcurrentModification):
		return TickReasonConcurrentModification
	case apperror.Is(err, apperror.Forbidden):
		return TickReasonForbidden
	case hasPGCode(err, "55P03"):
		return TickReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return TickReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return TickReasonUniqueViolation
	default:
		return TickReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
