package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifyTickReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: fmt.Errorf("tick: %w", context.DeadlineExceeded), want: TickReasonDeadlineExceeded},
		{name: "conflict", err: apperror.New(apperror.ConcurrentModification, "pool_version_conflict"), want: TickReasonConcurrentModification},
		{name: "forbidden", err: apperror.ErrForbidden, want: TickReasonForbidden},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: TickReasonDBLockTimeout},
		{name: "serialization_failure", err: apperror.Wrap(apperror.Internal, "save_document", &pgconn.PgError{Code: "40001"}), want: TickReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: TickReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: TickReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyTickReason(tc.err))
		})
	}
}

func TestObserveTickCountsErrors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewEngineMetrics(registry, Config{ServiceName: "capacity", Environment: "test"})

	m.ObserveTick("evaluate", 10*time.Millisecond, nil)
	m.ObserveTick("evaluate", 10*time.Millisecond, context.DeadlineExceeded)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tickRuns.WithLabelValues("evaluate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tickErrors.WithLabelValues("evaluate", TickReasonDeadlineExceeded)))
}

func TestSetOpenAlertsResetsStaleSeverities(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewEngineMetrics(registry, Config{})

	m.SetOpenAlerts(map[string]int{"high": 2, "low": 1})
	m.SetOpenAlerts(map[string]int{"high": 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.openAlerts.WithLabelValues("high")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.openAlerts))
}
