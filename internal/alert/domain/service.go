package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/capacity/internal/apperror"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
)

type Service interface {
	EvaluatePool(ctx context.Context, pool pooldomain.Pool, now time.Time) []Alert
	EvaluateLicense(ctx context.Context, license licensedomain.Record, now time.Time) []Alert
	Sweep(ctx context.Context, now time.Time) ([]Alert, error)

	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, filter ListFilter) ([]Alert, error)
	Acknowledge(ctx context.Context, id, by string) (*Alert, error)
	OpenCounts(ctx context.Context) map[Severity]int

	// observer hooks
	PoolChanged(ctx context.Context, pool pooldomain.Pool, now time.Time)
	LicenseChanged(ctx context.Context, license licensedomain.Record, now time.Time)
	ScalingEventRecorded(ctx context.Context, event scalingdomain.Event, policy scalingdomain.Policy, now time.Time)

	Restore(ctx context.Context) error
}

// ListFilter fields are optional. Acknowledged nil matches both states.
type ListFilter struct {
	TenantID     string
	SourceID     string
	Kind         Kind
	Severity     Severity
	Acknowledged *bool
}

var ErrAlertNotFound = apperror.New(apperror.NotFound, "alert_not_found")
