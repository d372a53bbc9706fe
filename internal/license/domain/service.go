package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/capacity/internal/apperror"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
)

type Service interface {
	CreateLicense(ctx context.Context, req CreateLicenseRequest) (*Record, error)
	GetLicense(ctx context.Context, id string) (*Record, error)
	ListLicenses(ctx context.Context, tenantID string) ([]Record, error)
	Suspend(ctx context.Context, id string) (*Record, error)
	Resume(ctx context.Context, id string) (*Record, error)
	Renew(ctx context.Context, req RenewRequest) (*Record, error)
	UpdateCompliance(ctx context.Context, id string, compliance Compliance) (*Record, error)

	GrantSeat(ctx context.Context, req GrantSeatRequest) (*Allocation, error)
	RevokeSeat(ctx context.Context, licenseID, userID string) (*Allocation, error)
	RecordUsage(ctx context.Context, req RecordUsageRequest) (*Allocation, error)
	ListAllocations(ctx context.Context, licenseID string) ([]Allocation, error)

	TotalAnnualCost(ctx context.Context, tenantID string) (map[string]int64, error)
	TenantConsumption(ctx context.Context, tenantID string) (tenantdomain.Consumption, error)

	Subscribe(obs Observer)
	Restore(ctx context.Context) error
}

// Observer receives the derived record after every committed change.
type Observer interface {
	LicenseChanged(ctx context.Context, license Record, now time.Time)
}

type CreateLicenseRequest struct {
	ID          string
	TenantID    string
	Name        string
	Type        Type
	TotalSeats  int
	Features    []string
	PurchasedAt time.Time
	ActivatesAt *time.Time
	ExpiresAt   time.Time
	Trial       bool
	Cost        Cost
	Compliance  Compliance
}

// RenewRequest keeps the current seat total when NewTotalSeats is zero.
type RenewRequest struct {
	LicenseID     string
	NewExpiration time.Time
	NewTotalSeats int
}

type GrantSeatRequest struct {
	LicenseID string
	UserID    string
	Features  []string
}

type RecordUsageRequest struct {
	LicenseID string
	UserID    string
	Hours     float64
}

var (
	ErrLicenseNotFound     = apperror.New(apperror.NotFound, "license_not_found")
	ErrAllocationNotFound  = apperror.New(apperror.NotFound, "seat_allocation_not_found")
	ErrDuplicateLicense    = apperror.New(apperror.Invalid, "duplicate_license")
	ErrInvalidName         = apperror.New(apperror.Invalid, "invalid_name")
	ErrInvalidType         = apperror.New(apperror.Invalid, "invalid_license_type")
	ErrInvalidSeats        = apperror.New(apperror.Invalid, "invalid_seat_count")
	ErrInvalidExpiration   = apperror.New(apperror.Invalid, "invalid_expiration")
	ErrInvalidCost         = apperror.New(apperror.Invalid, "invalid_cost")
	ErrInvalidHours        = apperror.New(apperror.Invalid, "invalid_usage_hours")
	ErrUserRequired        = apperror.New(apperror.Invalid, "user_id_required")
	ErrFeatureNotLicensed  = apperror.New(apperror.Invalid, "feature_not_licensed")
	ErrNoSeatsAvailable    = apperror.New(apperror.NoSeatsAvailable, "no_seats_available")
	ErrLicenseNotActive    = apperror.New(apperror.LicenseNotActive, "license_not_active")
	ErrInvalidRenewalDate  = apperror.New(apperror.InvalidRenewalDate, "invalid_renewal_date")
	ErrSeatsBelowUsed      = apperror.New(apperror.LimitBelowUsage, "seats_below_used")
	ErrTenantLimitExceeded = apperror.New(apperror.TenantLimitExceeded, "tenant_limit_exceeded")
)
