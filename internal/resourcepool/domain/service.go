package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/capacity/internal/apperror"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
)

type Service interface {
	CreatePool(ctx context.Context, req CreatePoolRequest) (*Pool, error)
	GetPool(ctx context.Context, id string) (*Pool, error)
	ListPools(ctx context.Context, filter ListPoolsFilter) ([]Pool, error)

	Allocate(ctx context.Context, req AllocateRequest) (*Allocation, error)
	Deallocate(ctx context.Context, req DeallocateRequest) (*Allocation, error)
	ReportUsage(ctx context.Context, req ReportUsageRequest) (*Allocation, error)
	SetReserved(ctx context.Context, req SetReservedRequest) (*Pool, error)
	Resize(ctx context.Context, req ResizeRequest) (*Pool, error)

	Utilization(ctx context.Context, poolID string) (float64, error)
	TenantEfficiency(ctx context.Context, poolID, tenantID string) (float64, error)
	TenantConsumption(ctx context.Context, tenantID string) (tenantdomain.Consumption, error)

	Subscribe(obs Observer)
	Restore(ctx context.Context) error
}

// Observer is notified with the committed snapshot after every successful mutation.
type Observer interface {
	PoolChanged(ctx context.Context, pool Pool, now time.Time)
}

type CreatePoolRequest struct {
	ID       string
	Name     string
	Kind     Kind
	Region   string
	Total    int64
	Reserved int64
}

type ListPoolsFilter struct {
	Kind     Kind
	TenantID string
}

// ExpectedVersion, when set, rejects the command if the pool moved on since the caller read it.
type AllocateRequest struct {
	PoolID          string
	TenantID        string
	Amount          int64
	ExpectedVersion *uint64
}

type DeallocateRequest struct {
	PoolID          string
	TenantID        string
	Amount          int64
	ExpectedVersion *uint64
}

// ReportUsageRequest is one telemetry snapshot for a tenant entry.
type ReportUsageRequest struct {
	PoolID          string
	TenantID        string
	Value           int64
	ObservedAt      time.Time
	ExpectedVersion *uint64
}

type SetReservedRequest struct {
	PoolID          string
	Reserved        int64
	ExpectedVersion *uint64
}

type ResizeRequest struct {
	PoolID          string
	Total           int64
	ExpectedVersion *uint64
}

var (
	ErrPoolNotFound           = apperror.New(apperror.NotFound, "pool_not_found")
	ErrDuplicatePool          = apperror.New(apperror.Invalid, "duplicate_pool")
	ErrInvalidKind            = apperror.New(apperror.Invalid, "invalid_kind")
	ErrInvalidName            = apperror.New(apperror.Invalid, "invalid_name")
	ErrInvalidCapacity        = apperror.New(apperror.Invalid, "invalid_capacity")
	ErrInvalidAmount          = apperror.New(apperror.Invalid, "invalid_amount")
	ErrInsufficientCapacity   = apperror.New(apperror.InsufficientCapacity, "insufficient_capacity")
	ErrUsageExceedsAllocation = apperror.New(apperror.UsageExceedsAllocation, "usage_exceeds_allocation")
	ErrOverRelease            = apperror.New(apperror.OverRelease, "over_release")
	ErrTenantLimitExceeded    = apperror.New(apperror.TenantLimitExceeded, "tenant_limit_exceeded")
	ErrVersionConflict        = apperror.New(apperror.ConcurrentModification, "pool_version_conflict")
	ErrCapacityBelowCommitted = apperror.New(apperror.InsufficientCapacity, "capacity_below_committed")
)
