package domain

import (
	"context"

	"github.com/smallbiznis/capacity/internal/apperror"
)

type Service interface {
	CreateTenant(ctx context.Context, req CreateTenantRequest) (*Tenant, error)
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	WithTenant(ctx context.Context, id string, fn func(Tenant) error) error
	UpdateLimits(ctx context.Context, id string, limits Limits) (*Tenant, error)
	SetStatus(ctx context.Context, id string, status Status) (*Tenant, error)
	Deactivate(ctx context.Context, id string) (*Tenant, error)
	Consumption(ctx context.Context, id string) (Consumption, error)
	RegisterConsumptionSource(src ConsumptionSource)
	Restore(ctx context.Context) error
}

// Lookup is the read side other components validate tenants against.
type Lookup interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	// WithTenant runs fn on a snapshot of the tenant. Limits cannot change until fn returns.
	WithTenant(ctx context.Context, id string, fn func(Tenant) error) error
}

// ConsumptionSource reports what one component holds for a tenant.
type ConsumptionSource interface {
	TenantConsumption(ctx context.Context, tenantID string) (Consumption, error)
}

type CreateTenantRequest struct {
	ID     string
	Name   string
	Tier   Tier
	Limits Limits
}

var (
	ErrTenantNotFound   = apperror.New(apperror.NotFound, "tenant_not_found")
	ErrDuplicateTenant  = apperror.New(apperror.DuplicateTenant, "duplicate_tenant")
	ErrTenantNotActive  = apperror.New(apperror.TenantNotActive, "tenant_not_active")
	ErrLimitBelowUsage  = apperror.New(apperror.LimitBelowUsage, "limit_below_usage")
	ErrInvalidName      = apperror.New(apperror.Invalid, "invalid_name")
	ErrInvalidTier      = apperror.New(apperror.Invalid, "invalid_tier")
	ErrInvalidStatus    = apperror.New(apperror.Invalid, "invalid_status")
	ErrInvalidLimits    = apperror.New(apperror.Invalid, "invalid_limits")
	ErrTenantIDRequired = apperror.New(apperror.Invalid, "tenant_id_required")
)
