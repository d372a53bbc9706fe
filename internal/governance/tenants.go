package governance

import (
	"context"

	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
)

func (s *Service) CreateTenant(ctx context.Context, actor Actor, req tenantdomain.CreateTenantRequest) (_ *tenantdomain.Tenant, err error) {
	ctx, span := s.start(ctx, "CreateTenant", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionTenantCreate, platformResource); err != nil {
		return nil, err
	}
	return s.tenants.CreateTenant(ctx, req)
}

func (s *Service) GetTenant(ctx context.Context, actor Actor, id string) (_ *tenantdomain.Tenant, err error) {
	ctx, span := s.start(ctx, "GetTenant", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionTenantRead, id); err != nil {
		return nil, err
	}
	return s.tenants.GetTenant(ctx, id)
}

func (s *Service) ListTenants(ctx context.Context, actor Actor) (_ []tenantdomain.Tenant, err error) {
	ctx, span := s.start(ctx, "ListTenants", actor)
	defer func() { finish(span, err) }()
	_, admin, err := s.scope(ctx, actor, acdomain.ActionTenantRead, "")
	if err != nil {
		return nil, err
	}
	if !admin {
		t, err := s.tenants.GetTenant(ctx, actor.TenantID)
		if err != nil {
			return nil, err
		}
		return []tenantdomain.Tenant{*t}, nil
	}
	return s.tenants.ListTenants(ctx)
}

func (s *Service) UpdateLimits(ctx context.Context, actor Actor, id string, limits tenantdomain.Limits) (_ *tenantdomain.Tenant, err error) {
	ctx, span := s.start(ctx, "UpdateLimits", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionTenantUpdateLimit, platformResource); err != nil {
		return nil, err
	}
	return s.tenants.UpdateLimits(ctx, id, limits)
}

func (s *Service) SetTenantStatus(ctx context.Context, actor Actor, id string, status tenantdomain.Status) (_ *tenantdomain.Tenant, err error) {
	ctx, span := s.start(ctx, "SetTenantStatus", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionTenantSetStatus, platformResource); err != nil {
		return nil, err
	}
	return s.tenants.SetStatus(ctx, id, status)
}

// DeactivateTenant is a soft delete; allocations and seats stay on the ledger.
func (s *Service) DeactivateTenant(ctx context.Context, actor Actor, id string) (_ *tenantdomain.Tenant, err error) {
	ctx, span := s.start(ctx, "DeactivateTenant", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionTenantSetStatus, platformResource); err != nil {
		return nil, err
	}
	return s.tenants.Deactivate(ctx, id)
}

func (s *Service) TenantConsumption(ctx context.Context, actor Actor, id string) (_ tenantdomain.Consumption, err error) {
	ctx, span := s.start(ctx, "TenantConsumption", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionTenantRead, id); err != nil {
		return tenantdomain.Consumption{}, err
	}
	return s.tenants.Consumption(ctx, id)
}
