package governance

import (
	"context"

	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
)

func (s *Service) CreatePool(ctx context.Context, actor Actor, req pooldomain.CreatePoolRequest) (_ *pooldomain.Pool, err error) {
	ctx, span := s.start(ctx, "CreatePool", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPoolCreate, platformResource); err != nil {
		return nil, err
	}
	return s.pools.CreatePool(ctx, req)
}

// GetPool returns the full pool to administrative actors and the caller's own projection otherwise.
func (s *Service) GetPool(ctx context.Context, actor Actor, id string) (_ *pooldomain.Pool, err error) {
	ctx, span := s.start(ctx, "GetPool", actor)
	defer func() { finish(span, err) }()
	_, admin, err := s.scope(ctx, actor, acdomain.ActionPoolRead, "")
	if err != nil {
		return nil, err
	}
	pool, err := s.pools.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin {
		projected := pool.ForTenant(actor.TenantID)
		return &projected, nil
	}
	return pool, nil
}

func (s *Service) ListPools(ctx context.Context, actor Actor, filter pooldomain.ListPoolsFilter) (_ []pooldomain.Pool, err error) {
	ctx, span := s.start(ctx, "ListPools", actor)
	defer func() { finish(span, err) }()
	tenantID, admin, err := s.scope(ctx, actor, acdomain.ActionPoolRead, filter.TenantID)
	if err != nil {
		return nil, err
	}
	filter.TenantID = tenantID
	pools, err := s.pools.ListPools(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !admin {
		for i := range pools {
			pools[i] = pools[i].ForTenant(actor.TenantID)
		}
	}
	return pools, nil
}

func (s *Service) Allocate(ctx context.Context, actor Actor, req pooldomain.AllocateRequest) (_ *pooldomain.Allocation, err error) {
	ctx, span := s.start(ctx, "Allocate", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPoolAllocate, req.TenantID); err != nil {
		return nil, err
	}
	return s.pools.Allocate(ctx, req)
}

func (s *Service) Deallocate(ctx context.Context, actor Actor, req pooldomain.DeallocateRequest) (_ *pooldomain.Allocation, err error) {
	ctx, span := s.start(ctx, "Deallocate", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPoolDeallocate, req.TenantID); err != nil {
		return nil, err
	}
	return s.pools.Deallocate(ctx, req)
}

func (s *Service) ReportUsage(ctx context.Context, actor Actor, req pooldomain.ReportUsageRequest) (_ *pooldomain.Allocation, err error) {
	ctx, span := s.start(ctx, "ReportUsage", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPoolReportUsage, req.TenantID); err != nil {
		return nil, err
	}
	return s.pools.ReportUsage(ctx, req)
}

func (s *Service) SetReserved(ctx context.Context, actor Actor, req pooldomain.SetReservedRequest) (_ *pooldomain.Pool, err error) {
	ctx, span := s.start(ctx, "SetReserved", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPoolReserve, platformResource); err != nil {
		return nil, err
	}
	return s.pools.SetReserved(ctx, req)
}

func (s *Service) Resize(ctx context.Context, actor Actor, req pooldomain.ResizeRequest) (_ *pooldomain.Pool, err error) {
	ctx, span := s.start(ctx, "Resize", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPoolResize, platformResource); err != nil {
		return nil, err
	}
	return s.pools.Resize(ctx, req)
}

// PoolUtilization aggregates every tenant on the pool, so it is limited to administrative actors.
func (s *Service) PoolUtilization(ctx context.Context, actor Actor, poolID string) (_ float64, err error) {
	ctx, span := s.start(ctx, "PoolUtilization", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPoolRead, platformResource); err != nil {
		return 0, err
	}
	return s.pools.Utilization(ctx, poolID)
}

func (s *Service) TenantEfficiency(ctx context.Context, actor Actor, poolID, tenantID string) (_ float64, err error) {
	ctx, span := s.start(ctx, "TenantEfficiency", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPoolRead, tenantID); err != nil {
		return 0, err
	}
	return s.pools.TenantEfficiency(ctx, poolID, tenantID)
}
