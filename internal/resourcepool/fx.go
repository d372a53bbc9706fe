package resourcepool

import (
	"context"

	"github.com/smallbiznis/capacity/internal/resourcepool/domain"
	"github.com/smallbiznis/capacity/internal/resourcepool/service"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("resourcepool.service",
	fx.Provide(service.NewService),
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, svc domain.Service, tenants tenantdomain.Service) {
	tenants.RegisterConsumptionSource(svc)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Restore(ctx)
		},
	})
}
