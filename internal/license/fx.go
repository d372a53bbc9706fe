package license

import (
	"context"

	"github.com/smallbiznis/capacity/internal/license/domain"
	"github.com/smallbiznis/capacity/internal/license/service"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("license.service",
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
