package tenant

import (
	"context"

	"github.com/smallbiznis/capacity/internal/tenant/domain"
	"github.com/smallbiznis/capacity/internal/tenant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant.service",
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) domain.Lookup { return svc }),
	fx.Invoke(registerRestore),
)

func registerRestore(lc fx.Lifecycle, svc domain.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Restore(ctx)
		},
	})
}
