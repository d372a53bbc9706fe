package accesscontrol

import (
	"context"

	"github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	"github.com/smallbiznis/capacity/internal/accesscontrol/service"
	"go.uber.org/fx"
)

var Module = fx.Module("accesscontrol.service",
	fx.Provide(service.NewEnforcer),
	fx.Provide(service.NewService),
	fx.Invoke(registerRestore),
)

func registerRestore(lc fx.Lifecycle, svc domain.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Restore(ctx)
		},
	})
}
