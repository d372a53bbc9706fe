package scaling

import (
	"context"

	"github.com/smallbiznis/capacity/internal/scaling/domain"
	"github.com/smallbiznis/capacity/internal/scaling/service"
	"go.uber.org/fx"
)

var Module = fx.Module("scaling.service",
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
