package alert

import (
	"context"

	"github.com/smallbiznis/capacity/internal/alert/domain"
	"github.com/smallbiznis/capacity/internal/alert/service"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.service",
	fx.Provide(service.NewService),
	fx.Invoke(register),
)

// register makes the evaluator react to every committed pool, license and scaling change.
func register(lc fx.Lifecycle, svc domain.Service, pools pooldomain.Service, licenses licensedomain.Service, scaling scalingdomain.Service) {
	pools.Subscribe(svc)
	licenses.Subscribe(svc)
	scaling.Subscribe(svc)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Restore(ctx)
		},
	})
}
