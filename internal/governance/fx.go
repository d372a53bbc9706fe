package governance

import (
	"context"

	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	"github.com/smallbiznis/capacity/internal/config"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	obsmetrics "github.com/smallbiznis/capacity/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("governance",
	fx.Provide(NewService),
	fx.Invoke(registerGauges),
	fx.Invoke(registerBootstrap),
)

type gaugeParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Pools     pooldomain.Service
	Licenses  licensedomain.Service
	Engine    *obsmetrics.EngineMetrics `optional:"true"`
}

func registerGauges(p gaugeParams) {
	if p.Engine == nil {
		return
	}
	g := gauges{engine: p.Engine}
	p.Pools.Subscribe(g)
	p.Licenses.Subscribe(g)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return g.prime(ctx, p.Pools, p.Licenses)
		},
	})
}

func registerBootstrap(lc fx.Lifecycle, log *zap.Logger, cfg config.Config, tenants tenantdomain.Service, access acdomain.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return Bootstrap(ctx, log.Named("governance.bootstrap"), cfg, tenants, access)
		},
	})
}
