package governance

import (
	"context"
	"time"

	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	obsmetrics "github.com/smallbiznis/capacity/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
)

// gauges mirrors pool and license utilization onto the prometheus registry.
type gauges struct {
	engine *obsmetrics.EngineMetrics
}

func (g gauges) PoolChanged(_ context.Context, pool pooldomain.Pool, _ time.Time) {
	g.engine.SetPool(pool.ID, string(pool.Kind), pool.Utilization(), pool.Available())
}

func (g gauges) LicenseChanged(_ context.Context, rec licensedomain.Record, _ time.Time) {
	g.engine.SetLicense(rec.ID, string(rec.Type), rec.UtilizationRate)
}

// prime publishes the restored state once so gauges exist before the first mutation.
func (g gauges) prime(ctx context.Context, pools pooldomain.Service, licenses licensedomain.Service) error {
	ps, err := pools.ListPools(ctx, pooldomain.ListPoolsFilter{})
	if err != nil {
		return err
	}
	for _, p := range ps {
		g.PoolChanged(ctx, p, time.Time{})
	}
	ls, err := licenses.ListLicenses(ctx, "")
	if err != nil {
		return err
	}
	for _, l := range ls {
		g.LicenseChanged(ctx, l, time.Time{})
	}
	return nil
}
