package tick

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/capacity/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tick",
	fx.Provide(ConfigFrom),
	fx.Provide(provideLock),
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

type lockParams struct {
	fx.In

	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

func provideLock(p lockParams) Lock {
	if locker := NewLocker(p.Redis); locker != nil {
		p.Log.Named("tick").Info("tick lock backed by redis")
		return locker
	}
	return NewLocalLock()
}

func runWorker(lc fx.Lifecycle, cfg config.Config, worker *Worker) {
	if cfg.TickInterval < 0 {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
