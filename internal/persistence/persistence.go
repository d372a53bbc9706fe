// Package persistence selects the document backend behind every Repository.
package persistence

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/capacity/internal/config"
	"github.com/smallbiznis/capacity/internal/migration"
	"github.com/smallbiznis/capacity/pkg/db"
	"github.com/smallbiznis/capacity/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("persistence",
	fx.Provide(NewRedisClient),
	fx.Provide(NewBackend),
)

// NewRedisClient returns nil when REDIS_ADDR is unset.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if !cfg.RedisEnabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Redis     *redis.Client `optional:"true"`
}

func NewBackend(p Params) (repository.Backend, error) {
	log := p.Log.Named("persistence")

	switch p.Config.StoreBackend {
	case config.StoreSQL:
		conn, err := db.Open(context.Background(), p.Config, log)
		if err != nil {
			return nil, err
		}
		if err := prepareSchema(conn); err != nil {
			return nil, err
		}
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(context.Context) error {
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				log.Info("closing database connections")
				return sqlDB.Close()
			},
		})
		log.Info("using sql document store", zap.String("dialect", conn.Dialector.Name()))
		return repository.NewGormBackend(conn), nil

	case config.StoreRedis:
		if p.Redis == nil {
			return nil, fmt.Errorf("STORE_BACKEND=redis requires REDIS_ADDR")
		}
		if err := p.Redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info("using redis document store", zap.String("addr", p.Config.RedisAddr))
		return repository.NewRedisBackend(p.Redis, p.Config.AppName), nil

	default:
		log.Info("using in-memory document store")
		return repository.NewMemoryBackend(), nil
	}
}

// prepareSchema runs the embedded migrations on postgres and AutoMigrate elsewhere.
func prepareSchema(conn *gorm.DB) error {
	if conn.Dialector.Name() != "postgres" {
		return repository.AutoMigrate(conn)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return migration.RunMigrations(sqlDB)
}
