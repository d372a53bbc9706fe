package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/capacity/internal/accesscontrol"
	"github.com/smallbiznis/capacity/internal/alert"
	"github.com/smallbiznis/capacity/internal/clock"
	"github.com/smallbiznis/capacity/internal/config"
	"github.com/smallbiznis/capacity/internal/governance"
	"github.com/smallbiznis/capacity/internal/license"
	"github.com/smallbiznis/capacity/internal/observability"
	"github.com/smallbiznis/capacity/internal/persistence"
	"github.com/smallbiznis/capacity/internal/resourcepool"
	"github.com/smallbiznis/capacity/internal/scaling"
	"github.com/smallbiznis/capacity/internal/server"
	"github.com/smallbiznis/capacity/internal/tenant"
	"github.com/smallbiznis/capacity/internal/tick"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		persistence.Module,
		clock.Module,

		// Engine components, restored in dependency order on start
		tenant.Module,
		resourcepool.Module,
		license.Module,
		scaling.Module,
		alert.Module,
		accesscontrol.Module,

		// Command surface
		governance.Module,
		server.Module,
		tick.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	return node, nil
}
