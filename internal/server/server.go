package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/capacity/internal/config"
	"github.com/smallbiznis/capacity/internal/governance"
	"github.com/smallbiznis/capacity/internal/observability"
	obslogger "github.com/smallbiznis/capacity/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/capacity/internal/observability/metrics"
	obstracing "github.com/smallbiznis/capacity/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type engineParams struct {
	fx.In

	ObsCfg      observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

func registerGin(p engineParams) *gin.Engine {
	return NewEngine(p.ObsCfg, p.HTTPMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, srv *Server) {
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http.server")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	gov    *governance.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Governance *governance.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine: p.Gin,
		gov:    p.Governance,
	}
	s.registerAPIRoutes()
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrRouteNotFound)
	})
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1", ActorContext())

	api.POST("/authorize", s.Authorize)

	api.POST("/tenants", s.CreateTenant)
	api.GET("/tenants", s.ListTenants)
	api.GET("/tenants/:id", s.GetTenant)
	api.PUT("/tenants/:id/limits", s.UpdateTenantLimits)
	api.PUT("/tenants/:id/status", s.SetTenantStatus)
	api.DELETE("/tenants/:id", s.DeactivateTenant)
	api.GET("/tenants/:id/consumption", s.GetTenantConsumption)
	api.GET("/tenants/:id/license-cost", s.GetTenantLicenseCost)

	api.POST("/pools", s.CreatePool)
	api.GET("/pools", s.ListPools)
	api.GET("/pools/:id", s.GetPool)
	api.GET("/pools/:id/utilization", s.PoolUtilization)
	api.GET("/pools/:id/efficiency", s.TenantEfficiency)
	api.POST("/pools/:id/allocate", s.Allocate)
	api.POST("/pools/:id/deallocate", s.Deallocate)
	api.POST("/pools/:id/usage", s.ReportUsage)
	api.PUT("/pools/:id/reserved", s.SetReserved)
	api.PUT("/pools/:id/capacity", s.ResizePool)

	api.POST("/licenses", s.CreateLicense)
	api.GET("/licenses", s.ListLicenses)
	api.GET("/licenses/:id", s.GetLicense)
	api.POST("/licenses/:id/suspend", s.SuspendLicense)
	api.POST("/licenses/:id/resume", s.ResumeLicense)
	api.POST("/licenses/:id/renew", s.RenewLicense)
	api.PUT("/licenses/:id/compliance", s.UpdateLicenseCompliance)
	api.GET("/licenses/:id/seats", s.ListSeats)
	api.POST("/licenses/:id/seats", s.GrantSeat)
	api.DELETE("/licenses/:id/seats/:user", s.RevokeSeat)
	api.POST("/licenses/:id/seats/:user/usage", s.RecordSeatUsage)

	api.POST("/policies", s.CreatePolicy)
	api.GET("/policies", s.ListPolicies)
	api.GET("/policies/:id", s.GetPolicy)
	api.POST("/policies/:id/enable", s.EnablePolicy)
	api.POST("/policies/:id/disable", s.DisablePolicy)
	api.POST("/evaluate", s.EvaluateTick)
	api.GET("/scaling-events", s.ListScalingEvents)

	api.GET("/alerts", s.ListAlerts)
	api.POST("/alerts/sweep", s.SweepAlerts)
	api.POST("/alerts/:id/acknowledge", s.AcknowledgeAlert)

	api.POST("/roles", s.DefineRole)
	api.GET("/roles", s.ListRoles)
	api.GET("/roles/:id/permissions", s.ResolveRolePermissions)
	api.POST("/role-assignments", s.AssignRole)
}
