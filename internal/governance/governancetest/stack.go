// Package governancetest wires the whole engine on an in-memory backend for tests.
package governancetest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	acservice "github.com/smallbiznis/capacity/internal/accesscontrol/service"
	alertdomain "github.com/smallbiznis/capacity/internal/alert/domain"
	alertservice "github.com/smallbiznis/capacity/internal/alert/service"
	"github.com/smallbiznis/capacity/internal/clock"
	"github.com/smallbiznis/capacity/internal/config"
	"github.com/smallbiznis/capacity/internal/governance"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	licenseservice "github.com/smallbiznis/capacity/internal/license/service"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	poolservice "github.com/smallbiznis/capacity/internal/resourcepool/service"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
	scalingservice "github.com/smallbiznis/capacity/internal/scaling/service"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	tenantservice "github.com/smallbiznis/capacity/internal/tenant/service"
	"github.com/smallbiznis/capacity/pkg/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Admin is the bootstrapped platform administrator.
var Admin = governance.Actor{TenantID: "platform", UserID: "admin"}

type Stack struct {
	Governance *governance.Service
	Tenants    tenantdomain.Service
	Pools      pooldomain.Service
	Licenses   licensedomain.Service
	Scaling    scalingdomain.Service
	Alerts     alertdomain.Service
	Access     acdomain.Service
	Clock      *clock.FakeClock
	Backend    repository.Backend
}

func New(t testing.TB) *Stack {
	t.Helper()
	ctx := context.Background()
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)
	clk := clock.NewFakeClock(Epoch)
	backend := repository.NewMemoryBackend()
	log := zap.NewNop()
	thresholds := config.NewStaticThresholds(config.DefaultThresholds())

	tenants := tenantservice.NewService(tenantservice.Params{Log: log, GenID: node, Clock: clk, Backend: backend})
	pools := poolservice.NewService(poolservice.Params{Log: log, GenID: node, Clock: clk, Backend: backend, Tenants: tenants})
	licenses := licenseservice.NewService(licenseservice.Params{Log: log, GenID: node, Clock: clk, Backend: backend, Tenants: tenants})
	scaling := scalingservice.NewService(scalingservice.Params{
		Log: log, GenID: node, Clock: clk, Backend: backend, Pools: pools, Tenants: tenants, Thresholds: thresholds,
	})
	alerts := alertservice.NewService(alertservice.Params{
		Log: log, GenID: node, Clock: clk, Backend: backend, Pools: pools, Licenses: licenses, Thresholds: thresholds,
	})
	pools.Subscribe(alerts)
	licenses.Subscribe(alerts)
	scaling.Subscribe(alerts)
	tenants.RegisterConsumptionSource(pools)
	tenants.RegisterConsumptionSource(licenses)

	enforcer, err := acservice.NewEnforcer()
	require.NoError(t, err)
	access := acservice.NewService(acservice.Params{Log: log, Clock: clk, Backend: backend, Enforcer: enforcer, Tenants: tenants})
	require.NoError(t, access.Restore(ctx))

	cfg := config.Config{BootstrapAdminTenant: Admin.TenantID, BootstrapAdminUser: Admin.UserID}
	require.NoError(t, governance.Bootstrap(ctx, log, cfg, tenants, access))

	gov := governance.NewService(governance.Params{
		Log:      log,
		Clock:    clk,
		Access:   access,
		Tenants:  tenants,
		Pools:    pools,
		Licenses: licenses,
		Scaling:  scaling,
		Alerts:   alerts,
	})
	return &Stack{
		Governance: gov,
		Tenants:    tenants,
		Pools:      pools,
		Licenses:   licenses,
		Scaling:    scaling,
		Alerts:     alerts,
		Access:     access,
		Clock:      clk,
		Backend:    backend,
	}
}

// Member creates tenantID if needed and assigns roleID to userID within it.
func (s *Stack) Member(t testing.TB, tenantID, userID, roleID string) governance.Actor {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Tenants.GetTenant(ctx, tenantID); err != nil {
		_, err = s.Governance.CreateTenant(ctx, Admin, tenantdomain.CreateTenantRequest{ID: tenantID, Name: tenantID})
		require.NoError(t, err)
	}
	_, err := s.Governance.AssignRole(ctx, Admin, acdomain.AssignRoleRequest{TenantID: tenantID, UserID: userID, RoleID: roleID})
	require.NoError(t, err)
	return governance.Actor{TenantID: tenantID, UserID: userID}
}
