package governance_test

import (
	"context"
	"testing"
	"time"

	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	alertdomain "github.com/smallbiznis/capacity/internal/alert/domain"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/governance"
	"github.com/smallbiznis/capacity/internal/governance/governancetest"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var admin = governancetest.Admin

func TestBootstrapIsIdempotent(t *testing.T) {
	st := governancetest.New(t)
	ctx := context.Background()

	role, err := st.Access.RoleOf(ctx, admin.TenantID, admin.UserID)
	require.NoError(t, err)
	assert.Equal(t, acdomain.RolePlatformAdmin, role.ID)

	require.NoError(t, governance.Bootstrap(ctx, nopLogger(), bootstrapConfig(), st.Tenants, st.Access))
	tenants, err := st.Governance.ListTenants(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, tenants, 1)
}

func TestTenantIsolationOnPools(t *testing.T) {
	st := governancetest.New(t)
	ctx := context.Background()
	alice := st.Member(t, "acme", "alice", acdomain.RoleTenantAdmin)
	bob := st.Member(t, "beta", "bob", acdomain.RoleTenantOperator)

	_, err := st.Governance.CreatePool(ctx, admin, pooldomain.CreatePoolRequest{ID: "p1", Name: "compute", Kind: pooldomain.KindCompute, Total: 1000})
	require.NoError(t, err)
	_, err = st.Governance.CreatePool(ctx, alice, pooldomain.CreatePoolRequest{ID: "p2", Name: "mine", Kind: pooldomain.KindCompute, Total: 10})
	require.ErrorIs(t, err, apperror.ErrForbidden)

	_, err = st.Governance.Allocate(ctx, alice, pooldomain.AllocateRequest{PoolID: "p1", TenantID: "acme", Amount: 300})
	require.NoError(t, err)
	_, err = st.Governance.Allocate(ctx, bob, pooldomain.AllocateRequest{PoolID: "p1", TenantID: "beta", Amount: 200})
	require.NoError(t, err)

	_, err = st.Governance.Allocate(ctx, alice, pooldomain.AllocateRequest{PoolID: "p1", TenantID: "beta", Amount: 1})
	require.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = st.Governance.Deallocate(ctx, bob, pooldomain.DeallocateRequest{PoolID: "p1", TenantID: "acme", Amount: 1})
	require.ErrorIs(t, err, apperror.ErrForbidden)

	pool, err := st.Governance.GetPool(ctx, alice, "p1")
	require.NoError(t, err)
	assert.Len(t, pool.Allocations, 1)
	assert.Contains(t, pool.Allocations, "acme")

	full, err := st.Governance.GetPool(ctx, admin, "p1")
	require.NoError(t, err)
	assert.Len(t, full.Allocations, 2)
	assert.EqualValues(t, 500, full.AllocatedSum())

	pools, err := st.Governance.ListPools(ctx, bob, pooldomain.ListPoolsFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.NotContains(t, pools[0].Allocations, "acme")
}

func TestPoolRatiosRespectTenantScope(t *testing.T) {
	st := governancetest.New(t)
	ctx := context.Background()
	alice := st.Member(t, "acme", "alice", acdomain.RoleTenantAdmin)
	st.Member(t, "beta", "bob", acdomain.RoleTenantOperator)

	_, err := st.Governance.CreatePool(ctx, admin, pooldomain.CreatePoolRequest{ID: "p1", Name: "compute", Kind: pooldomain.KindCompute, Total: 1000})
	require.NoError(t, err)
	_, err = st.Governance.Allocate(ctx, alice, pooldomain.AllocateRequest{PoolID: "p1", TenantID: "acme", Amount: 300})
	require.NoError(t, err)
	_, err = st.Governance.Allocate(ctx, admin, pooldomain.AllocateRequest{PoolID: "p1", TenantID: "beta", Amount: 200})
	require.NoError(t, err)
	_, err = st.Governance.ReportUsage(ctx, alice, pooldomain.ReportUsageRequest{PoolID: "p1", TenantID: "acme", Value: 150})
	require.NoError(t, err)

	utilization, err := st.Governance.PoolUtilization(ctx, admin, "p1")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, utilization, 0.001)
	_, err = st.Governance.PoolUtilization(ctx, alice, "p1")
	require.ErrorIs(t, err, apperror.ErrForbidden)

	efficiency, err := st.Governance.TenantEfficiency(ctx, alice, "p1", "acme")
	require.NoError(t, err)
	assert.InDelta(t, 50.0, efficiency, 0.001)
	_, err = st.Governance.TenantEfficiency(ctx, alice, "p1", "beta")
	require.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestViewerCannotMutate(t *testing.T) {
	st := governancetest.New(t)
	ctx := context.Background()
	viewer := st.Member(t, "acme", "vera", acdomain.RoleTenantViewer)
	_, err := st.Governance.CreatePool(ctx, admin, pooldomain.CreatePoolRequest{ID: "p1", Name: "compute", Kind: pooldomain.KindCompute, Total: 100})
	require.NoError(t, err)

	_, err = st.Governance.Allocate(ctx, viewer, pooldomain.AllocateRequest{PoolID: "p1", TenantID: "acme", Amount: 1})
	require.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = st.Governance.GetPool(ctx, viewer, "p1")
	require.NoError(t, err)

	_, err = st.Governance.GetPool(ctx, governance.Actor{TenantID: "acme", UserID: "stranger"}, "p1")
	require.ErrorIs(t, err, apperror.ErrForbidden)
	_, err = st.Governance.GetPool(ctx, governance.Actor{}, "p1")
	require.ErrorIs(t, err, governance.ErrActorRequired)
}

func TestAdministrativeRolesCannotBeSelfAssigned(t *testing.T) {
	st := governancetest.New(t)
	ctx := context.Background()
	alice := st.Member(t, "acme", "alice", acdomain.RoleTenantAdmin)

	_, err := st.Governance.AssignRole(ctx, alice, acdomain.AssignRoleRequest{TenantID: "acme", UserID: "alice", RoleID: acdomain.RolePlatformAdmin})
	require.ErrorIs(t, err, governance.ErrAdministrativeRole)

	assigned, err := st.Governance.AssignRole(ctx, alice, acdomain.AssignRoleRequest{TenantID: "acme", UserID: "carol", RoleID: acdomain.RoleTenantViewer})
	require.NoError(t, err)
	assert.Equal(t, "alice", assigned.AssignedBy)

	_, err = st.Governance.AssignRole(ctx, alice, acdomain.AssignRoleRequest{TenantID: "beta", UserID: "carol", RoleID: acdomain.RoleTenantViewer})
	require.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestLicenseCommandsFollowLicenseTenant(t *testing.T) {
	st := governancetest.New(t)
	ctx := context.Background()
	alice := st.Member(t, "acme", "alice", acdomain.RoleTenantAdmin)
	bob := st.Member(t, "beta", "bob", acdomain.RoleTenantAdmin)

	_, err := st.Governance.CreateLicense(ctx, alice, licensedomain.CreateLicenseRequest{
		ID:          "lic-1",
		TenantID:    "acme",
		Name:        "CAD Suite",
		Type:        licensedomain.TypeNamed,
		TotalSeats:  2,
		PurchasedAt: governancetest.Epoch,
		ExpiresAt:   governancetest.Epoch.Add(365 * 24 * time.Hour),
		Cost:        licensedomain.Cost{Amount: 1200, Currency: "USD", Period: licensedomain.PeriodAnnual},
	})
	require.NoError(t, err)

	_, err = st.Governance.GrantSeat(ctx, alice, licensedomain.GrantSeatRequest{LicenseID: "lic-1", UserID: "u1"})
	require.NoError(t, err)
	_, err = st.Governance.GrantSeat(ctx, bob, licensedomain.GrantSeatRequest{LicenseID: "lic-1", UserID: "u2"})
	require.ErrorIs(t, err, apperror.ErrForbidden)

	cost, err := st.Governance.TotalAnnualCost(ctx, alice, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"USD": 1200}, cost)

	list, err := st.Governance.ListLicenses(ctx, bob, "acme")
	require.NoError(t, err)
	assert.Empty(t, list)

	seats, err := st.Governance.ListSeats(ctx, admin, "lic-1")
	require.NoError(t, err)
	assert.Len(t, seats, 1)
}

func TestEvaluateTickRaisesAlerts(t *testing.T) {
	st := governancetest.New(t)
	ctx := context.Background()
	alice := st.Member(t, "acme", "alice", acdomain.RoleTenantOperator)

	_, err := st.Governance.CreatePool(ctx, admin, pooldomain.CreatePoolRequest{ID: "p1", Name: "compute", Kind: pooldomain.KindCompute, Total: 100})
	require.NoError(t, err)
	cooldown := time.Duration(0)
	_, err = st.Governance.CreatePolicy(ctx, admin, scalingdomain.CreatePolicyRequest{
		ID:           "grow",
		Name:         "grow",
		ResourceKind: pooldomain.KindCompute,
		Triggers:     []scalingdomain.Trigger{{Metric: scalingdomain.MetricUtilization, Operator: scalingdomain.OpGreaterEqual, Threshold: 80}},
		Actions:      []scalingdomain.Action{{Kind: scalingdomain.ActionScaleUp, Amount: 50}},
		Cooldown:     &cooldown,
	})
	require.NoError(t, err)

	_, err = st.Governance.Allocate(ctx, alice, pooldomain.AllocateRequest{PoolID: "p1", TenantID: "acme", Amount: 90})
	require.NoError(t, err)

	_, err = st.Governance.EvaluateTick(ctx, alice)
	require.ErrorIs(t, err, apperror.ErrForbidden)

	events, err := st.Governance.EvaluateTick(ctx, admin)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, scalingdomain.OutcomeCompleted, events[0].Outcome)
	assert.EqualValues(t, 150, events[0].CapacityAfter)

	alerts, err := st.Governance.ListAlerts(ctx, admin, alertdomain.ListFilter{SourceID: "p1"})
	require.NoError(t, err)
	require.NotEmpty(t, alerts)
	assert.True(t, alerts[0].ConditionCleared)

	own, err := st.Governance.ListAlerts(ctx, alice, alertdomain.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, own)

	_, err = st.Governance.AcknowledgeAlert(ctx, alice, alerts[0].ID)
	require.ErrorIs(t, err, apperror.ErrForbidden)
	acked, err := st.Governance.AcknowledgeAlert(ctx, admin, alerts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, admin.UserID, acked.AcknowledgedBy)
}

func TestDeactivateTenantIsPlatformOnly(t *testing.T) {
	st := governancetest.New(t)
	ctx := context.Background()
	alice := st.Member(t, "acme", "alice", acdomain.RoleTenantAdmin)

	_, err := st.Governance.DeactivateTenant(ctx, alice, "acme")
	require.ErrorIs(t, err, apperror.ErrForbidden)

	tenant, err := st.Governance.DeactivateTenant(ctx, admin, "acme")
	require.NoError(t, err)
	assert.Equal(t, tenantdomain.StatusInactive, tenant.Status)
}
