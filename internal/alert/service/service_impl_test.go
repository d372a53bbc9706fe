package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/capacity/internal/alert/domain"
	"github.com/smallbiznis/capacity/internal/clock"
	"github.com/smallbiznis/capacity/internal/config"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	licenseservice "github.com/smallbiznis/capacity/internal/license/service"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	poolservice "github.com/smallbiznis/capacity/internal/resourcepool/service"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
	scalingservice "github.com/smallbiznis/capacity/internal/scaling/service"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	tenantservice "github.com/smallbiznis/capacity/internal/tenant/service"
	"github.com/smallbiznis/capacity/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	alerts   *Service
	pools    pooldomain.Service
	licenses licensedomain.Service
	scaling  scalingdomain.Service
	clock    *clock.FakeClock
	backend  repository.Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	clk := clock.NewFakeClock(epoch)
	backend := repository.NewMemoryBackend()
	log := zap.NewNop()
	thresholds := config.NewStaticThresholds(config.DefaultThresholds())

	tenants := tenantservice.NewService(tenantservice.Params{Log: log, GenID: node, Clock: clk, Backend: backend})
	pools := poolservice.NewService(poolservice.Params{Log: log, GenID: node, Clock: clk, Backend: backend, Tenants: tenants})
	licenses := licenseservice.NewService(licenseservice.Params{Log: log, GenID: node, Clock: clk, Backend: backend, Tenants: tenants})
	scaling := scalingservice.NewService(scalingservice.Params{
		Log: log, GenID: node, Clock: clk, Backend: backend, Pools: pools, Tenants: tenants, Thresholds: thresholds,
	})
	alerts := NewService(Params{
		Log: log, GenID: node, Clock: clk, Backend: backend, Pools: pools, Licenses: licenses, Thresholds: thresholds,
	}).(*Service)
	pools.Subscribe(alerts)
	licenses.Subscribe(alerts)
	scaling.Subscribe(alerts)

	_, err = tenants.CreateTenant(ctx, tenantdomain.CreateTenantRequest{ID: "acme", Name: "acme"})
	require.NoError(t, err)
	return &fixture{alerts: alerts, pools: pools, licenses: licenses, scaling: scaling, clock: clk, backend: backend}
}

func (f *fixture) open(t *testing.T, sourceID string) []domain.Alert {
	t.Helper()
	no := false
	out, err := f.alerts.List(context.Background(), domain.ListFilter{SourceID: sourceID, Acknowledged: &no})
	require.NoError(t, err)
	return out
}

func TestSeverityBands(t *testing.T) {
	bands := config.DefaultThresholds()
	cases := []struct {
		pct  float64
		want domain.Severity
		ok   bool
	}{
		{74.9, "", false},
		{75, domain.SeverityMedium, true},
		{90, domain.SeverityHigh, true},
		{100, domain.SeverityCritical, true},
	}
	for _, tc := range cases {
		got, ok := domain.UtilizationSeverity(tc.pct, bands.Utilization)
		assert.Equal(t, tc.ok, ok, tc.pct)
		assert.Equal(t, tc.want, got, tc.pct)
	}

	days := []struct {
		days int
		want domain.Severity
		ok   bool
	}{
		{91, "", false},
		{90, domain.SeverityMedium, true},
		{30, domain.SeverityHigh, true},
		{0, domain.SeverityCritical, true},
		{-5, domain.SeverityCritical, true},
	}
	for _, tc := range days {
		got, ok := domain.ExpirationSeverity(tc.days, bands.Expiration)
		assert.Equal(t, tc.ok, ok, tc.days)
		assert.Equal(t, tc.want, got, tc.days)
	}

	due := epoch.Add(10 * 24 * time.Hour)
	sev, ok := domain.ComplianceSeverity(&due, epoch, 30)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityMedium, sev)
	sev, _ = domain.ComplianceSeverity(&due, epoch.Add(11*24*time.Hour), 30)
	assert.Equal(t, domain.SeverityHigh, sev)
	_, ok = domain.ComplianceSeverity(nil, epoch, 30)
	assert.False(t, ok)
}

func TestPoolUtilizationDedupesAndEscalates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.pools.CreatePool(ctx, pooldomain.CreatePoolRequest{ID: "cpu", Name: "cpu", Kind: pooldomain.KindCompute, Total: 100})
	require.NoError(t, err)

	_, err = f.pools.Allocate(ctx, pooldomain.AllocateRequest{PoolID: "cpu", TenantID: "acme", Amount: 80})
	require.NoError(t, err)
	open := f.open(t, "cpu")
	require.Len(t, open, 1)
	assert.Equal(t, domain.SeverityMedium, open[0].Severity)
	first := open[0].ID

	_, err = f.pools.Allocate(ctx, pooldomain.AllocateRequest{PoolID: "cpu", TenantID: "acme", Amount: 1})
	require.NoError(t, err)
	require.Len(t, f.open(t, "cpu"), 1)

	_, err = f.pools.Allocate(ctx, pooldomain.AllocateRequest{PoolID: "cpu", TenantID: "acme", Amount: 19})
	require.NoError(t, err)
	open = f.open(t, "cpu")
	require.Len(t, open, 1)
	assert.Equal(t, first, open[0].ID)
	assert.Equal(t, domain.SeverityCritical, open[0].Severity)

	// never downgraded while open
	_, err = f.pools.Deallocate(ctx, pooldomain.DeallocateRequest{PoolID: "cpu", TenantID: "acme", Amount: 20})
	require.NoError(t, err)
	open = f.open(t, "cpu")
	require.Len(t, open, 1)
	assert.Equal(t, domain.SeverityCritical, open[0].Severity)

	counts := f.alerts.OpenCounts(ctx)
	assert.Equal(t, 1, counts[domain.SeverityCritical])
}

func TestAcknowledgeIsIdempotentAndHoldingConditionReraises(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.pools.CreatePool(ctx, pooldomain.CreatePoolRequest{ID: "cpu", Name: "cpu", Kind: pooldomain.KindCompute, Total: 100})
	require.NoError(t, err)
	_, err = f.pools.Allocate(ctx, pooldomain.AllocateRequest{PoolID: "cpu", TenantID: "acme", Amount: 80})
	require.NoError(t, err)
	open := f.open(t, "cpu")
	require.Len(t, open, 1)

	once, err := f.alerts.Acknowledge(ctx, open[0].ID, "ops")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	twice, err := f.alerts.Acknowledge(ctx, open[0].ID, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	_, err = f.alerts.Acknowledge(ctx, "missing", "ops")
	require.ErrorIs(t, err, domain.ErrAlertNotFound)

	// the condition still holds, so the next pass raises an unacknowledged alert
	_, err = f.pools.Allocate(ctx, pooldomain.AllocateRequest{PoolID: "cpu", TenantID: "acme", Amount: 1})
	require.NoError(t, err)
	_, err = f.alerts.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	reraised := f.open(t, "cpu")
	require.Len(t, reraised, 1)
	assert.NotEqual(t, once.ID, reraised[0].ID)

	_, err = f.alerts.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Len(t, f.open(t, "cpu"), 1)

	all, err := f.alerts.List(ctx, domain.ListFilter{SourceID: "cpu"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	acked, err := f.alerts.Get(ctx, once.ID)
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "ops", acked.AcknowledgedBy)
}

func TestLicenseAlertsFromSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	due := epoch.AddDate(0, 0, 45)
	_, err := f.licenses.CreateLicense(ctx, licensedomain.CreateLicenseRequest{
		ID:         "cad",
		TenantID:   "acme",
		Name:       "CAD",
		Type:       licensedomain.TypeNamed,
		TotalSeats: 4,
		ExpiresAt:  epoch.AddDate(0, 0, 120),
		Compliance: licensedomain.Compliance{NextAuditDue: &due},
	})
	require.NoError(t, err)
	assert.Empty(t, f.open(t, "cad"))

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err = f.licenses.GrantSeat(ctx, licensedomain.GrantSeatRequest{LicenseID: "cad", UserID: u})
		require.NoError(t, err)
	}
	open := f.open(t, "cad")
	require.Len(t, open, 1)
	assert.Equal(t, domain.RuleLicenseUtilization, open[0].Rule)
	assert.Equal(t, "acme", open[0].TenantID)

	f.clock.Advance(31 * 24 * time.Hour)
	raised, err := f.alerts.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	rules := map[domain.Rule]domain.Severity{}
	for _, a := range raised {
		rules[a.Rule] = a.Severity
	}
	assert.Equal(t, domain.SeverityMedium, rules[domain.RuleLicenseExpiration])
	assert.Equal(t, domain.SeverityMedium, rules[domain.RuleLicenseCompliance])

	f.clock.Advance(90 * 24 * time.Hour)
	_, err = f.alerts.Sweep(ctx, f.clock.Now())
	require.NoError(t, err)
	expired, err := f.alerts.List(ctx, domain.ListFilter{SourceID: "cad", Kind: domain.KindExpiration})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.SeverityCritical, expired[0].Severity)
}

func TestScalingNotifyAndFailureRaiseAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.pools.CreatePool(ctx, pooldomain.CreatePoolRequest{ID: "cpu", Name: "cpu", Kind: pooldomain.KindCompute, Total: 100})
	require.NoError(t, err)
	_, err = f.pools.Allocate(ctx, pooldomain.AllocateRequest{PoolID: "cpu", TenantID: "acme", Amount: 50})
	require.NoError(t, err)
	_, err = f.scaling.CreatePolicy(ctx, scalingdomain.CreatePolicyRequest{
		ID:           "busy",
		Name:         "busy",
		ResourceKind: pooldomain.KindCompute,
		Triggers:     []scalingdomain.Trigger{{Metric: scalingdomain.MetricUtilization, Threshold: 40, Operator: scalingdomain.OpGreaterEqual}},
		Actions: []scalingdomain.Action{
			{Kind: scalingdomain.ActionNotify},
			{Kind: scalingdomain.ActionScaleDown, Amount: 80},
		},
	})
	require.NoError(t, err)

	events, err := f.scaling.Evaluate(ctx, "cpu", epoch)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, scalingdomain.OutcomeFailed, events[1].Outcome)

	source := scalingdomain.StateID("busy", "cpu")
	open := f.open(t, source)
	require.Len(t, open, 2)
	kinds := map[domain.Kind]bool{}
	for _, a := range open {
		kinds[a.Kind] = true
	}
	assert.True(t, kinds[domain.KindViolation])
	assert.True(t, kinds[domain.KindUtilization])
}

func TestRestoreKeepsDedupe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.pools.CreatePool(ctx, pooldomain.CreatePoolRequest{ID: "cpu", Name: "cpu", Kind: pooldomain.KindCompute, Total: 100})
	require.NoError(t, err)
	_, err = f.pools.Allocate(ctx, pooldomain.AllocateRequest{PoolID: "cpu", TenantID: "acme", Amount: 95})
	require.NoError(t, err)

	restored := NewService(Params{
		Log:      zap.NewNop(),
		GenID:    f.alerts.genID,
		Clock:    f.clock,
		Backend:  f.backend,
		Pools:    f.pools,
		Licenses: f.licenses,
	}).(*Service)
	require.NoError(t, restored.Restore(ctx))

	pool, err := f.pools.GetPool(ctx, "cpu")
	require.NoError(t, err)
	assert.Empty(t, restored.EvaluatePool(ctx, *pool, f.clock.Now()))
	assert.Len(t, restored.OpenCounts(ctx), 1)
}
