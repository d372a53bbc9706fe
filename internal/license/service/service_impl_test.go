package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/clock"
	"github.com/smallbiznis/capacity/internal/license/domain"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	tenantservice "github.com/smallbiznis/capacity/internal/tenant/service"
	"github.com/smallbiznis/capacity/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	tenants tenantdomain.Service
	clock   *clock.FakeClock
	backend repository.Backend
}

func newFixture(t *testing.T, backend repository.Backend) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(epoch)
	if backend == nil {
		backend = repository.NewMemoryBackend()
	}
	tenants := tenantservice.NewService(tenantservice.Params{
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Backend: repository.NewMemoryBackend(),
	})
	svc := NewService(Params{
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Backend: backend,
		Tenants: tenants,
	}).(*Service)
	tenants.RegisterConsumptionSource(svc)
	return &fixture{svc: svc, tenants: tenants, clock: clk, backend: backend}
}

func (f *fixture) tenant(t *testing.T, id string, limits tenantdomain.Limits) {
	t.Helper()
	_, err := f.tenants.CreateTenant(context.Background(), tenantdomain.CreateTenantRequest{ID: id, Name: id, Limits: limits})
	require.NoError(t, err)
}

func (f *fixture) license(t *testing.T, req domain.CreateLicenseRequest) *domain.Record {
	t.Helper()
	if req.Name == "" {
		req.Name = req.ID
	}
	if req.Type == "" {
		req.Type = domain.TypeNamed
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = epoch.AddDate(1, 0, 0)
	}
	rec, err := f.svc.CreateLicense(context.Background(), req)
	require.NoError(t, err)
	return rec
}

func TestGrantSeatWhenFullThenAfterRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tenant(t, "acme", tenantdomain.Limits{})
	f.license(t, domain.CreateLicenseRequest{ID: "cad", TenantID: "acme", TotalSeats: 2})

	_, err := f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u1"})
	require.NoError(t, err)
	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u2"})
	require.NoError(t, err)

	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u3"})
	require.ErrorIs(t, err, apperror.ErrNoSeatsAvailable)

	revoked, err := f.svc.RevokeSeat(ctx, "cad", "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationRevoked, revoked.Status)

	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u3"})
	require.NoError(t, err)

	rec, err := f.svc.GetLicense(ctx, "cad")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.UsedSeats)
	assert.InDelta(t, 100.0, rec.UtilizationRate, 0.001)

	history, err := f.svc.ListAllocations(ctx, "cad")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestGrantSeatIsIdempotentPerUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tenant(t, "acme", tenantdomain.Limits{})
	f.license(t, domain.CreateLicenseRequest{ID: "cad", TenantID: "acme", TotalSeats: 1, Features: []string{"render", "export"}})

	first, err := f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u1", Features: []string{"render"}})
	require.NoError(t, err)
	again, err := f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u2", Features: []string{"simulate"}})
	require.ErrorIs(t, err, domain.ErrFeatureNotLicensed)
}

func TestStatusIsDerivedFromDates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tenant(t, "acme", tenantdomain.Limits{})
	activates := epoch.Add(48 * time.Hour)
	f.license(t, domain.CreateLicenseRequest{ID: "future", TenantID: "acme", TotalSeats: 1, ActivatesAt: &activates, ExpiresAt: epoch.AddDate(0, 1, 0)})
	f.license(t, domain.CreateLicenseRequest{ID: "trial", TenantID: "acme", TotalSeats: 1, Trial: true, ExpiresAt: epoch.AddDate(0, 0, 14)})

	rec, err := f.svc.GetLicense(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "future", UserID: "u1"})
	require.ErrorIs(t, err, apperror.ErrLicenseNotActive)

	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "trial", UserID: "u1"})
	require.NoError(t, err)
	rec, err = f.svc.GetLicense(ctx, "trial")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrial, rec.Status)

	f.clock.Advance(15 * 24 * time.Hour)
	rec, err = f.svc.GetLicense(ctx, "trial")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, rec.Status)
	seats, err := f.svc.ListAllocations(ctx, "trial")
	require.NoError(t, err)
	require.Len(t, seats, 1)
	assert.Equal(t, domain.AllocationInactive, seats[0].Status)

	rec, err = f.svc.GetLicense(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, rec.Status)

	_, err = f.svc.Suspend(ctx, "future")
	require.NoError(t, err)
	rec, err = f.svc.GetLicense(ctx, "future")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, rec.Status)
	_, err = f.svc.Resume(ctx, "future")
	require.NoError(t, err)
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tenant(t, "acme", tenantdomain.Limits{})
	f.license(t, domain.CreateLicenseRequest{ID: "cad", TenantID: "acme", TotalSeats: 3, Trial: true, ExpiresAt: epoch.AddDate(0, 0, 10)})
	_, err := f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u1"})
	require.NoError(t, err)
	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u2"})
	require.NoError(t, err)

	_, err = f.svc.Renew(ctx, domain.RenewRequest{LicenseID: "cad", NewExpiration: epoch})
	require.ErrorIs(t, err, apperror.ErrInvalidRenewalDate)
	_, err = f.svc.Renew(ctx, domain.RenewRequest{LicenseID: "cad", NewExpiration: epoch.AddDate(1, 0, 0), NewTotalSeats: 1})
	require.ErrorIs(t, err, apperror.ErrLimitBelowUsage)

	f.clock.Advance(20 * 24 * time.Hour)
	rec, err := f.svc.Renew(ctx, domain.RenewRequest{LicenseID: "cad", NewExpiration: epoch.AddDate(1, 0, 0), NewTotalSeats: 5})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, rec.Status)
	assert.Equal(t, 5, rec.TotalSeats)
	assert.Equal(t, 1, rec.RenewalCount)
	require.NotNil(t, rec.LastRenewedAt)
	assert.False(t, rec.Trial)
}

func TestRecordUsageMarksSeatActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tenant(t, "acme", tenantdomain.Limits{})
	f.license(t, domain.CreateLicenseRequest{ID: "cad", TenantID: "acme", TotalSeats: 1})

	_, err := f.svc.RecordUsage(ctx, domain.RecordUsageRequest{LicenseID: "cad", UserID: "u1", Hours: 1})
	require.ErrorIs(t, err, domain.ErrAllocationNotFound)

	seat, err := f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationAssigned, seat.Status)

	_, err = f.svc.RecordUsage(ctx, domain.RecordUsageRequest{LicenseID: "cad", UserID: "u1", Hours: 1.5})
	require.NoError(t, err)
	seat, err = f.svc.RecordUsage(ctx, domain.RecordUsageRequest{LicenseID: "cad", UserID: "u1", Hours: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationActive, seat.Status)
	assert.InDelta(t, 3.5, seat.UsageHours, 0.0001)
}

func TestTenantLimitsOnGrant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tenant(t, "acme", tenantdomain.Limits{MaxUsers: 2, MaxConcurrentSessions: 1})
	f.license(t, domain.CreateLicenseRequest{ID: "a", TenantID: "acme", TotalSeats: 5})
	f.license(t, domain.CreateLicenseRequest{ID: "b", TenantID: "acme", TotalSeats: 5, Type: domain.TypeConcurrent})

	_, err := f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "a", UserID: "u1"})
	require.NoError(t, err)
	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "a", UserID: "u2"})
	require.NoError(t, err)
	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "a", UserID: "u3"})
	require.ErrorIs(t, err, apperror.ErrTenantLimitExceeded)

	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "b", UserID: "u1"})
	require.NoError(t, err)
	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "b", UserID: "u2"})
	require.ErrorIs(t, err, apperror.ErrTenantLimitExceeded)

	consumption, err := f.tenants.Consumption(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), consumption.Users)
	assert.Equal(t, int64(1), consumption.ConcurrentSessions)

	_, err = f.tenants.UpdateLimits(ctx, "acme", tenantdomain.Limits{MaxUsers: 1})
	require.ErrorIs(t, err, apperror.ErrLimitBelowUsage)

	_, err = f.tenants.SetStatus(ctx, "acme", tenantdomain.StatusSuspended)
	require.NoError(t, err)
	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "a", UserID: "u9"})
	require.ErrorIs(t, err, apperror.ErrTenantNotActive)
}

func TestTotalAnnualCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.tenant(t, "acme", tenantdomain.Limits{})
	f.license(t, domain.CreateLicenseRequest{ID: "m", TenantID: "acme", Cost: domain.Cost{Amount: 1000, Currency: "usd", Period: domain.PeriodMonthly}})
	f.license(t, domain.CreateLicenseRequest{ID: "q", TenantID: "acme", Cost: domain.Cost{Amount: 500, Period: domain.PeriodQuarterly}})
	f.license(t, domain.CreateLicenseRequest{ID: "s", TenantID: "acme", Cost: domain.Cost{Amount: 300, Currency: "EUR", Period: domain.PeriodSemiAnnual}})
	f.license(t, domain.CreateLicenseRequest{ID: "old", TenantID: "acme", ExpiresAt: epoch.Add(time.Hour), Cost: domain.Cost{Amount: 99999}})

	_, err := f.svc.CreateLicense(ctx, domain.CreateLicenseRequest{ID: "bad", TenantID: "acme", Name: "bad", Type: domain.TypeNamed,
		ExpiresAt: epoch.AddDate(1, 0, 0), Cost: domain.Cost{Amount: 1, Period: "weekly"}})
	require.ErrorIs(t, err, domain.ErrInvalidCost)

	f.clock.Advance(2 * time.Hour)
	totals, err := f.svc.TotalAnnualCost(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"USD": 12000 + 2000, "EUR": 600}, totals)
}

func TestAnnualMultipliers(t *testing.T) {
	cases := map[domain.BillingPeriod]int64{
		domain.PeriodMonthly:    12,
		domain.PeriodQuarterly:  4,
		domain.PeriodSemiAnnual: 2,
		domain.PeriodAnnual:     1,
	}
	for period, want := range cases {
		got, ok := period.AnnualMultiplier()
		require.True(t, ok, period)
		assert.Equal(t, want, got, period)
	}
	_, ok := domain.BillingPeriod("weekly").AnnualMultiplier()
	assert.False(t, ok)
}

func TestRestoreReconcilesUsedSeats(t *testing.T) {
	ctx := context.Background()
	backend := repository.NewMemoryBackend()
	f := newFixture(t, backend)
	f.tenant(t, "acme", tenantdomain.Limits{})
	f.license(t, domain.CreateLicenseRequest{ID: "cad", TenantID: "acme", TotalSeats: 3})
	_, err := f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u1"})
	require.NoError(t, err)
	_, err = f.svc.GrantSeat(ctx, domain.GrantSeatRequest{LicenseID: "cad", UserID: "u2"})
	require.NoError(t, err)
	_, err = f.svc.RevokeSeat(ctx, "cad", "u2")
	require.NoError(t, err)

	restored := newFixture(t, backend)
	require.NoError(t, restored.svc.Restore(ctx))
	rec, err := restored.svc.GetLicense(ctx, "cad")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.UsedSeats)
	seats, err := restored.svc.ListAllocations(ctx, "cad")
	require.NoError(t, err)
	assert.Len(t, seats, 2)
}

func TestDaysUntilExpiration(t *testing.T) {
	l := domain.License{ExpiresAt: epoch.Add(10 * time.Hour)}
	assert.Equal(t, 1, l.DaysUntilExpiration(epoch))
	assert.Equal(t, 0, l.DaysUntilExpiration(epoch.Add(10*time.Hour)))
	assert.Less(t, l.DaysUntilExpiration(epoch.Add(50*time.Hour)), 0)
}
