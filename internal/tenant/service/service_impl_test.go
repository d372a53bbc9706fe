package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/clock"
	"github.com/smallbiznis/capacity/internal/tenant/domain"
	"github.com/smallbiznis/capacity/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type consumptionMock struct {
	mock.Mock
}

func (m *consumptionMock) TenantConsumption(ctx context.Context, tenantID string) (domain.Consumption, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(domain.Consumption), args.Error(1)
}

func newTestService(t *testing.T, backend repository.Backend) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	if backend == nil {
		backend = repository.NewMemoryBackend()
	}
	return NewService(Params{
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		Backend: backend,
	}).(*Service)
}

func TestCreateTenantDefaultsAndDuplicates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	created, err := svc.CreateTenant(ctx, domain.CreateTenantRequest{ID: "acme", Name: "Acme Corp"})
	require.NoError(t, err)
	assert.Equal(t, domain.TierBasic, created.Tier)
	assert.Equal(t, domain.StatusActive, created.Status)
	assert.Equal(t, "acme-corp", created.Slug)

	_, err = svc.CreateTenant(ctx, domain.CreateTenantRequest{ID: "acme", Name: "Other"})
	require.ErrorIs(t, err, domain.ErrDuplicateTenant)

	_, err = svc.CreateTenant(ctx, domain.CreateTenantRequest{ID: "acme-2", Name: "ACME corp"})
	require.ErrorIs(t, err, apperror.ErrDuplicateTenant)

	generated, err := svc.CreateTenant(ctx, domain.CreateTenantRequest{Name: "Globex", Tier: domain.TierEnterprise})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.ID)

	_, err = svc.CreateTenant(ctx, domain.CreateTenantRequest{Name: "Initech", Tier: "platinum"})
	require.ErrorIs(t, err, domain.ErrInvalidTier)
}

func TestUpdateLimitsRejectsBelowConsumption(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.CreateTenant(ctx, domain.CreateTenantRequest{ID: "acme", Name: "Acme"})
	require.NoError(t, err)

	pools := &consumptionMock{}
	pools.On("TenantConsumption", mock.Anything, "acme").Return(domain.Consumption{Storage: 500}, nil)
	seats := &consumptionMock{}
	seats.On("TenantConsumption", mock.Anything, "acme").Return(domain.Consumption{Users: 8}, nil)
	svc.RegisterConsumptionSource(pools)
	svc.RegisterConsumptionSource(seats)

	_, err = svc.UpdateLimits(ctx, "acme", domain.Limits{MaxStorage: 400})
	require.ErrorIs(t, err, domain.ErrLimitBelowUsage)
	assert.Equal(t, apperror.LimitBelowUsage, apperror.KindOf(err))

	_, err = svc.UpdateLimits(ctx, "acme", domain.Limits{MaxStorage: 500, MaxUsers: 7})
	require.ErrorIs(t, err, domain.ErrLimitBelowUsage)

	updated, err := svc.UpdateLimits(ctx, "acme", domain.Limits{MaxStorage: 500, MaxUsers: 8})
	require.NoError(t, err)
	assert.Equal(t, int64(500), updated.Limits.MaxStorage)

	usage, err := svc.Consumption(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, domain.Consumption{Storage: 500, Users: 8}, usage)

	pools.AssertExpectations(t)
	seats.AssertExpectations(t)
}

func TestUpdateLimitsPropagatesSourceFailure(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	_, err := svc.CreateTenant(ctx, domain.CreateTenantRequest{ID: "acme", Name: "Acme"})
	require.NoError(t, err)

	broken := &consumptionMock{}
	broken.On("TenantConsumption", mock.Anything, "acme").Return(domain.Consumption{}, errors.New("ledger down"))
	svc.RegisterConsumptionSource(broken)

	_, err = svc.UpdateLimits(ctx, "acme", domain.Limits{MaxUsers: 1})
	require.Error(t, err)

	got, err := svc.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, domain.Limits{}, got.Limits)
}

func TestSetStatusAndDeactivate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	_, err := svc.CreateTenant(ctx, domain.CreateTenantRequest{ID: "acme", Name: "Acme"})
	require.NoError(t, err)

	suspended, err := svc.SetStatus(ctx, "acme", domain.StatusSuspended)
	require.NoError(t, err)
	assert.False(t, suspended.Active())
	assert.Nil(t, suspended.DeactivatedAt)

	inactive, err := svc.Deactivate(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInactive, inactive.Status)
	require.NotNil(t, inactive.DeactivatedAt)

	_, err = svc.SetStatus(ctx, "acme", "archived")
	require.ErrorIs(t, err, domain.ErrInvalidStatus)

	_, err = svc.SetStatus(ctx, "missing", domain.StatusActive)
	require.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestRestoreReloadsPersistedTenants(t *testing.T) {
	ctx := context.Background()
	backend := repository.NewMemoryBackend()

	first := newTestService(t, backend)
	_, err := first.CreateTenant(ctx, domain.CreateTenantRequest{ID: "acme", Name: "Acme"})
	require.NoError(t, err)

	second := newTestService(t, backend)
	require.NoError(t, second.Restore(ctx))

	got, err := second.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)

	list, err := second.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWithTenantHoldsOffLimitUpdates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	_, err := svc.CreateTenant(ctx, domain.CreateTenantRequest{ID: "acme", Name: "Acme", Limits: domain.Limits{MaxStorage: 100}})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	checked := make(chan error, 1)
	go func() {
		checked <- svc.WithTenant(ctx, "acme", func(tenant domain.Tenant) error {
			assert.Equal(t, int64(100), tenant.Limits.MaxStorage)
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	updated := make(chan error, 1)
	go func() {
		_, err := svc.UpdateLimits(ctx, "acme", domain.Limits{MaxStorage: 10})
		updated <- err
	}()
	select {
	case <-updated:
		t.Fatal("limits changed while a caller held the tenant")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-checked)
	require.NoError(t, <-updated)

	err = svc.WithTenant(ctx, "ghost", func(domain.Tenant) error { return nil })
	require.ErrorIs(t, err, domain.ErrTenantNotFound)
}
