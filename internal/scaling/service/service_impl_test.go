package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/capacity/internal/clock"
	"github.com/smallbiznis/capacity/internal/config"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	poolservice "github.com/smallbiznis/capacity/internal/resourcepool/service"
	"github.com/smallbiznis/capacity/internal/scaling/domain"
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
	pools   pooldomain.Service
	tenants tenantdomain.Service
	node    *snowflake.Node
	clock   *clock.FakeClock
	backend repository.Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(epoch)
	backend := repository.NewMemoryBackend()
	tenants := tenantservice.NewService(tenantservice.Params{Log: zap.NewNop(), GenID: node, Clock: clk, Backend: backend})
	pools := poolservice.NewService(poolservice.Params{Log: zap.NewNop(), GenID: node, Clock: clk, Backend: backend, Tenants: tenants})
	f := &fixture{pools: pools, tenants: tenants, node: node, clock: clk, backend: backend}
	f.svc = f.newService()
	return f
}

func (f *fixture) newService() *Service {
	thresholds := config.DefaultThresholds()
	thresholds.ScalingCooldown = 10 * time.Minute
	return NewService(Params{
		Log:        zap.NewNop(),
		GenID:      f.node,
		Clock:      f.clock,
		Backend:    f.backend,
		Pools:      f.pools,
		Tenants:    f.tenants,
		Thresholds: config.NewStaticThresholds(thresholds),
	}).(*Service)
}

// setup creates a compute pool of total 100 with tenant "a" holding used units.
func (f *fixture) setup(t *testing.T, used int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.tenants.CreateTenant(ctx, tenantdomain.CreateTenantRequest{ID: "a", Name: "a"})
	require.NoError(t, err)
	_, err = f.pools.CreatePool(ctx, pooldomain.CreatePoolRequest{ID: "cpu", Name: "cpu", Kind: pooldomain.KindCompute, Total: 100})
	require.NoError(t, err)
	f.setAllocated(t, used)
}

func (f *fixture) setAllocated(t *testing.T, target int64) {
	t.Helper()
	ctx := context.Background()
	pool, err := f.pools.GetPool(ctx, "cpu")
	require.NoError(t, err)
	current := pool.Allocations["a"].Allocated
	switch {
	case target > current:
		_, err = f.pools.Allocate(ctx, pooldomain.AllocateRequest{PoolID: "cpu", TenantID: "a", Amount: target - current})
	case target < current:
		_, err = f.pools.Deallocate(ctx, pooldomain.DeallocateRequest{PoolID: "cpu", TenantID: "a", Amount: current - target})
	}
	require.NoError(t, err)
}

func cpuAbove80(actions ...domain.Action) domain.CreatePolicyRequest {
	return domain.CreatePolicyRequest{
		ID:           "cpu-high",
		Name:         "cpu high",
		ResourceKind: pooldomain.KindCompute,
		Triggers: []domain.Trigger{{
			Metric:           domain.MetricUtilization,
			Threshold:        80,
			Operator:         domain.OpGreater,
			SustainedSeconds: 300,
		}},
		Actions: actions,
	}
}

func TestTriggerNotSustainedResetsToIdle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, 85)
	_, err := f.svc.CreatePolicy(ctx, cpuAbove80(domain.Action{Kind: domain.ActionScaleUp, Amount: 50}))
	require.NoError(t, err)

	events, err := f.svc.Evaluate(ctx, "cpu", epoch)
	require.NoError(t, err)
	assert.Empty(t, events)
	state, err := f.svc.State(ctx, "cpu-high", "cpu")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseArming, state.Phase)

	events, err = f.svc.Evaluate(ctx, "cpu", epoch.Add(200*time.Second))
	require.NoError(t, err)
	assert.Empty(t, events)

	f.setAllocated(t, 60)
	events, err = f.svc.Evaluate(ctx, "cpu", epoch.Add(210*time.Second))
	require.NoError(t, err)
	assert.Empty(t, events)
	state, err = f.svc.State(ctx, "cpu-high", "cpu")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseIdle, state.Phase)
	assert.Nil(t, state.TriggerSince[0])

	// the window restarts from scratch after the gap
	f.setAllocated(t, 85)
	_, err = f.svc.Evaluate(ctx, "cpu", epoch.Add(220*time.Second))
	require.NoError(t, err)
	events, err = f.svc.Evaluate(ctx, "cpu", epoch.Add(400*time.Second))
	require.NoError(t, err)
	assert.Empty(t, events)

	pool, err := f.pools.GetPool(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, int64(100), pool.Total)
}

func TestSustainedTriggerFiresThenCoolsDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, 85)
	_, err := f.svc.CreatePolicy(ctx, cpuAbove80(
		domain.Action{Kind: domain.ActionScaleUp, Amount: 50, MaxLimit: 120},
		domain.Action{Kind: domain.ActionNotify},
	))
	require.NoError(t, err)

	_, err = f.svc.Evaluate(ctx, "cpu", epoch)
	require.NoError(t, err)
	events, err := f.svc.Evaluate(ctx, "cpu", epoch.Add(300*time.Second))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.ActionScaleUp, events[0].Action)
	assert.Equal(t, domain.OutcomeCompleted, events[0].Outcome)
	assert.Equal(t, int64(100), events[0].CapacityBefore)
	assert.Equal(t, int64(120), events[0].CapacityAfter)
	assert.Equal(t, domain.ActionNotify, events[1].Action)

	state, err := f.svc.State(ctx, "cpu-high", "cpu")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCooldown, state.Phase)

	// still hot (85/120 is 70.8%) so push it back over 80%
	f.setAllocated(t, 110)
	events, err = f.svc.Evaluate(ctx, "cpu", epoch.Add(500*time.Second))
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = f.svc.Evaluate(ctx, "cpu", epoch.Add(900*time.Second+time.Second))
	require.NoError(t, err)
	events, err = f.svc.Evaluate(ctx, "cpu", epoch.Add(1300*time.Second))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "at_max_limit", events[0].Reason)
	assert.Equal(t, events[0].CapacityBefore, events[0].CapacityAfter)

	all, err := f.svc.ListEvents(ctx, domain.EventFilter{PolicyID: "cpu-high"})
	require.NoError(t, err)
	assert.Len(t, all, 4)
	last, err := f.svc.ListEvents(ctx, domain.EventFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, uint64(4), last[0].Sequence)
}

func TestScaleDownBelowCommittedFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, 70)
	zero := time.Duration(0)
	_, err := f.svc.CreatePolicy(ctx, domain.CreatePolicyRequest{
		ID:           "shrink",
		Name:         "shrink",
		ResourceKind: pooldomain.KindCompute,
		PoolID:       "cpu",
		Triggers:     []domain.Trigger{{Metric: domain.MetricAvailable, Threshold: 50, Operator: domain.OpLess}},
		Actions:      []domain.Action{{Kind: domain.ActionScaleDown, Amount: 40}},
		Cooldown:     &zero,
	})
	require.NoError(t, err)

	events, err := f.svc.Evaluate(ctx, "cpu", epoch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.OutcomeFailed, events[0].Outcome)
	assert.Equal(t, "capacity_below_committed", events[0].Reason)

	pool, err := f.pools.GetPool(ctx, "cpu")
	require.NoError(t, err)
	assert.Equal(t, int64(100), pool.Total)
	assert.Equal(t, uint64(2), pool.Version)
}

func TestScaleDownHonoursMinLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, 10)
	_, err := f.svc.CreatePolicy(ctx, domain.CreatePolicyRequest{
		ID:           "idle",
		Name:         "idle",
		ResourceKind: pooldomain.KindCompute,
		Triggers:     []domain.Trigger{{Metric: domain.MetricUtilization, Threshold: 20, Operator: domain.OpLess}},
		Actions:      []domain.Action{{Kind: domain.ActionScaleDown, Amount: 80, MinLimit: 40}},
	})
	require.NoError(t, err)

	events, err := f.svc.EvaluateAll(ctx, epoch)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(40), events[0].CapacityAfter)
}

func TestDisabledPolicyNeverFires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, 90)
	req := cpuAbove80(domain.Action{Kind: domain.ActionScaleUp, Amount: 10})
	req.Triggers[0].SustainedSeconds = 0
	_, err := f.svc.CreatePolicy(ctx, req)
	require.NoError(t, err)
	_, err = f.svc.Disable(ctx, "cpu-high")
	require.NoError(t, err)

	events, err := f.svc.Evaluate(ctx, "cpu", epoch)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = f.svc.Enable(ctx, "cpu-high")
	require.NoError(t, err)
	events, err = f.svc.Evaluate(ctx, "cpu", epoch)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStateSurvivesRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, 85)
	_, err := f.svc.CreatePolicy(ctx, cpuAbove80(domain.Action{Kind: domain.ActionScaleUp, Amount: 50}))
	require.NoError(t, err)
	_, err = f.svc.Evaluate(ctx, "cpu", epoch)
	require.NoError(t, err)

	restarted := f.newService()
	require.NoError(t, restarted.Restore(ctx))
	events, err := restarted.Evaluate(ctx, "cpu", epoch.Add(300*time.Second))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(150), events[0].CapacityAfter)
}

func TestCreatePolicyValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setup(t, 0)

	_, err := f.svc.CreatePolicy(ctx, domain.CreatePolicyRequest{Name: "x", ResourceKind: pooldomain.KindCompute,
		Actions: []domain.Action{{Kind: domain.ActionNotify}}})
	require.ErrorIs(t, err, domain.ErrInvalidTrigger)

	req := cpuAbove80(domain.Action{Kind: domain.ActionScaleUp})
	_, err = f.svc.CreatePolicy(ctx, req)
	require.ErrorIs(t, err, domain.ErrInvalidAction)

	req = cpuAbove80(domain.Action{Kind: domain.ActionNotify})
	req.ResourceKind = pooldomain.KindStorage
	req.PoolID = "cpu"
	_, err = f.svc.CreatePolicy(ctx, req)
	require.ErrorIs(t, err, domain.ErrPoolKindMismatch)

	req = cpuAbove80(domain.Action{Kind: domain.ActionNotify})
	created, err := f.svc.CreatePolicy(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(600), created.CooldownSeconds)
	_, err = f.svc.CreatePolicy(ctx, req)
	require.ErrorIs(t, err, domain.ErrDuplicatePolicy)
}

func TestOperators(t *testing.T) {
	assert.True(t, domain.OpGreater.Compare(81, 80))
	assert.False(t, domain.OpGreater.Compare(80, 80))
	assert.True(t, domain.OpGreaterEqual.Compare(80, 80))
	assert.True(t, domain.OpLess.Compare(10, 20))
	assert.True(t, domain.OpLessEqual.Compare(20, 20))
	assert.True(t, domain.OpEqual.Compare(5, 5))
	assert.False(t, domain.Operator("ne").Compare(1, 2))
}

// conflictingPools loses the version race on the first conflicts resizes.
type conflictingPools struct {
	pooldomain.Service
	conflicts int
	calls     int
}

func (p *conflictingPools) Resize(ctx context.Context, req pooldomain.ResizeRequest) (*pooldomain.Pool, error) {
	p.calls++
	if p.calls <= p.conflicts {
		return nil, pooldomain.ErrVersionConflict
	}
	return p.Service.Resize(ctx, req)
}

func (f *fixture) serviceWithPools(pools pooldomain.Service) *Service {
	return NewService(Params{
		Log:     zap.NewNop(),
		GenID:   f.node,
		Clock:   f.clock,
		Backend: repository.NewMemoryBackend(),
		Pools:   pools,
		Tenants: f.tenants,
	}).(*Service)
}

func TestResizeConflictRetries(t *testing.T) {
	cases := []struct {
		name      string
		conflicts int
		calls     int
		outcome   domain.Outcome
		total     int64
	}{
		{name: "exhausted", conflicts: 10, calls: resizeAttempts, outcome: domain.OutcomeFailed, total: 100},
		{name: "clears on second attempt", conflicts: 1, calls: 2, outcome: domain.OutcomeCompleted, total: 150},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.setup(t, 85)
			pools := &conflictingPools{Service: f.pools, conflicts: tc.conflicts}
			svc := f.serviceWithPools(pools)
			policy := cpuAbove80(domain.Action{Kind: domain.ActionScaleUp, Amount: 50})
			policy.Triggers[0].SustainedSeconds = 0
			_, err := svc.CreatePolicy(ctx, policy)
			require.NoError(t, err)

			events, err := svc.Evaluate(ctx, "cpu", epoch)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, tc.calls, pools.calls)
			assert.Equal(t, tc.outcome, events[0].Outcome)
			assert.Equal(t, tc.total, events[0].CapacityAfter)
			if tc.outcome == domain.OutcomeFailed {
				assert.Equal(t, "pool_version_conflict", events[0].Reason)
			}

			recorded, err := svc.ListEvents(ctx, domain.EventFilter{PoolID: "cpu"})
			require.NoError(t, err)
			assert.Len(t, recorded, 1)

			pool, err := f.pools.GetPool(ctx, "cpu")
			require.NoError(t, err)
			assert.Equal(t, tc.total, pool.Total)
		})
	}
}
