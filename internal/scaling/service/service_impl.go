package service

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/clock"
	"github.com/smallbiznis/capacity/internal/config"
	obsmetrics "github.com/smallbiznis/capacity/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	"github.com/smallbiznis/capacity/internal/scaling/domain"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"github.com/smallbiznis/capacity/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// resizeAttempts bounds retries of a resize that lost an optimistic version race.
const resizeAttempts = 3

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Backend    repository.Backend
	Pools      pooldomain.Service
	Tenants    tenantdomain.Lookup
	Thresholds *config.ThresholdsHolder `optional:"true"`
	Metrics    *obsmetrics.Metrics      `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policyRepo repository.Repository[domain.Policy]
	stateRepo  repository.Repository[domain.State]
	eventRepo  repository.Repository[domain.Event]
	pools      pooldomain.Service
	tenants    tenantdomain.Lookup
	thresholds *config.ThresholdsHolder
	metrics    *obsmetrics.Metrics

	// evalMu serializes evaluation so each policy/pool state advances one tick at a time.
	evalMu sync.Mutex

	mu       sync.RWMutex
	policies map[string]domain.Policy
	states   map[string]domain.State
	events   []domain.Event
	seq      uint64

	obsMu     sync.RWMutex
	observers []domain.Observer
}

type recorded struct {
	event  domain.Event
	policy domain.Policy
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("scaling.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policyRepo: repository.ProvideStore[domain.Policy](p.Backend, p.Clock),
		stateRepo:  repository.ProvideStore[domain.State](p.Backend, p.Clock),
		eventRepo:  repository.ProvideStore[domain.Event](p.Backend, p.Clock),
		pools:      p.Pools,
		tenants:    p.Tenants,
		thresholds: p.Thresholds,
		metrics:    p.Metrics,
		policies:   make(map[string]domain.Policy),
		states:     make(map[string]domain.State),
	}
}

func (s *Service) Restore(ctx context.Context) error {
	policies, err := s.policyRepo.List(ctx)
	if err != nil {
		return err
	}
	states, err := s.stateRepo.List(ctx)
	if err != nil {
		return err
	}
	events, err := s.eventRepo.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range policies {
		s.policies[p.ID] = p
	}
	for _, st := range states {
		s.states[st.ID] = st
	}
	s.events = events
	for _, ev := range events {
		if ev.Sequence > s.seq {
			s.seq = ev.Sequence
		}
	}
	s.log.Info("scaling state restored",
		zap.Int("policies", len(policies)),
		zap.Int("states", len(states)),
		zap.Int("events", len(events)),
	)
	return nil
}

func (s *Service) Subscribe(obs domain.Observer) {
	if obs == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, obs)
	s.obsMu.Unlock()
}

func (s *Service) CreatePolicy(ctx context.Context, req domain.CreatePolicyRequest) (*domain.Policy, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	if !req.ResourceKind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	if err := validateTriggers(req.Triggers); err != nil {
		return nil, err
	}
	if err := validateActions(req.Actions); err != nil {
		return nil, err
	}
	cooldown := s.thresholds.Get().ScalingCooldown
	if req.Cooldown != nil {
		cooldown = *req.Cooldown
	}
	if cooldown < 0 {
		return nil, domain.ErrInvalidCooldown
	}
	if req.PoolID != "" {
		pool, err := s.pools.GetPool(ctx, req.PoolID)
		if err != nil {
			return nil, err
		}
		if pool.Kind != req.ResourceKind {
			return nil, domain.ErrPoolKindMismatch
		}
	}
	if req.TenantID != "" {
		if _, err := s.tenants.GetTenant(ctx, req.TenantID); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now()
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.genID.Generate().String()
	}
	policy := domain.Policy{
		ID:              id,
		Name:            name,
		ResourceKind:    req.ResourceKind,
		PoolID:          strings.TrimSpace(req.PoolID),
		TenantID:        strings.TrimSpace(req.TenantID),
		Triggers:        append([]domain.Trigger(nil), req.Triggers...),
		Actions:         append([]domain.Action(nil), req.Actions...),
		Enabled:         !req.Disabled,
		CooldownSeconds: int64(cooldown / time.Second),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[id]; exists {
		return nil, domain.ErrDuplicatePolicy
	}
	if err := s.policyRepo.Save(ctx, policy); err != nil {
		s.log.Error("failed to persist policy", zap.String("policy_id", id), zap.Error(err))
		return nil, err
	}
	s.policies[id] = policy
	s.log.Info("scaling policy created",
		zap.String("policy_id", id),
		zap.String("resource_kind", string(policy.ResourceKind)),
		zap.Int("triggers", len(policy.Triggers)),
		zap.Int("actions", len(policy.Actions)),
	)
	out := policy.Clone()
	return &out, nil
}

func (s *Service) GetPolicy(ctx context.Context, id string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrPolicyNotFound
	}
	out := p.Clone()
	return &out, nil
}

// ListPolicies returns every policy when tenantID is empty.
func (s *Service) ListPolicies(ctx context.Context, tenantID string) ([]domain.Policy, error) {
	s.mu.RLock()
	out := make([]domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if tenantID != "" && p.TenantID != tenantID {
			continue
		}
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Service) Enable(ctx context.Context, id string) (*domain.Policy, error) {
	return s.setEnabled(ctx, id, true)
}

// Disable also drops any armed timers; re-enabling starts from idle.
func (s *Service) Disable(ctx context.Context, id string) (*domain.Policy, error) {
	return s.setEnabled(ctx, id, false)
}

func (s *Service) setEnabled(ctx context.Context, id string, enabled bool) (*domain.Policy, error) {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrPolicyNotFound
	}
	if p.Enabled == enabled {
		out := p.Clone()
		return &out, nil
	}
	now := s.clock.Now()
	next := p.Clone()
	next.Enabled = enabled
	next.UpdatedAt = now
	if err := s.policyRepo.Save(ctx, next); err != nil {
		s.log.Error("failed to persist policy", zap.String("policy_id", p.ID), zap.Error(err))
		return nil, err
	}
	s.policies[p.ID] = next

	if !enabled {
		for key, st := range s.states {
			if st.PolicyID != p.ID || st.Phase == domain.PhaseIdle {
				continue
			}
			reset := domain.NewState(next, st.PoolID)
			reset.LastFiredAt = st.LastFiredAt
			reset.UpdatedAt = now
			if err := s.stateRepo.Save(ctx, reset); err != nil {
				s.log.Error("failed to persist policy state", zap.String("state_id", key), zap.Error(err))
				continue
			}
			s.states[key] = reset
		}
	}
	s.log.Info("scaling policy toggled", zap.String("policy_id", p.ID), zap.Bool("enabled", enabled))
	out := next.Clone()
	return &out, nil
}

func (s *Service) State(ctx context.Context, policyID, poolID string) (*domain.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyID]
	if !ok {
		return nil, domain.ErrStateNotFound
	}
	st, ok := s.states[domain.StateID(policyID, poolID)]
	if !ok {
		st = domain.NewState(p, poolID)
	}
	out := st.Clone()
	return &out, nil
}

// ListEvents returns matching events oldest first.
func (s *Service) ListEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	s.mu.RLock()
	out := []domain.Event{}
	for _, ev := range s.events {
		if filter.PolicyID != "" && ev.PolicyID != filter.PolicyID {
			continue
		}
		if filter.PoolID != "" && ev.PoolID != filter.PoolID {
			continue
		}
		if filter.TenantID != "" && ev.TenantID != filter.TenantID {
			continue
		}
		out = append(out, ev)
	}
	s.mu.RUnlock()
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Evaluate runs every enabled policy that targets the pool for one tick at now.
func (s *Service) Evaluate(ctx context.Context, poolID string, now time.Time) ([]domain.Event, error) {
	s.evalMu.Lock()
	out, err := s.evaluatePool(ctx, poolID, now)
	s.evalMu.Unlock()
	s.publish(ctx, out, now)
	return events(out), err
}

// EvaluateAll ticks every pool; a failing pool does not stop the others.
func (s *Service) EvaluateAll(ctx context.Context, now time.Time) ([]domain.Event, error) {
	pools, err := s.pools.ListPools(ctx, pooldomain.ListPoolsFilter{})
	if err != nil {
		return nil, err
	}

	var (
		out  []recorded
		errs []error
	)
	s.evalMu.Lock()
	for _, pool := range pools {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		evs, err := s.evaluatePool(ctx, pool.ID, now)
		out = append(out, evs...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	s.evalMu.Unlock()
	s.publish(ctx, out, now)
	return events(out), errors.Join(errs...)
}

// evaluatePool requires evalMu.
func (s *Service) evaluatePool(ctx context.Context, poolID string, now time.Time) ([]recorded, error) {
	pool, err := s.pools.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	var out []recorded
	for _, policy := range s.policiesFor(*pool) {
		evs, err := s.evaluatePolicy(ctx, policy, *pool, now)
		if err != nil {
			return out, err
		}
		if len(evs) == 0 {
			continue
		}
		out = append(out, evs...)
		// later policies see the capacity this one produced
		if pool, err = s.pools.GetPool(ctx, poolID); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Service) evaluatePolicy(ctx context.Context, policy domain.Policy, pool pooldomain.Pool, now time.Time) ([]recorded, error) {
	prev := s.stateFor(policy, pool.ID)
	state := prev.Clone()

	var out []recorded
	switch {
	case !policy.Enabled:
		state = domain.NewState(policy, pool.ID)
		state.LastFiredAt = prev.LastFiredAt
	case state.Phase == domain.PhaseCooldown && state.CooldownUntil != nil && now.Before(*state.CooldownUntil):
		return nil, nil
	default:
		if state.Phase == domain.PhaseCooldown {
			state.Phase = domain.PhaseIdle
			state.CooldownUntil = nil
		}
		allHold, sustained, anyHold := true, true, false
		var firstValue float64
		for i, trig := range policy.Triggers {
			value := trig.Metric.Value(pool, policy.TenantID)
			if i == 0 {
				firstValue = value
			}
			if !trig.Operator.Compare(value, trig.Threshold) {
				allHold = false
				state.TriggerSince[i] = nil
				continue
			}
			anyHold = true
			if state.TriggerSince[i] == nil {
				since := now
				state.TriggerSince[i] = &since
			}
			if now.Sub(*state.TriggerSince[i]) < trig.Sustained() {
				sustained = false
			}
		}

		switch {
		case allHold && sustained:
			state.Phase = domain.PhaseFiring
			s.log.Info("scaling policy firing",
				zap.String("policy_id", policy.ID),
				zap.String("pool_id", pool.ID),
				zap.Float64("metric_value", firstValue),
			)
			for _, action := range policy.Actions {
				ev := s.apply(ctx, policy, action, pool.ID, firstValue, now)
				out = append(out, recorded{event: ev, policy: policy})
			}
			fired := now
			state.LastFiredAt = &fired
			state.TriggerSince = make([]*time.Time, len(policy.Triggers))
			state.Phase = domain.PhaseIdle
			if cd := policy.Cooldown(); cd > 0 {
				until := now.Add(cd)
				state.Phase = domain.PhaseCooldown
				state.CooldownUntil = &until
			}
		case anyHold:
			state.Phase = domain.PhaseArming
		default:
			state.Phase = domain.PhaseIdle
		}
	}

	state.UpdatedAt = prev.UpdatedAt
	if reflect.DeepEqual(prev, state) {
		return out, nil
	}
	state.UpdatedAt = now
	if err := s.stateRepo.Save(ctx, state); err != nil {
		s.log.Error("failed to persist policy state", zap.String("state_id", state.ID), zap.Error(err))
		return out, err
	}
	s.mu.Lock()
	s.states[state.ID] = state
	s.mu.Unlock()
	return out, nil
}

// apply executes one action against a fresh read of the pool and records the event.
func (s *Service) apply(ctx context.Context, policy domain.Policy, action domain.Action, poolID string, value float64, now time.Time) domain.Event {
	ev := domain.Event{
		PolicyID:    policy.ID,
		PoolID:      poolID,
		TenantID:    policy.TenantID,
		Action:      action.Kind,
		MetricValue: value,
		Timestamp:   now,
	}
	if len(policy.Triggers) > 0 {
		ev.Metric = policy.Triggers[0].Metric
	}

	for attempt := 1; ; attempt++ {
		current, err := s.pools.GetPool(ctx, poolID)
		if err != nil {
			return s.record(ctx, failed(ev, err))
		}
		ev.CapacityBefore = current.Total
		ev.CapacityAfter = current.Total

		var target int64
		switch action.Kind {
		case domain.ActionNotify:
			ev.Outcome = domain.OutcomeCompleted
			return s.record(ctx, ev)
		case domain.ActionScaleUp:
			target = current.Total + action.Amount
			if action.MaxLimit > 0 && target > action.MaxLimit {
				target = action.MaxLimit
			}
			if target <= current.Total {
				ev.Outcome = domain.OutcomeCompleted
				ev.Reason = "at_max_limit"
				return s.record(ctx, ev)
			}
		case domain.ActionScaleDown:
			target = current.Total - action.Amount
			if target < action.MinLimit {
				target = action.MinLimit
			}
			if target >= current.Total {
				ev.Outcome = domain.OutcomeCompleted
				ev.Reason = "at_min_limit"
				return s.record(ctx, ev)
			}
			if target < current.Reserved+current.AllocatedSum() {
				return s.record(ctx, failed(ev, pooldomain.ErrCapacityBelowCommitted))
			}
		}

		version := current.Version
		updated, err := s.pools.Resize(ctx, pooldomain.ResizeRequest{
			PoolID:          poolID,
			Total:           target,
			ExpectedVersion: &version,
		})
		if err == nil {
			ev.Outcome = domain.OutcomeCompleted
			ev.CapacityAfter = updated.Total
			return s.record(ctx, ev)
		}
		if apperror.Is(err, apperror.ConcurrentModification) && attempt < resizeAttempts {
			s.log.Debug("resize lost version race, retrying",
				zap.String("pool_id", poolID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return s.record(ctx, failed(ev, err))
	}
}

func (s *Service) record(ctx context.Context, ev domain.Event) domain.Event {
	s.mu.Lock()
	s.seq++
	ev.Sequence = s.seq
	ev.ID = s.genID.Generate().String()
	s.events = append(s.events, ev)
	s.mu.Unlock()

	if err := s.eventRepo.Save(ctx, ev); err != nil {
		s.log.Error("failed to persist scaling event", zap.String("event_id", ev.ID), zap.Error(err))
	}
	s.metrics.RecordScalingEvent(ctx, string(ev.Action), string(ev.Outcome))

	fields := []zap.Field{
		zap.String("policy_id", ev.PolicyID),
		zap.String("pool_id", ev.PoolID),
		zap.String("action", string(ev.Action)),
		zap.Int64("capacity_before", ev.CapacityBefore),
		zap.Int64("capacity_after", ev.CapacityAfter),
	}
	if ev.Outcome == domain.OutcomeFailed {
		s.log.Warn("scaling action failed", append(fields, zap.String("reason", ev.Reason))...)
	} else {
		s.log.Info("scaling action completed", fields...)
	}
	return ev
}

func (s *Service) publish(ctx context.Context, items []recorded, now time.Time) {
	if len(items) == 0 {
		return
	}
	s.obsMu.RLock()
	observers := append([]domain.Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, item := range items {
		for _, obs := range observers {
			obs.ScalingEventRecorded(ctx, item.event, item.policy, now)
		}
	}
}

func (s *Service) policiesFor(pool pooldomain.Pool) []domain.Policy {
	s.mu.RLock()
	out := make([]domain.Policy, 0)
	for _, p := range s.policies {
		if p.AppliesTo(pool) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) stateFor(policy domain.Policy, poolID string) domain.State {
	s.mu.RLock()
	st, ok := s.states[domain.StateID(policy.ID, poolID)]
	s.mu.RUnlock()
	if !ok || len(st.TriggerSince) != len(policy.Triggers) {
		fresh := domain.NewState(policy, poolID)
		if ok {
			fresh.LastFiredAt = st.LastFiredAt
		}
		return fresh
	}
	return st.Clone()
}

func failed(ev domain.Event, err error) domain.Event {
	ev.Outcome = domain.OutcomeFailed
	ev.Reason = reasonOf(err)
	return ev
}

func reasonOf(err error) string {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func events(items []recorded) []domain.Event {
	out := make([]domain.Event, 0, len(items))
	for _, item := range items {
		out = append(out, item.event)
	}
	return out
}

func validateTriggers(triggers []domain.Trigger) error {
	if len(triggers) == 0 {
		return domain.ErrInvalidTrigger
	}
	for _, t := range triggers {
		if !t.Metric.Valid() || !t.Operator.Valid() || t.SustainedSeconds < 0 {
			return domain.ErrInvalidTrigger
		}
	}
	return nil
}

func validateActions(actions []domain.Action) error {
	if len(actions) == 0 {
		return domain.ErrInvalidAction
	}
	for _, a := range actions {
		if !a.Kind.Valid() || a.MinLimit < 0 || a.MaxLimit < 0 {
			return domain.ErrInvalidAction
		}
		if a.Kind != domain.ActionNotify && a.Amount <= 0 {
			return domain.ErrInvalidAction
		}
		if a.MaxLimit > 0 && a.MinLimit > a.MaxLimit {
			return domain.ErrInvalidAction
		}
	}
	return nil
}
