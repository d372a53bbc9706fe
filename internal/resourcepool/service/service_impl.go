package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/clock"
	obsmetrics "github.com/smallbiznis/capacity/internal/observability/metrics"
	"github.com/smallbiznis/capacity/internal/resourcepool/domain"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"github.com/smallbiznis/capacity/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Backend repository.Backend
	Tenants tenantdomain.Lookup
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// poolEntry owns one pool's state; every read and write holds mu.
type poolEntry struct {
	mu    sync.Mutex
	kind  domain.Kind
	state domain.Pool
}

type Service struct {
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    repository.Repository[domain.Pool]
	tenants tenantdomain.Lookup
	metrics *obsmetrics.Metrics

	mu    sync.RWMutex
	pools map[string]*poolEntry

	// limitMu serializes allocations that are checked against a cross-pool tenant limit.
	limitMu sync.Mutex

	obsMu     sync.RWMutex
	observers []domain.Observer
}

func NewService(p Params) domain.Service {
	return &Service{
		log:     p.Log.Named("resourcepool.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    repository.ProvideStore[domain.Pool](p.Backend, p.Clock),
		tenants: p.Tenants,
		metrics: p.Metrics,
		pools:   make(map[string]*poolEntry),
	}
}

func (s *Service) Restore(ctx context.Context) error {
	items, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range items {
		if p.Allocations == nil {
			p.Allocations = map[string]domain.TenantAllocation{}
		}
		s.pools[p.ID] = &poolEntry{kind: p.Kind, state: p}
	}
	s.log.Info("pools restored", zap.Int("count", len(items)))
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

func (s *Service) CreatePool(ctx context.Context, req domain.CreatePoolRequest) (*domain.Pool, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	if !req.Kind.Valid() {
		return nil, domain.ErrInvalidKind
	}
	if req.Total < 0 || req.Reserved < 0 || req.Reserved > req.Total {
		return nil, domain.ErrInvalidCapacity
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.genID.Generate().String()
	}

	now := s.clock.Now()
	pool := domain.Pool{
		ID:          id,
		Name:        name,
		Kind:        req.Kind,
		Region:      strings.TrimSpace(req.Region),
		Total:       req.Total,
		Reserved:    req.Reserved,
		Allocations: map[string]domain.TenantAllocation{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	if _, exists := s.pools[id]; exists {
		s.mu.Unlock()
		return nil, domain.ErrDuplicatePool
	}
	if err := s.repo.Save(ctx, pool); err != nil {
		s.mu.Unlock()
		s.log.Error("failed to persist pool", zap.String("pool_id", id), zap.Error(err))
		return nil, err
	}
	s.pools[id] = &poolEntry{kind: pool.Kind, state: pool}
	s.mu.Unlock()

	s.log.Info("pool created",
		zap.String("pool_id", id),
		zap.String("kind", string(pool.Kind)),
		zap.Int64("total", pool.Total),
	)
	s.notify(ctx, pool.Clone(), now)
	out := pool.Clone()
	return &out, nil
}

func (s *Service) GetPool(ctx context.Context, id string) (*domain.Pool, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	out := entry.state.Clone()
	entry.mu.Unlock()
	return &out, nil
}

func (s *Service) ListPools(ctx context.Context, filter domain.ListPoolsFilter) ([]domain.Pool, error) {
	out := []domain.Pool{}
	for _, entry := range s.entries() {
		if filter.Kind != "" && entry.kind != filter.Kind {
			continue
		}
		entry.mu.Lock()
		snapshot := entry.state.Clone()
		entry.mu.Unlock()
		if filter.TenantID != "" {
			if _, ok := snapshot.Allocations[filter.TenantID]; !ok {
				continue
			}
		}
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Service) Allocate(ctx context.Context, req domain.AllocateRequest) (*domain.Allocation, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	entry, err := s.entry(req.PoolID)
	if err != nil {
		return nil, err
	}
	var pool domain.Pool
	err = s.tenants.WithTenant(ctx, req.TenantID, func(tenant tenantdomain.Tenant) error {
		var err error
		pool, err = s.allocate(ctx, entry, tenant, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return allocationOf(pool, strings.TrimSpace(req.TenantID)), nil
}

// allocate checks the tenant limit and commits while the tenant's limits are held stable.
func (s *Service) allocate(ctx context.Context, entry *poolEntry, tenant tenantdomain.Tenant, req domain.AllocateRequest) (domain.Pool, error) {
	if !tenant.Active() {
		s.reject(ctx, "allocate", entry.kind, req.PoolID, tenantdomain.ErrTenantNotActive)
		return domain.Pool{}, tenantdomain.ErrTenantNotActive
	}

	limit := limitFor(entry.kind, tenant.Limits)
	var elsewhere int64
	if limit > 0 {
		s.limitMu.Lock()
		defer s.limitMu.Unlock()
		elsewhere = s.allocatedElsewhere(req.PoolID, entry.kind, tenant.ID)
	}

	return s.mutate(ctx, entry, "allocate", req.ExpectedVersion, func(p *domain.Pool, now time.Time) error {
		current := p.Allocations[tenant.ID]
		if limit > 0 && elsewhere+current.Allocated+req.Amount > limit {
			return apperror.Wrap(apperror.TenantLimitExceeded, domain.ErrTenantLimitExceeded.Message,
				fmt.Errorf("%s pools limited to %d for tenant %s", entry.kind, limit, tenant.ID))
		}
		if req.Amount > p.Available() {
			return domain.ErrInsufficientCapacity
		}
		current.Allocated += req.Amount
		current.Tier = tenant.Tier
		current.UpdatedAt = now
		p.Allocations[tenant.ID] = current
		return nil
	})
}

func (s *Service) Deallocate(ctx context.Context, req domain.DeallocateRequest) (*domain.Allocation, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	entry, err := s.entry(req.PoolID)
	if err != nil {
		return nil, err
	}
	tenantID := strings.TrimSpace(req.TenantID)

	pool, err := s.mutate(ctx, entry, "deallocate", req.ExpectedVersion, func(p *domain.Pool, now time.Time) error {
		current, ok := p.Allocations[tenantID]
		if !ok || req.Amount > current.Allocated {
			return domain.ErrOverRelease
		}
		if current.Allocated-req.Amount < current.Usage {
			return apperror.Wrap(apperror.UsageExceedsAllocation, "usage_exceeds_remaining_allocation",
				fmt.Errorf("usage %d would exceed allocation %d", current.Usage, current.Allocated-req.Amount))
		}
		current.Allocated -= req.Amount
		current.UpdatedAt = now
		if current.Allocated == 0 {
			delete(p.Allocations, tenantID)
			return nil
		}
		p.Allocations[tenantID] = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocationOf(pool, tenantID), nil
}

// ReportUsage rejects values above the allocation rather than clamping them.
func (s *Service) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (*domain.Allocation, error) {
	if req.Value < 0 {
		return nil, domain.ErrInvalidAmount
	}
	entry, err := s.entry(req.PoolID)
	if err != nil {
		return nil, err
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if req.Value == 0 {
		if alloc, ok := idleUsage(entry, tenantID, req.ExpectedVersion); ok {
			return alloc, nil
		}
	}

	pool, err := s.mutate(ctx, entry, "report_usage", req.ExpectedVersion, func(p *domain.Pool, now time.Time) error {
		current, ok := p.Allocations[tenantID]
		switch {
		case !ok && req.Value > 0:
			return domain.ErrUsageExceedsAllocation
		case !ok:
			// the allocation disappeared after idleUsage looked
			return domain.ErrVersionConflict
		}
		if req.Value > current.Allocated {
			return domain.ErrUsageExceedsAllocation
		}
		current.Usage = req.Value
		current.UpdatedAt = now
		if !req.ObservedAt.IsZero() {
			current.UpdatedAt = req.ObservedAt.UTC()
		}
		p.Allocations[tenantID] = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocationOf(pool, tenantID), nil
}

// idleUsage reports zero usage for a tenant with no allocation without touching the pool.
func idleUsage(entry *poolEntry, tenantID string, expected *uint64) (*domain.Allocation, bool) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, held := entry.state.Allocations[tenantID]; held {
		return nil, false
	}
	if expected != nil && *expected != entry.state.Version {
		return nil, false
	}
	return allocationOf(entry.state, tenantID), true
}

func (s *Service) SetReserved(ctx context.Context, req domain.SetReservedRequest) (*domain.Pool, error) {
	if req.Reserved < 0 {
		return nil, domain.ErrInvalidCapacity
	}
	entry, err := s.entry(req.PoolID)
	if err != nil {
		return nil, err
	}
	pool, err := s.mutate(ctx, entry, "set_reserved", req.ExpectedVersion, func(p *domain.Pool, _ time.Time) error {
		if req.Reserved+p.AllocatedSum() > p.Total {
			return domain.ErrInsufficientCapacity
		}
		p.Reserved = req.Reserved
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

// Resize sets total capacity; it never shrinks below reserved plus allocated.
func (s *Service) Resize(ctx context.Context, req domain.ResizeRequest) (*domain.Pool, error) {
	if req.Total < 0 {
		return nil, domain.ErrInvalidCapacity
	}
	entry, err := s.entry(req.PoolID)
	if err != nil {
		return nil, err
	}
	pool, err := s.mutate(ctx, entry, "resize", req.ExpectedVersion, func(p *domain.Pool, _ time.Time) error {
		if req.Total < p.Reserved+p.AllocatedSum() {
			return domain.ErrCapacityBelowCommitted
		}
		p.Total = req.Total
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *Service) Utilization(ctx context.Context, poolID string) (float64, error) {
	pool, err := s.GetPool(ctx, poolID)
	if err != nil {
		return 0, err
	}
	return pool.Utilization(), nil
}

func (s *Service) TenantEfficiency(ctx context.Context, poolID, tenantID string) (float64, error) {
	pool, err := s.GetPool(ctx, poolID)
	if err != nil {
		return 0, err
	}
	return pool.TenantEfficiency(strings.TrimSpace(tenantID)), nil
}

// TenantConsumption maps storage pools to MaxStorage and network pools to MaxAPIRequests.
func (s *Service) TenantConsumption(ctx context.Context, tenantID string) (tenantdomain.Consumption, error) {
	var out tenantdomain.Consumption
	for _, entry := range s.entries() {
		if entry.kind != domain.KindStorage && entry.kind != domain.KindNetwork {
			continue
		}
		entry.mu.Lock()
		allocated := entry.state.Allocations[tenantID].Allocated
		entry.mu.Unlock()
		if entry.kind == domain.KindStorage {
			out.Storage += allocated
		} else {
			out.APIRequests += allocated
		}
	}
	return out, nil
}

// mutate applies fn to a copy under the pool lock and commits only after a
// successful save, so a rejected or failed command leaves state and version untouched.
func (s *Service) mutate(ctx context.Context, entry *poolEntry, op string, expected *uint64, fn func(p *domain.Pool, now time.Time) error) (domain.Pool, error) {
	entry.mu.Lock()
	current := entry.state
	if expected != nil && *expected != current.Version {
		entry.mu.Unlock()
		err := apperror.Wrap(apperror.ConcurrentModification, domain.ErrVersionConflict.Message,
			fmt.Errorf("expected version %d, pool is at %d", *expected, current.Version))
		s.reject(ctx, op, entry.kind, current.ID, err)
		return domain.Pool{}, err
	}

	now := s.clock.Now()
	next := current.Clone()
	if err := fn(&next, now); err != nil {
		entry.mu.Unlock()
		s.reject(ctx, op, entry.kind, current.ID, err)
		return domain.Pool{}, err
	}
	if !next.Holds() {
		entry.mu.Unlock()
		err := apperror.New(apperror.Internal, "pool_invariant_violated")
		s.log.Error("pool invariant violated", zap.String("pool_id", current.ID), zap.String("operation", op))
		return domain.Pool{}, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now

	if err := s.repo.Save(ctx, next); err != nil {
		entry.mu.Unlock()
		s.log.Error("failed to persist pool", zap.String("pool_id", current.ID), zap.String("operation", op), zap.Error(err))
		s.metrics.RecordPoolMutation(ctx, op, string(entry.kind), string(apperror.Internal))
		return domain.Pool{}, err
	}
	entry.state = next
	snapshot := next.Clone()
	entry.mu.Unlock()

	s.metrics.RecordPoolMutation(ctx, op, string(entry.kind), "ok")
	s.log.Debug("pool mutated",
		zap.String("pool_id", snapshot.ID),
		zap.String("operation", op),
		zap.Uint64("version", snapshot.Version),
	)
	s.notify(ctx, snapshot, now)
	return snapshot, nil
}

func (s *Service) reject(ctx context.Context, op string, kind domain.Kind, poolID string, err error) {
	s.metrics.RecordPoolMutation(ctx, op, string(kind), string(apperror.KindOf(err)))
	s.log.Warn("pool command rejected",
		zap.String("pool_id", poolID),
		zap.String("operation", op),
		zap.String("error_kind", string(apperror.KindOf(err))),
		zap.Error(err),
	)
}

func (s *Service) notify(ctx context.Context, pool domain.Pool, now time.Time) {
	s.obsMu.RLock()
	observers := append([]domain.Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, obs := range observers {
		obs.PoolChanged(ctx, pool, now)
	}
}

func (s *Service) entry(id string) (*poolEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.pools[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrPoolNotFound
	}
	return entry, nil
}

func (s *Service) entries() []*poolEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*poolEntry, 0, len(s.pools))
	for _, e := range s.pools {
		out = append(out, e)
	}
	return out
}

// allocatedElsewhere sums the tenant's allocation in other pools of the same
// kind, locking one pool at a time.
func (s *Service) allocatedElsewhere(poolID string, kind domain.Kind, tenantID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for id, e := range s.pools {
		if id == poolID || e.kind != kind {
			continue
		}
		e.mu.Lock()
		sum += e.state.Allocations[tenantID].Allocated
		e.mu.Unlock()
	}
	return sum
}

func limitFor(kind domain.Kind, limits tenantdomain.Limits) int64 {
	switch kind {
	case domain.KindStorage:
		return limits.MaxStorage
	case domain.KindNetwork:
		return limits.MaxAPIRequests
	}
	return 0
}

func allocationOf(p domain.Pool, tenantID string) *domain.Allocation {
	a := p.Allocations[tenantID]
	return &domain.Allocation{
		PoolID:      p.ID,
		TenantID:    tenantID,
		Allocated:   a.Allocated,
		Usage:       a.Usage,
		Available:   p.Available(),
		PoolVersion: p.Version,
	}
}
