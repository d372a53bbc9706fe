package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/clock"
	"github.com/smallbiznis/capacity/internal/tenant/domain"
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
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository[domain.Tenant]

	mu      sync.RWMutex
	tenants map[string]domain.Tenant

	// limitsMu is taken before mu. Readers check and commit against limits; UpdateLimits writes.
	limitsMu sync.RWMutex

	sourcesMu sync.RWMutex
	sources   []domain.ConsumptionSource
}

func NewService(p Params) domain.Service {
	return &Service{
		log:     p.Log.Named("tenant.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    repository.ProvideStore[domain.Tenant](p.Backend, p.Clock),
		tenants: make(map[string]domain.Tenant),
	}
}

func (s *Service) Restore(ctx context.Context) error {
	items, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range items {
		s.tenants[t.ID] = t
	}
	s.log.Info("tenants restored", zap.Int("count", len(items)))
	return nil
}

func (s *Service) RegisterConsumptionSource(src domain.ConsumptionSource) {
	if src == nil {
		return
	}
	s.sourcesMu.Lock()
	s.sources = append(s.sources, src)
	s.sourcesMu.Unlock()
}

func (s *Service) CreateTenant(ctx context.Context, req domain.CreateTenantRequest) (*domain.Tenant, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	tier := req.Tier
	if tier == "" {
		tier = domain.TierBasic
	}
	if !tier.Valid() {
		return nil, domain.ErrInvalidTier
	}
	if !req.Limits.Valid() {
		return nil, domain.ErrInvalidLimits
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.genID.Generate().String()
	}
	tenantSlug := slug.Make(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[id]; exists {
		return nil, domain.ErrDuplicateTenant
	}
	for _, existing := range s.tenants {
		if existing.Slug == tenantSlug {
			return nil, apperror.Wrap(apperror.DuplicateTenant, "duplicate_tenant", fmt.Errorf("name %q collides with tenant %s", name, existing.ID))
		}
	}

	now := s.clock.Now()
	t := domain.Tenant{
		ID:        id,
		Name:      name,
		Slug:      tenantSlug,
		Tier:      tier,
		Status:    domain.StatusActive,
		Limits:    req.Limits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Save(ctx, t); err != nil {
		s.log.Error("failed to persist tenant", zap.String("tenant_id", id), zap.Error(err))
		return nil, err
	}
	s.tenants[id] = t

	s.log.Info("tenant created", zap.String("tenant_id", id), zap.String("tier", string(tier)))
	return &t, nil
}

func (s *Service) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrTenantIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	return &t, nil
}

func (s *Service) WithTenant(ctx context.Context, id string, fn func(domain.Tenant) error) error {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	t, err := s.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	return fn(*t)
}

func (s *Service) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	s.mu.RLock()
	out := make([]domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateLimits only lowers a limit to a value at or above live consumption.
func (s *Service) UpdateLimits(ctx context.Context, id string, limits domain.Limits) (*domain.Tenant, error) {
	if !limits.Valid() {
		return nil, domain.ErrInvalidLimits
	}

	s.limitsMu.Lock()
	defer s.limitsMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}

	usage, err := s.consumption(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if field := limits.Violation(usage); field != "" {
		s.log.Warn("limit update rejected",
			zap.String("tenant_id", t.ID),
			zap.String("limit", field),
			zap.String("error_kind", string(apperror.LimitBelowUsage)),
		)
		return nil, apperror.Wrap(apperror.LimitBelowUsage, domain.ErrLimitBelowUsage.Message, fmt.Errorf("%s is below current consumption", field))
	}

	t.Limits = limits
	t.UpdatedAt = s.clock.Now()
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info("tenant limits updated", zap.String("tenant_id", t.ID))
	return &t, nil
}

// SetStatus never releases allocations; suspension only gates new ones.
func (s *Service) SetStatus(ctx context.Context, id string, status domain.Status) (*domain.Tenant, error) {
	if !status.Valid() {
		return nil, domain.ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	if t.Status == status {
		return &t, nil
	}

	now := s.clock.Now()
	t.Status = status
	t.UpdatedAt = now
	if status == domain.StatusInactive {
		t.DeactivatedAt = &now
	} else {
		t.DeactivatedAt = nil
	}
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	s.log.Info("tenant status changed", zap.String("tenant_id", t.ID), zap.String("status", string(status)))
	return &t, nil
}

func (s *Service) Deactivate(ctx context.Context, id string) (*domain.Tenant, error) {
	return s.SetStatus(ctx, id, domain.StatusInactive)
}

func (s *Service) Consumption(ctx context.Context, id string) (domain.Consumption, error) {
	if _, err := s.GetTenant(ctx, id); err != nil {
		return domain.Consumption{}, err
	}
	return s.consumption(ctx, strings.TrimSpace(id))
}

func (s *Service) consumption(ctx context.Context, tenantID string) (domain.Consumption, error) {
	s.sourcesMu.RLock()
	sources := append([]domain.ConsumptionSource(nil), s.sources...)
	s.sourcesMu.RUnlock()

	var total domain.Consumption
	for _, src := range sources {
		c, err := src.TenantConsumption(ctx, tenantID)
		if err != nil {
			return domain.Consumption{}, err
		}
		total = total.Add(c)
	}
	return total, nil
}

// save persists then publishes; the caller holds s.mu.
func (s *Service) save(ctx context.Context, t domain.Tenant) error {
	if err := s.repo.Save(ctx, t); err != nil {
		s.log.Error("failed to persist tenant", zap.String("tenant_id", t.ID), zap.Error(err))
		return err
	}
	s.tenants[t.ID] = t
	return nil
}
