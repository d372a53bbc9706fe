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
	"github.com/smallbiznis/capacity/internal/license/domain"
	obsmetrics "github.com/smallbiznis/capacity/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"github.com/smallbiznis/capacity/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultCurrency = "USD"

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Backend repository.Backend
	Tenants tenantdomain.Lookup
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// licenseEntry owns one license and its seat history; all access holds mu.
type licenseEntry struct {
	mu       sync.Mutex
	tenantID string
	typ      domain.Type
	state    domain.License
	seats    map[string]domain.Allocation
}

func (e *licenseEntry) liveSeat(userID string) (domain.Allocation, bool) {
	for _, a := range e.seats {
		if a.UserID == userID && a.Live() {
			return a, true
		}
	}
	return domain.Allocation{}, false
}

func (e *licenseEntry) liveUsers() []string {
	out := make([]string, 0, len(e.seats))
	for _, a := range e.seats {
		if a.Live() {
			out = append(out, a.UserID)
		}
	}
	return out
}

type Service struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	licenses    repository.Repository[domain.License]
	allocations repository.Repository[domain.Allocation]
	tenants     tenantdomain.Lookup
	metrics     *obsmetrics.Metrics

	mu      sync.RWMutex
	entries map[string]*licenseEntry

	// tenantLocks serialize grants checked against cross-license tenant limits.
	tenantMu    sync.Mutex
	tenantLocks map[string]*sync.Mutex

	obsMu     sync.RWMutex
	observers []domain.Observer
}

func NewService(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("license.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		licenses:    repository.ProvideStore[domain.License](p.Backend, p.Clock),
		allocations: repository.ProvideStore[domain.Allocation](p.Backend, p.Clock),
		tenants:     p.Tenants,
		metrics:     p.Metrics,
		entries:     make(map[string]*licenseEntry),
		tenantLocks: make(map[string]*sync.Mutex),
	}
}

// Restore reloads licenses and seats and recounts used seats from the live allocations.
func (s *Service) Restore(ctx context.Context) error {
	licenses, err := s.licenses.List(ctx)
	if err != nil {
		return err
	}
	seats, err := s.allocations.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range licenses {
		s.entries[l.ID] = &licenseEntry{
			tenantID: l.TenantID,
			typ:      l.Type,
			state:    l,
			seats:    map[string]domain.Allocation{},
		}
	}
	for _, a := range seats {
		entry, ok := s.entries[a.LicenseID]
		if !ok {
			s.log.Warn("seat allocation references unknown license",
				zap.String("allocation_id", a.ID),
				zap.String("license_id", a.LicenseID),
			)
			continue
		}
		entry.seats[a.ID] = a
	}
	for _, entry := range s.entries {
		live := len(entry.liveUsers())
		if live != entry.state.UsedSeats {
			s.log.Warn("used seats reconciled from allocations",
				zap.String("license_id", entry.state.ID),
				zap.Int("stored", entry.state.UsedSeats),
				zap.Int("live", live),
			)
			entry.state.UsedSeats = live
		}
	}
	s.log.Info("licenses restored", zap.Int("licenses", len(licenses)), zap.Int("allocations", len(seats)))
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

func (s *Service) CreateLicense(ctx context.Context, req domain.CreateLicenseRequest) (*domain.Record, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	if !req.Type.Valid() {
		return nil, domain.ErrInvalidType
	}
	if req.TotalSeats < 0 {
		return nil, domain.ErrInvalidSeats
	}
	if req.ExpiresAt.IsZero() {
		return nil, domain.ErrInvalidExpiration
	}
	cost, err := normalizeCost(req.Cost)
	if err != nil {
		return nil, err
	}
	tenant, err := s.tenants.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.genID.Generate().String()
	}
	purchased := req.PurchasedAt
	if purchased.IsZero() {
		purchased = now
	}
	license := domain.License{
		ID:          id,
		TenantID:    tenant.ID,
		Name:        name,
		Type:        req.Type,
		TotalSeats:  req.TotalSeats,
		Features:    normalizeFeatures(req.Features),
		PurchasedAt: purchased.UTC(),
		ActivatesAt: utcPtr(req.ActivatesAt),
		ExpiresAt:   req.ExpiresAt.UTC(),
		Trial:       req.Trial,
		Cost:        cost,
		Compliance:  req.Compliance,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	if _, exists := s.entries[id]; exists {
		s.mu.Unlock()
		return nil, domain.ErrDuplicateLicense
	}
	if err := s.licenses.Save(ctx, license); err != nil {
		s.mu.Unlock()
		s.log.Error("failed to persist license", zap.String("license_id", id), zap.Error(err))
		return nil, err
	}
	s.entries[id] = &licenseEntry{
		tenantID: license.TenantID,
		typ:      license.Type,
		state:    license,
		seats:    map[string]domain.Allocation{},
	}
	s.mu.Unlock()

	s.log.Info("license created",
		zap.String("license_id", id),
		zap.String("tenant_id", license.TenantID),
		zap.String("type", string(license.Type)),
		zap.Int("total_seats", license.TotalSeats),
	)
	rec := license.At(now)
	s.notify(ctx, rec, now)
	return &rec, nil
}

func (s *Service) GetLicense(ctx context.Context, id string) (*domain.Record, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	entry.mu.Lock()
	rec := entry.state.At(now)
	entry.mu.Unlock()
	return &rec, nil
}

// ListLicenses returns every license when tenantID is empty.
func (s *Service) ListLicenses(ctx context.Context, tenantID string) ([]domain.Record, error) {
	now := s.clock.Now()
	out := []domain.Record{}
	for _, entry := range s.snapshotEntries() {
		if tenantID != "" && entry.tenantID != tenantID {
			continue
		}
		entry.mu.Lock()
		out = append(out, entry.state.At(now))
		entry.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Service) Suspend(ctx context.Context, id string) (*domain.Record, error) {
	return s.mutate(ctx, id, "suspend", func(next *domain.License, _ time.Time) error {
		next.Suspended = true
		return nil
	})
}

func (s *Service) Resume(ctx context.Context, id string) (*domain.Record, error) {
	return s.mutate(ctx, id, "resume", func(next *domain.License, _ time.Time) error {
		next.Suspended = false
		return nil
	})
}

// Renew moves the expiration forward and ends any trial or pending window.
// An explicit suspension survives renewal.
func (s *Service) Renew(ctx context.Context, req domain.RenewRequest) (*domain.Record, error) {
	if req.NewTotalSeats < 0 {
		return nil, domain.ErrInvalidSeats
	}
	return s.mutate(ctx, req.LicenseID, "renew", func(next *domain.License, now time.Time) error {
		if !req.NewExpiration.After(now) {
			return domain.ErrInvalidRenewalDate
		}
		if req.NewTotalSeats > 0 {
			if req.NewTotalSeats < next.UsedSeats {
				return apperror.Wrap(apperror.LimitBelowUsage, domain.ErrSeatsBelowUsed.Message,
					fmt.Errorf("%d seats requested, %d in use", req.NewTotalSeats, next.UsedSeats))
			}
			next.TotalSeats = req.NewTotalSeats
		}
		renewed := now
		next.ExpiresAt = req.NewExpiration.UTC()
		next.Trial = false
		next.ActivatesAt = nil
		next.LastRenewedAt = &renewed
		next.RenewalCount++
		return nil
	})
}

func (s *Service) UpdateCompliance(ctx context.Context, id string, compliance domain.Compliance) (*domain.Record, error) {
	return s.mutate(ctx, id, "update_compliance", func(next *domain.License, _ time.Time) error {
		compliance.LastAuditAt = utcPtr(compliance.LastAuditAt)
		compliance.NextAuditDue = utcPtr(compliance.NextAuditDue)
		next.Compliance = compliance
		return nil
	})
}

func (s *Service) GrantSeat(ctx context.Context, req domain.GrantSeatRequest) (*domain.Allocation, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrUserRequired
	}
	entry, err := s.entry(req.LicenseID)
	if err != nil {
		return nil, err
	}
	var out *domain.Allocation
	err = s.tenants.WithTenant(ctx, entry.tenantID, func(tenant tenantdomain.Tenant) error {
		var err error
		out, err = s.grant(ctx, entry, tenant, req, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// grant runs with the tenant's limits held stable by WithTenant.
func (s *Service) grant(ctx context.Context, entry *licenseEntry, tenant tenantdomain.Tenant, req domain.GrantSeatRequest, userID string) (*domain.Allocation, error) {
	if !tenant.Active() {
		s.reject(ctx, "grant", entry.state.ID, tenantdomain.ErrTenantNotActive)
		return nil, tenantdomain.ErrTenantNotActive
	}

	limits := tenant.Limits
	checkSessions := entry.typ == domain.TypeConcurrent && limits.MaxConcurrentSessions > 0
	limited := limits.MaxUsers > 0 || checkSessions
	users := map[string]struct{}{}
	var sessions int64
	if limited {
		lock := s.tenantLock(tenant.ID)
		lock.Lock()
		defer lock.Unlock()
		users, sessions = s.tenantSeats(tenant.ID, entry)
	}

	entry.mu.Lock()
	now := s.clock.Now()
	current := entry.state
	status := current.StatusAt(now)

	fail := func(err error) (*domain.Allocation, error) {
		entry.mu.Unlock()
		s.reject(ctx, "grant", current.ID, err)
		return nil, err
	}
	if !status.Grantable() {
		return fail(apperror.Wrap(apperror.LicenseNotActive, domain.ErrLicenseNotActive.Message,
			fmt.Errorf("license is %s", status)))
	}
	if existing, ok := entry.liveSeat(userID); ok {
		entry.mu.Unlock()
		out := existing.Effective(status)
		return &out, nil
	}
	features := normalizeFeatures(req.Features)
	if !current.HasFeatures(features) {
		return fail(domain.ErrFeatureNotLicensed)
	}
	if current.UsedSeats >= current.TotalSeats {
		return fail(domain.ErrNoSeatsAvailable)
	}
	if limits.MaxUsers > 0 {
		for _, u := range entry.liveUsers() {
			users[u] = struct{}{}
		}
		if _, holds := users[userID]; !holds && int64(len(users))+1 > limits.MaxUsers {
			return fail(apperror.Wrap(apperror.TenantLimitExceeded, domain.ErrTenantLimitExceeded.Message,
				fmt.Errorf("max_users %d reached", limits.MaxUsers)))
		}
	}
	if checkSessions && sessions+int64(current.UsedSeats)+1 > limits.MaxConcurrentSessions {
		return fail(apperror.Wrap(apperror.TenantLimitExceeded, domain.ErrTenantLimitExceeded.Message,
			fmt.Errorf("max_concurrent_sessions %d reached", limits.MaxConcurrentSessions)))
	}

	seat := domain.Allocation{
		ID:        s.genID.Generate().String(),
		LicenseID: current.ID,
		TenantID:  current.TenantID,
		UserID:    userID,
		Features:  features,
		Status:    domain.AllocationAssigned,
		GrantedAt: now,
	}
	next := current.Clone()
	next.UsedSeats++
	if err := s.commit(ctx, entry, next, &seat, now); err != nil {
		entry.mu.Unlock()
		return nil, err
	}
	rec := entry.state.At(now)
	entry.mu.Unlock()

	s.metrics.RecordSeatOperation(ctx, "grant", "ok")
	s.log.Info("seat granted",
		zap.String("license_id", current.ID),
		zap.String("user_id", userID),
		zap.Int("used_seats", rec.UsedSeats),
	)
	s.notify(ctx, rec, now)
	out := seat.Effective(rec.Status)
	return &out, nil
}

func (s *Service) RevokeSeat(ctx context.Context, licenseID, userID string) (*domain.Allocation, error) {
	entry, err := s.entry(licenseID)
	if err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)

	entry.mu.Lock()
	now := s.clock.Now()
	seat, ok := entry.liveSeat(userID)
	if !ok {
		entry.mu.Unlock()
		s.reject(ctx, "revoke", licenseID, domain.ErrAllocationNotFound)
		return nil, domain.ErrAllocationNotFound
	}
	revoked := now
	seat.Status = domain.AllocationRevoked
	seat.RevokedAt = &revoked
	next := entry.state.Clone()
	next.UsedSeats--
	if err := s.commit(ctx, entry, next, &seat, now); err != nil {
		entry.mu.Unlock()
		return nil, err
	}
	rec := entry.state.At(now)
	entry.mu.Unlock()

	s.metrics.RecordSeatOperation(ctx, "revoke", "ok")
	s.log.Info("seat revoked", zap.String("license_id", rec.ID), zap.String("user_id", userID))
	s.notify(ctx, rec, now)
	out := seat.Effective(rec.Status)
	return &out, nil
}

// RecordUsage accumulates hours on a live seat and marks it active.
func (s *Service) RecordUsage(ctx context.Context, req domain.RecordUsageRequest) (*domain.Allocation, error) {
	if req.Hours < 0 {
		return nil, domain.ErrInvalidHours
	}
	entry, err := s.entry(req.LicenseID)
	if err != nil {
		return nil, err
	}
	userID := strings.TrimSpace(req.UserID)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	now := s.clock.Now()
	status := entry.state.StatusAt(now)
	if !status.Grantable() {
		err := apperror.Wrap(apperror.LicenseNotActive, domain.ErrLicenseNotActive.Message,
			fmt.Errorf("license is %s", status))
		s.reject(ctx, "record_usage", req.LicenseID, err)
		return nil, err
	}
	seat, ok := entry.liveSeat(userID)
	if !ok {
		s.reject(ctx, "record_usage", req.LicenseID, domain.ErrAllocationNotFound)
		return nil, domain.ErrAllocationNotFound
	}
	used := now
	seat.UsageHours += req.Hours
	seat.Status = domain.AllocationActive
	seat.LastUsedAt = &used
	if err := s.allocations.Save(ctx, seat); err != nil {
		s.log.Error("failed to persist seat usage", zap.String("allocation_id", seat.ID), zap.Error(err))
		return nil, err
	}
	entry.seats[seat.ID] = seat
	s.metrics.RecordSeatOperation(ctx, "record_usage", "ok")
	out := seat.Effective(status)
	return &out, nil
}

func (s *Service) ListAllocations(ctx context.Context, licenseID string) ([]domain.Allocation, error) {
	entry, err := s.entry(licenseID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	entry.mu.Lock()
	status := entry.state.StatusAt(now)
	out := make([]domain.Allocation, 0, len(entry.seats))
	for _, a := range entry.seats {
		out = append(out, a.Effective(status))
	}
	entry.mu.Unlock()
	domain.SortAllocations(out)
	return out, nil
}

// TotalAnnualCost sums annualized cost per currency, skipping expired licenses.
func (s *Service) TotalAnnualCost(ctx context.Context, tenantID string) (map[string]int64, error) {
	now := s.clock.Now()
	out := map[string]int64{}
	for _, entry := range s.snapshotEntries() {
		if tenantID != "" && entry.tenantID != tenantID {
			continue
		}
		entry.mu.Lock()
		l := entry.state
		entry.mu.Unlock()
		if l.StatusAt(now) == domain.StatusExpired {
			continue
		}
		out[l.Cost.Currency] += l.Cost.Annual()
	}
	return out, nil
}

// TenantConsumption reports distinct seat holders and seats held on concurrent licenses.
func (s *Service) TenantConsumption(ctx context.Context, tenantID string) (tenantdomain.Consumption, error) {
	users, sessions := s.tenantSeats(tenantID, nil)
	return tenantdomain.Consumption{
		Users:              int64(len(users)),
		ConcurrentSessions: sessions,
	}, nil
}

func (s *Service) mutate(ctx context.Context, id, op string, fn func(next *domain.License, now time.Time) error) (*domain.Record, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	now := s.clock.Now()
	next := entry.state.Clone()
	if err := fn(&next, now); err != nil {
		entry.mu.Unlock()
		s.reject(ctx, op, entry.state.ID, err)
		return nil, err
	}
	if err := s.commit(ctx, entry, next, nil, now); err != nil {
		entry.mu.Unlock()
		return nil, err
	}
	rec := entry.state.At(now)
	entry.mu.Unlock()

	s.log.Info("license updated",
		zap.String("license_id", rec.ID),
		zap.String("operation", op),
		zap.String("status", string(rec.Status)),
	)
	s.notify(ctx, rec, now)
	return &rec, nil
}

// commit persists the license and then the seat, and only then updates the
// in-memory entry. Caller holds entry.mu.
func (s *Service) commit(ctx context.Context, entry *licenseEntry, next domain.License, seat *domain.Allocation, now time.Time) error {
	if next.UsedSeats < 0 || next.UsedSeats > next.TotalSeats {
		s.log.Error("license seat invariant violated", zap.String("license_id", next.ID))
		return apperror.New(apperror.Internal, "license_invariant_violated")
	}
	next.Version = entry.state.Version + 1
	next.UpdatedAt = now
	if err := s.licenses.Save(ctx, next); err != nil {
		s.log.Error("failed to persist license", zap.String("license_id", next.ID), zap.Error(err))
		return err
	}
	if seat != nil {
		if err := s.allocations.Save(ctx, *seat); err != nil {
			s.log.Error("failed to persist seat allocation", zap.String("allocation_id", seat.ID), zap.Error(err))
			return err
		}
		entry.seats[seat.ID] = *seat
	}
	entry.state = next
	return nil
}

func (s *Service) reject(ctx context.Context, op, licenseID string, err error) {
	kind := apperror.KindOf(err)
	s.metrics.RecordSeatOperation(ctx, op, string(kind))
	s.log.Warn("license command rejected",
		zap.String("license_id", licenseID),
		zap.String("operation", op),
		zap.String("error_kind", string(kind)),
		zap.Error(err),
	)
}

func (s *Service) notify(ctx context.Context, rec domain.Record, now time.Time) {
	s.obsMu.RLock()
	observers := append([]domain.Observer(nil), s.observers...)
	s.obsMu.RUnlock()
	for _, obs := range observers {
		obs.LicenseChanged(ctx, rec, now)
	}
}

func (s *Service) entry(id string) (*licenseEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrLicenseNotFound
	}
	return entry, nil
}

func (s *Service) snapshotEntries() []*licenseEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*licenseEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func (s *Service) tenantLock(tenantID string) *sync.Mutex {
	s.tenantMu.Lock()
	defer s.tenantMu.Unlock()
	lock, ok := s.tenantLocks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		s.tenantLocks[tenantID] = lock
	}
	return lock
}

// tenantSeats collects seat holders and concurrent seats across the tenant's
// licenses, skipping except. Locks one license at a time.
func (s *Service) tenantSeats(tenantID string, except *licenseEntry) (map[string]struct{}, int64) {
	users := map[string]struct{}{}
	var sessions int64
	for _, e := range s.snapshotEntries() {
		if e == except || e.tenantID != tenantID {
			continue
		}
		e.mu.Lock()
		live := e.liveUsers()
		e.mu.Unlock()
		for _, u := range live {
			users[u] = struct{}{}
		}
		if e.typ == domain.TypeConcurrent {
			sessions += int64(len(live))
		}
	}
	return users, sessions
}

func normalizeCost(c domain.Cost) (domain.Cost, error) {
	if c.Amount < 0 {
		return c, domain.ErrInvalidCost
	}
	if c.Period == "" {
		c.Period = domain.PeriodAnnual
	}
	if _, ok := c.Period.AnnualMultiplier(); !ok {
		return c, domain.ErrInvalidCost
	}
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
	return c, nil
}

func normalizeFeatures(features []string) []string {
	seen := make(map[string]struct{}, len(features))
	out := make([]string, 0, len(features))
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
