package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/capacity/internal/alert/domain"
	"github.com/smallbiznis/capacity/internal/clock"
	"github.com/smallbiznis/capacity/internal/config"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	obsmetrics "github.com/smallbiznis/capacity/internal/observability/metrics"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
	"github.com/smallbiznis/capacity/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Backend    repository.Backend
	Pools      pooldomain.Service
	Licenses   licensedomain.Service
	Thresholds *config.ThresholdsHolder  `optional:"true"`
	Metrics    *obsmetrics.Metrics       `optional:"true"`
	Engine     *obsmetrics.EngineMetrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       repository.Repository[domain.Alert]
	pools      pooldomain.Service
	licenses   licensedomain.Service
	thresholds *config.ThresholdsHolder
	metrics    *obsmetrics.Metrics
	engine     *obsmetrics.EngineMetrics

	mu     sync.Mutex
	alerts map[string]domain.Alert
	// latest maps rule|source to the newest alert id for that pair.
	latest map[string]string
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("alert.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       repository.ProvideStore[domain.Alert](p.Backend, p.Clock),
		pools:      p.Pools,
		licenses:   p.Licenses,
		thresholds: p.Thresholds,
		metrics:    p.Metrics,
		engine:     p.Engine,
		alerts:     make(map[string]domain.Alert),
		latest:     make(map[string]string),
	}
}

func (s *Service) Restore(ctx context.Context) error {
	items, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})

	s.mu.Lock()
	for _, a := range items {
		s.alerts[a.ID] = a
		s.latest[a.Key()] = a.ID
	}
	s.mu.Unlock()
	s.publishGauge()
	s.log.Info("alerts restored", zap.Int("count", len(items)))
	return nil
}

func (s *Service) PoolChanged(ctx context.Context, pool pooldomain.Pool, now time.Time) {
	s.EvaluatePool(ctx, pool, now)
}

func (s *Service) LicenseChanged(ctx context.Context, license licensedomain.Record, now time.Time) {
	s.EvaluateLicense(ctx, license, now)
}

func (s *Service) ScalingEventRecorded(ctx context.Context, event scalingdomain.Event, policy scalingdomain.Policy, now time.Time) {
	finding, ok := domain.ScalingFinding(event, policy)
	if !ok {
		return
	}
	s.applyAll(ctx, []domain.Finding{finding}, now)
}

func (s *Service) EvaluatePool(ctx context.Context, pool pooldomain.Pool, now time.Time) []domain.Alert {
	return s.applyAll(ctx, domain.PoolFindings(pool, s.thresholds.Get()), now)
}

func (s *Service) EvaluateLicense(ctx context.Context, license licensedomain.Record, now time.Time) []domain.Alert {
	return s.applyAll(ctx, domain.LicenseFindings(license, now, s.thresholds.Get()), now)
}

// Sweep re-evaluates every pool and license so time-driven conditions surface without a mutation.
func (s *Service) Sweep(ctx context.Context, now time.Time) ([]domain.Alert, error) {
	pools, err := s.pools.ListPools(ctx, pooldomain.ListPoolsFilter{})
	if err != nil {
		return nil, err
	}
	licenses, err := s.licenses.ListLicenses(ctx, "")
	if err != nil {
		return nil, err
	}

	var out []domain.Alert
	for _, p := range pools {
		out = append(out, s.EvaluatePool(ctx, p, now)...)
	}
	for _, l := range licenses {
		// derive status at the sweep time, not at the time the list was read
		out = append(out, s.EvaluateLicense(ctx, l.License.At(now), now)...)
	}
	s.log.Debug("alert sweep finished",
		zap.Int("pools", len(pools)),
		zap.Int("licenses", len(licenses)),
		zap.Int("raised", len(out)),
	)
	return out, ctx.Err()
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrAlertNotFound
	}
	return &a, nil
}

// List returns matches newest first.
func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]domain.Alert, error) {
	s.mu.Lock()
	out := []domain.Alert{}
	for _, a := range s.alerts {
		if filter.TenantID != "" && a.TenantID != filter.TenantID {
			continue
		}
		if filter.SourceID != "" && a.SourceID != filter.SourceID {
			continue
		}
		if filter.Kind != "" && a.Kind != filter.Kind {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if filter.Acknowledged != nil && a.Acknowledged != *filter.Acknowledged {
			continue
		}
		out = append(out, a)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Acknowledge is idempotent: a second call returns the alert unchanged.
func (s *Service) Acknowledge(ctx context.Context, id, by string) (*domain.Alert, error) {
	s.mu.Lock()
	a, ok := s.alerts[strings.TrimSpace(id)]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrAlertNotFound
	}
	if a.Acknowledged {
		s.mu.Unlock()
		return &a, nil
	}
	now := s.clock.Now()
	next := a
	next.Acknowledged = true
	next.AcknowledgedAt = &now
	next.AcknowledgedBy = strings.TrimSpace(by)
	next.UpdatedAt = now
	if err := s.repo.Save(ctx, next); err != nil {
		s.mu.Unlock()
		s.log.Error("failed to persist alert", zap.String("alert_id", a.ID), zap.Error(err))
		return nil, err
	}
	s.alerts[a.ID] = next
	s.mu.Unlock()

	s.publishGauge()
	s.log.Info("alert acknowledged", zap.String("alert_id", a.ID), zap.String("by", next.AcknowledgedBy))
	return &next, nil
}

func (s *Service) OpenCounts(ctx context.Context) map[domain.Severity]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openCountsLocked()
}

func (s *Service) openCountsLocked() map[domain.Severity]int {
	out := map[domain.Severity]int{}
	for _, a := range s.alerts {
		if !a.Acknowledged {
			out[a.Severity]++
		}
	}
	return out
}

// applyAll returns the alerts that were raised or escalated.
func (s *Service) applyAll(ctx context.Context, findings []domain.Finding, now time.Time) []domain.Alert {
	var (
		raised []domain.Alert
		errs   []error
	)
	s.mu.Lock()
	changed := false
	for _, f := range findings {
		a, notable, dirty, err := s.apply(ctx, f, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		changed = changed || dirty
		if notable {
			raised = append(raised, a)
		}
	}
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		s.log.Error("failed to persist alerts", zap.Error(err))
	}
	for _, a := range raised {
		s.metrics.RecordAlert(ctx, string(a.Kind), string(a.Severity))
		s.log.Info("alert raised",
			zap.String("alert_id", a.ID),
			zap.String("rule", string(a.Rule)),
			zap.String("severity", string(a.Severity)),
			zap.String("source_id", a.SourceID),
		)
	}
	if changed {
		s.publishGauge()
	}
	return raised
}

// apply folds one finding into the alert set. Caller holds s.mu.
// notable is true when an alert was created or its severity worsened.
func (s *Service) apply(ctx context.Context, f domain.Finding, now time.Time) (alert domain.Alert, notable, dirty bool, err error) {
	key := domain.RuleKey(f.Rule, f.SourceID)
	id, exists := s.latest[key]
	current := s.alerts[id]

	if !f.Holds {
		if !exists || current.ConditionCleared {
			return current, false, false, nil
		}
		current.ConditionCleared = true
		current.UpdatedAt = now
		return current, false, true, s.store(ctx, current, false)
	}

	occurrence := f.Rule == domain.RuleScalingNotify || f.Rule == domain.RuleScalingFailure
	// an acknowledged alert never absorbs a finding; a holding condition raises a fresh one
	if exists && !current.Acknowledged {
		escalated := f.Severity.Worse(current.Severity)
		if !escalated && !current.ConditionCleared && !occurrence {
			return current, false, false, nil
		}
		if escalated {
			current.Severity = f.Severity
		}
		if escalated || occurrence {
			current.Message = f.Message
			current.Value = f.Value
		}
		if occurrence {
			current.Occurrences++
		}
		current.ConditionCleared = false
		current.UpdatedAt = now
		return current, escalated, true, s.store(ctx, current, false)
	}

	created := domain.Alert{
		ID:          s.genID.Generate().String(),
		Rule:        f.Rule,
		Kind:        f.Rule.Kind(),
		Severity:    f.Severity,
		SourceType:  f.SourceType,
		SourceID:    f.SourceID,
		TenantID:    f.TenantID,
		Message:     f.Message,
		Value:       f.Value,
		Occurrences: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return created, true, true, s.store(ctx, created, true)
}

func (s *Service) store(ctx context.Context, a domain.Alert, isNew bool) error {
	if err := s.repo.Save(ctx, a); err != nil {
		return err
	}
	s.alerts[a.ID] = a
	if isNew {
		s.latest[a.Key()] = a.ID
	}
	return nil
}

func (s *Service) publishGauge() {
	if s.engine == nil {
		return
	}
	s.mu.Lock()
	counts := s.openCountsLocked()
	s.mu.Unlock()
	out := make(map[string]int, len(counts))
	for sev, n := range counts {
		out[string(sev)] = n
	}
	s.engine.SetOpenAlerts(out)
}
