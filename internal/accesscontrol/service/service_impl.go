package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/clock"
	obsmetrics "github.com/smallbiznis/capacity/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"github.com/smallbiznis/capacity/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const rolePrefix = "role:"

var roleIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Backend  repository.Backend
	Enforcer *casbin.SyncedEnforcer
	Tenants  tenantdomain.Lookup
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	roleRepo   repository.Repository[domain.Role]
	assignRepo repository.Repository[domain.Assignment]
	enforcer   *casbin.SyncedEnforcer
	tenants    tenantdomain.Lookup
	metrics    *obsmetrics.Metrics

	mu          sync.RWMutex
	roles       map[string]domain.Role
	assignments map[string]domain.Assignment
}

func NewService(p Params) domain.Service {
	return &Service{
		log:         p.Log.Named("accesscontrol.service"),
		clock:       p.Clock,
		roleRepo:    repository.ProvideStore[domain.Role](p.Backend, p.Clock),
		assignRepo:  repository.ProvideStore[domain.Assignment](p.Backend, p.Clock),
		enforcer:    p.Enforcer,
		tenants:     p.Tenants,
		metrics:     p.Metrics,
		roles:       make(map[string]domain.Role),
		assignments: make(map[string]domain.Assignment),
	}
}

// Restore loads persisted roles and assignments, seeds missing built-in roles
// and rebuilds the enforcer from scratch.
func (s *Service) Restore(ctx context.Context) error {
	roles, err := s.roleRepo.List(ctx)
	if err != nil {
		return err
	}
	assignments, err := s.assignRepo.List(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range roles {
		s.roles[r.ID] = r
	}
	for _, a := range assignments {
		s.assignments[a.ID] = a
	}

	now := s.clock.Now()
	seeded := 0
	for _, r := range domain.BuiltInRoles() {
		if _, ok := s.roles[r.ID]; ok {
			continue
		}
		r.CreatedAt = now
		r.UpdatedAt = now
		if err := s.roleRepo.Save(ctx, r); err != nil {
			return err
		}
		s.roles[r.ID] = r
		seeded++
	}

	s.enforcer.ClearPolicy()
	for _, r := range s.roles {
		if err := s.syncRole(r); err != nil {
			return err
		}
	}
	s.log.Info("access control restored",
		zap.Int("roles", len(s.roles)),
		zap.Int("seeded", seeded),
		zap.Int("assignments", len(s.assignments)),
	)
	return nil
}

func (s *Service) DefineRole(ctx context.Context, req domain.DefineRoleRequest) (*domain.Role, error) {
	id := strings.TrimSpace(req.ID)
	if !roleIDPattern.MatchString(id) {
		return nil, domain.ErrInvalidRoleID
	}
	perms, err := normalizePermissions(req.Permissions)
	if err != nil {
		return nil, err
	}
	parents := normalizeIDs(req.Parents)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.roles[id]
	if exists && existing.BuiltIn {
		return nil, domain.ErrBuiltInRole
	}
	for _, parent := range parents {
		if parent == id {
			return nil, domain.ErrCycleDetected
		}
		if _, ok := s.roles[parent]; !ok {
			return nil, apperror.Wrap(apperror.NotFound, domain.ErrRoleNotFound.Message, fmt.Errorf("parent role %q", parent))
		}
	}

	now := s.clock.Now()
	role := domain.Role{
		ID:             id,
		Name:           strings.TrimSpace(req.Name),
		Permissions:    perms,
		Parents:        parents,
		Administrative: req.Administrative,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if role.Name == "" {
		role.Name = id
	}
	if exists {
		role.CreatedAt = existing.CreatedAt
	}

	graph := make(map[string][]string, len(s.roles)+1)
	for rid, r := range s.roles {
		graph[rid] = r.Parents
	}
	graph[id] = parents
	if reachable(graph, parents, id) {
		return nil, domain.ErrCycleDetected
	}
	if depth := maxDepth(graph); depth > domain.MaxHierarchyDepth {
		return nil, apperror.Wrap(apperror.Invalid, domain.ErrHierarchyTooDeep.Message,
			fmt.Errorf("hierarchy depth %d exceeds %d", depth, domain.MaxHierarchyDepth))
	}

	if err := s.roleRepo.Save(ctx, role); err != nil {
		s.log.Error("failed to persist role", zap.String("role_id", id), zap.Error(err))
		return nil, err
	}
	if err := s.syncRole(role); err != nil {
		s.log.Error("failed to load role into enforcer", zap.String("role_id", id), zap.Error(err))
		return nil, apperror.Wrap(apperror.Internal, "enforcer_sync", err)
	}
	s.roles[id] = role
	s.log.Info("role defined",
		zap.String("role_id", id),
		zap.Strings("parents", parents),
		zap.Int("permissions", len(perms)),
		zap.Bool("administrative", role.Administrative),
	)
	out := role.Clone()
	return &out, nil
}

func (s *Service) GetRole(ctx context.Context, id string) (*domain.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[strings.TrimSpace(id)]
	if !ok {
		return nil, domain.ErrRoleNotFound
	}
	out := r.Clone()
	return &out, nil
}

func (s *Service) ListRoles(ctx context.Context) ([]domain.Role, error) {
	s.mu.RLock()
	out := make([]domain.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	domain.SortRoles(out)
	return out, nil
}

// ResolvePermissions returns the transitive permission set, sorted.
func (s *Service) ResolvePermissions(ctx context.Context, roleID string) ([]string, error) {
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	rules, err := s.enforcer.GetImplicitPermissionsForUser(subject(roleID))
	if err != nil {
		return nil, apperror.Wrap(apperror.Internal, "resolve_permissions", err)
	}
	set := map[string]struct{}{}
	for _, rule := range rules {
		if len(rule) < 2 {
			continue
		}
		set[rule[1]] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) IsAdministrative(ctx context.Context, roleID string) (bool, error) {
	role, err := s.GetRole(ctx, roleID)
	if err != nil {
		return false, err
	}
	if role.Administrative {
		return true, nil
	}
	ancestors, err := s.enforcer.GetImplicitRolesForUser(subject(role.ID))
	if err != nil {
		return false, apperror.Wrap(apperror.Internal, "resolve_roles", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range ancestors {
		if r, ok := s.roles[strings.TrimPrefix(a, rolePrefix)]; ok && r.Administrative {
			return true, nil
		}
	}
	return false, nil
}

// AssignRole replaces any previous role of the user within the tenant.
func (s *Service) AssignRole(ctx context.Context, req domain.AssignRoleRequest) (*domain.Assignment, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	userID := strings.TrimSpace(req.UserID)
	if tenantID == "" || userID == "" {
		return nil, domain.ErrInvalidAssignment
	}
	if _, err := s.tenants.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	roleID := strings.TrimSpace(req.RoleID)
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return nil, err
	}

	a := domain.Assignment{
		ID:         domain.AssignmentID(tenantID, userID),
		TenantID:   tenantID,
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: strings.TrimSpace(req.AssignedBy),
		AssignedAt: s.clock.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.assignRepo.Save(ctx, a); err != nil {
		s.log.Error("failed to persist role assignment", zap.String("assignment_id", a.ID), zap.Error(err))
		return nil, err
	}
	s.assignments[a.ID] = a
	s.log.Info("role assigned",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.String("role_id", roleID),
	)
	return &a, nil
}

func (s *Service) RoleOf(ctx context.Context, tenantID, userID string) (*domain.Role, error) {
	s.mu.RLock()
	a, ok := s.assignments[domain.AssignmentID(strings.TrimSpace(tenantID), strings.TrimSpace(userID))]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrAssignmentNotFound
	}
	return s.GetRole(ctx, a.RoleID)
}

// Authorize requires the action in the resolved permission set and, unless the
// role is administrative, a resource in the caller's own tenant.
func (s *Service) Authorize(ctx context.Context, req domain.AuthorizeRequest) error {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return domain.ErrInvalidPermission
	}
	roleID := strings.TrimSpace(req.RoleID)
	if _, err := s.GetRole(ctx, roleID); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject(roleID), action)
	if err != nil {
		return apperror.Wrap(apperror.Internal, "enforce", err)
	}
	if !allowed {
		return s.deny(ctx, req, apperror.Wrap(apperror.Forbidden, domain.ErrForbidden.Message,
			fmt.Errorf("role %s lacks %s", roleID, action)))
	}

	admin, err := s.IsAdministrative(ctx, roleID)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	caller := strings.TrimSpace(req.CallerTenantID)
	if caller == "" || caller != strings.TrimSpace(req.ResourceTenantID) {
		return s.deny(ctx, req, apperror.Wrap(apperror.Forbidden, domain.ErrTenantMismatch.Message,
			fmt.Errorf("caller tenant %q cannot act on tenant %q", caller, req.ResourceTenantID)))
	}
	return nil
}

func (s *Service) AuthorizeUser(ctx context.Context, callerTenantID, userID, action, resourceTenantID string) error {
	role, err := s.RoleOf(ctx, callerTenantID, userID)
	if err != nil {
		s.metrics.RecordDenied(ctx, action)
		return err
	}
	return s.Authorize(ctx, domain.AuthorizeRequest{
		RoleID:           role.ID,
		Action:           action,
		ResourceTenantID: resourceTenantID,
		CallerTenantID:   callerTenantID,
	})
}

func (s *Service) deny(ctx context.Context, req domain.AuthorizeRequest, err error) error {
	s.metrics.RecordDenied(ctx, req.Action)
	s.log.Warn("authorization denied",
		zap.String("role_id", req.RoleID),
		zap.String("action", req.Action),
		zap.String("caller_tenant_id", req.CallerTenantID),
		zap.String("resource_tenant_id", req.ResourceTenantID),
		zap.Error(err),
	)
	return err
}

// syncRole replaces the role's policies and parent links in the enforcer.
func (s *Service) syncRole(r domain.Role) error {
	sub := subject(r.ID)
	if _, err := s.enforcer.RemoveFilteredPolicy(0, sub); err != nil {
		return err
	}
	if _, err := s.enforcer.RemoveFilteredGroupingPolicy(0, sub); err != nil {
		return err
	}
	if len(r.Permissions) > 0 {
		rules := make([][]string, 0, len(r.Permissions))
		for _, p := range r.Permissions {
			rules = append(rules, []string{sub, p})
		}
		if _, err := s.enforcer.AddPolicies(rules); err != nil {
			return err
		}
	}
	if len(r.Parents) > 0 {
		links := make([][]string, 0, len(r.Parents))
		for _, parent := range r.Parents {
			links = append(links, []string{sub, subject(parent)})
		}
		if _, err := s.enforcer.AddGroupingPolicies(links); err != nil {
			return err
		}
	}
	return nil
}

func subject(roleID string) string {
	return rolePrefix + roleID
}

// reachable reports whether target can be reached from any of starts by following parents.
func reachable(graph map[string][]string, starts []string, target string) bool {
	seen := map[string]bool{}
	stack := append([]string(nil), starts...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == target {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, graph[n]...)
	}
	return false
}

// maxDepth is the longest chain of roles, counting the role itself. graph must be acyclic.
func maxDepth(graph map[string][]string) int {
	memo := make(map[string]int, len(graph))
	var depth func(string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		d := 1
		for _, p := range graph[id] {
			if pd := depth(p) + 1; pd > d {
				d = pd
			}
		}
		memo[id] = d
		return d
	}
	longest := 0
	for id := range graph {
		if d := depth(id); d > longest {
			longest = d
		}
	}
	return longest
}

func normalizePermissions(perms []string) ([]string, error) {
	out := normalizeIDs(perms)
	for _, p := range out {
		if strings.ContainsAny(p, " ,") {
			return nil, domain.ErrInvalidPermission
		}
	}
	return out, nil
}

func normalizeIDs(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
