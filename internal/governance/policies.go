package governance

import (
	"context"

	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	alertdomain "github.com/smallbiznis/capacity/internal/alert/domain"
	"github.com/smallbiznis/capacity/internal/apperror"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
	"go.uber.org/zap"
)

var ErrAdministrativeRole = apperror.New(apperror.Forbidden, "administrative_role_requires_administrator")

func (s *Service) policyScoped(ctx context.Context, actor Actor, action, id string) (*scalingdomain.Policy, error) {
	policy, err := s.scaling.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, action, policy.TenantID); err != nil {
		return nil, err
	}
	return policy, nil
}

// CreatePolicy authorizes against the policy's tenant. Pool-wide policies belong to the platform.
func (s *Service) CreatePolicy(ctx context.Context, actor Actor, req scalingdomain.CreatePolicyRequest) (_ *scalingdomain.Policy, err error) {
	ctx, span := s.start(ctx, "CreatePolicy", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPolicyCreate, req.TenantID); err != nil {
		return nil, err
	}
	return s.scaling.CreatePolicy(ctx, req)
}

func (s *Service) GetPolicy(ctx context.Context, actor Actor, id string) (_ *scalingdomain.Policy, err error) {
	ctx, span := s.start(ctx, "GetPolicy", actor)
	defer func() { finish(span, err) }()
	return s.policyScoped(ctx, actor, acdomain.ActionPolicyRead, id)
}

func (s *Service) ListPolicies(ctx context.Context, actor Actor, tenantID string) (_ []scalingdomain.Policy, err error) {
	ctx, span := s.start(ctx, "ListPolicies", actor)
	defer func() { finish(span, err) }()
	tenantID, _, err = s.scope(ctx, actor, acdomain.ActionPolicyRead, tenantID)
	if err != nil {
		return nil, err
	}
	return s.scaling.ListPolicies(ctx, tenantID)
}

func (s *Service) EnablePolicy(ctx context.Context, actor Actor, id string) (_ *scalingdomain.Policy, err error) {
	ctx, span := s.start(ctx, "EnablePolicy", actor)
	defer func() { finish(span, err) }()
	if _, err := s.policyScoped(ctx, actor, acdomain.ActionPolicyEnable, id); err != nil {
		return nil, err
	}
	return s.scaling.Enable(ctx, id)
}

func (s *Service) DisablePolicy(ctx context.Context, actor Actor, id string) (_ *scalingdomain.Policy, err error) {
	ctx, span := s.start(ctx, "DisablePolicy", actor)
	defer func() { finish(span, err) }()
	if _, err := s.policyScoped(ctx, actor, acdomain.ActionPolicyDisable, id); err != nil {
		return nil, err
	}
	return s.scaling.Disable(ctx, id)
}

// EvaluateTick runs every policy against every pool and then re-sweeps alerts at the clock's time.
func (s *Service) EvaluateTick(ctx context.Context, actor Actor) (_ []scalingdomain.Event, err error) {
	ctx, span := s.start(ctx, "EvaluateTick", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionPolicyEvaluate, platformResource); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	events, err := s.scaling.EvaluateAll(ctx, now)
	if _, sweepErr := s.alerts.Sweep(ctx, now); sweepErr != nil {
		s.log.Error("alert sweep failed", zap.Error(sweepErr))
	}
	return events, err
}

func (s *Service) ListScalingEvents(ctx context.Context, actor Actor, filter scalingdomain.EventFilter) (_ []scalingdomain.Event, err error) {
	ctx, span := s.start(ctx, "ListScalingEvents", actor)
	defer func() { finish(span, err) }()
	filter.TenantID, _, err = s.scope(ctx, actor, acdomain.ActionPolicyRead, filter.TenantID)
	if err != nil {
		return nil, err
	}
	return s.scaling.ListEvents(ctx, filter)
}

func (s *Service) ListAlerts(ctx context.Context, actor Actor, filter alertdomain.ListFilter) (_ []alertdomain.Alert, err error) {
	ctx, span := s.start(ctx, "ListAlerts", actor)
	defer func() { finish(span, err) }()
	filter.TenantID, _, err = s.scope(ctx, actor, acdomain.ActionAlertRead, filter.TenantID)
	if err != nil {
		return nil, err
	}
	return s.alerts.List(ctx, filter)
}

func (s *Service) AcknowledgeAlert(ctx context.Context, actor Actor, id string) (_ *alertdomain.Alert, err error) {
	ctx, span := s.start(ctx, "AcknowledgeAlert", actor)
	defer func() { finish(span, err) }()
	alert, err := s.alerts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, acdomain.ActionAlertAcknowledge, alert.TenantID); err != nil {
		return nil, err
	}
	return s.alerts.Acknowledge(ctx, id, actor.UserID)
}

func (s *Service) SweepAlerts(ctx context.Context, actor Actor) (_ []alertdomain.Alert, err error) {
	ctx, span := s.start(ctx, "SweepAlerts", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionAlertSweep, platformResource); err != nil {
		return nil, err
	}
	return s.alerts.Sweep(ctx, s.clock.Now())
}

func (s *Service) DefineRole(ctx context.Context, actor Actor, req acdomain.DefineRoleRequest) (_ *acdomain.Role, err error) {
	ctx, span := s.start(ctx, "DefineRole", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionRoleDefine, platformResource); err != nil {
		return nil, err
	}
	return s.access.DefineRole(ctx, req)
}

func (s *Service) ListRoles(ctx context.Context, actor Actor) (_ []acdomain.Role, err error) {
	ctx, span := s.start(ctx, "ListRoles", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionRoleRead, actor.TenantID); err != nil {
		return nil, err
	}
	return s.access.ListRoles(ctx)
}

func (s *Service) ResolvePermissions(ctx context.Context, actor Actor, roleID string) (_ []string, err error) {
	ctx, span := s.start(ctx, "ResolvePermissions", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionRoleRead, actor.TenantID); err != nil {
		return nil, err
	}
	return s.access.ResolvePermissions(ctx, roleID)
}

// AssignRole binds a role within req.TenantID. Handing out an administrative role needs an
// administrative actor so tenant admins cannot escalate past their tenant.
func (s *Service) AssignRole(ctx context.Context, actor Actor, req acdomain.AssignRoleRequest) (_ *acdomain.Assignment, err error) {
	ctx, span := s.start(ctx, "AssignRole", actor)
	defer func() { finish(span, err) }()
	if err := s.authorize(ctx, actor, acdomain.ActionRoleAssign, req.TenantID); err != nil {
		return nil, err
	}
	target, err := s.access.IsAdministrative(ctx, req.RoleID)
	if err != nil {
		return nil, err
	}
	if target {
		admin, err := s.administrative(ctx, actor)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, ErrAdministrativeRole
		}
	}
	req.AssignedBy = actor.UserID
	return s.access.AssignRole(ctx, req)
}
