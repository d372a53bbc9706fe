// Package governance is the command surface of the engine. Every command names the acting
// principal, is authorized through the access control evaluator and then delegated.
package governance

import (
	"context"

	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	alertdomain "github.com/smallbiznis/capacity/internal/alert/domain"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/clock"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "capacity/governance"

// platformResource marks resources owned by no tenant. Only administrative roles act on them.
const platformResource = ""

var ErrActorRequired = apperror.New(apperror.Forbidden, "actor_required")

// Actor is the principal issuing a command.
type Actor struct {
	TenantID string
	UserID   string
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Access   acdomain.Service
	Tenants  tenantdomain.Service
	Pools    pooldomain.Service
	Licenses licensedomain.Service
	Scaling  scalingdomain.Service
	Alerts   alertdomain.Service
}

type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	tracer   trace.Tracer
	access   acdomain.Service
	tenants  tenantdomain.Service
	pools    pooldomain.Service
	licenses licensedomain.Service
	scaling  scalingdomain.Service
	alerts   alertdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:      p.Log.Named("governance"),
		clock:    p.Clock,
		tracer:   otel.Tracer(tracerName),
		access:   p.Access,
		tenants:  p.Tenants,
		pools:    p.Pools,
		licenses: p.Licenses,
		scaling:  p.Scaling,
		alerts:   p.Alerts,
	}
}

// Authorize checks whether the actor may perform action on a resource owned by resourceTenantID.
func (s *Service) Authorize(ctx context.Context, actor Actor, action, resourceTenantID string) (err error) {
	ctx, span := s.start(ctx, "Authorize", actor)
	defer func() { finish(span, err) }()
	return s.authorize(ctx, actor, action, resourceTenantID)
}

func (s *Service) authorize(ctx context.Context, actor Actor, action, resourceTenantID string) error {
	if actor.TenantID == "" || actor.UserID == "" {
		return ErrActorRequired
	}
	return s.access.AuthorizeUser(ctx, actor.TenantID, actor.UserID, action, resourceTenantID)
}

// administrative reports whether the actor's assigned role carries platform-wide authority.
func (s *Service) administrative(ctx context.Context, actor Actor) (bool, error) {
	role, err := s.access.RoleOf(ctx, actor.TenantID, actor.UserID)
	if err != nil {
		return false, err
	}
	return s.access.IsAdministrative(ctx, role.ID)
}

// scope authorizes a read over a collection. Administrative actors see every tenant, others
// are narrowed to their own tenant whatever they asked for.
func (s *Service) scope(ctx context.Context, actor Actor, action, requested string) (string, bool, error) {
	if err := s.authorize(ctx, actor, action, actor.TenantID); err != nil {
		return "", false, err
	}
	admin, err := s.administrative(ctx, actor)
	if err != nil {
		return "", false, err
	}
	if admin {
		return requested, true, nil
	}
	return actor.TenantID, false, nil
}

func (s *Service) start(ctx context.Context, name string, actor Actor) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "governance."+name, trace.WithAttributes(
		attribute.String("actor.tenant_id", actor.TenantID),
		attribute.String("actor.user_id", actor.UserID),
	))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperror.KindOf(err)))
	}
	span.End()
}
