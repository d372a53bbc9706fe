package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/capacity/internal/apperror"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
)

type Service interface {
	CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*Policy, error)
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPolicies(ctx context.Context, tenantID string) ([]Policy, error)
	Enable(ctx context.Context, id string) (*Policy, error)
	Disable(ctx context.Context, id string) (*Policy, error)

	Evaluate(ctx context.Context, poolID string, now time.Time) ([]Event, error)
	EvaluateAll(ctx context.Context, now time.Time) ([]Event, error)
	State(ctx context.Context, policyID, poolID string) (*State, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)

	Subscribe(obs Observer)
	Restore(ctx context.Context) error
}

// Observer is told about every recorded event together with the policy that produced it.
type Observer interface {
	ScalingEventRecorded(ctx context.Context, event Event, policy Policy, now time.Time)
}

// CreatePolicyRequest uses the configured default cooldown when Cooldown is nil.
type CreatePolicyRequest struct {
	ID           string
	Name         string
	ResourceKind pooldomain.Kind
	PoolID       string
	TenantID     string
	Triggers     []Trigger
	Actions      []Action
	Disabled     bool
	Cooldown     *time.Duration
}

// EventFilter fields are optional; Limit keeps the newest events.
type EventFilter struct {
	PolicyID string
	PoolID   string
	TenantID string
	Limit    int
}

var (
	ErrPolicyNotFound   = apperror.New(apperror.NotFound, "policy_not_found")
	ErrStateNotFound    = apperror.New(apperror.NotFound, "policy_state_not_found")
	ErrDuplicatePolicy  = apperror.New(apperror.Invalid, "duplicate_policy")
	ErrInvalidName      = apperror.New(apperror.Invalid, "invalid_name")
	ErrInvalidKind      = apperror.New(apperror.Invalid, "invalid_resource_kind")
	ErrInvalidTrigger   = apperror.New(apperror.Invalid, "invalid_trigger")
	ErrInvalidAction    = apperror.New(apperror.Invalid, "invalid_action")
	ErrInvalidCooldown  = apperror.New(apperror.Invalid, "invalid_cooldown")
	ErrPoolKindMismatch = apperror.New(apperror.Invalid, "pool_kind_mismatch")
)
