package domain

import (
	"context"

	"github.com/smallbiznis/capacity/internal/apperror"
)

type Service interface {
	DefineRole(ctx context.Context, req DefineRoleRequest) (*Role, error)
	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ResolvePermissions(ctx context.Context, roleID string) ([]string, error)
	IsAdministrative(ctx context.Context, roleID string) (bool, error)

	AssignRole(ctx context.Context, req AssignRoleRequest) (*Assignment, error)
	RoleOf(ctx context.Context, tenantID, userID string) (*Role, error)

	Authorize(ctx context.Context, req AuthorizeRequest) error
	AuthorizeUser(ctx context.Context, callerTenantID, userID, action, resourceTenantID string) error

	Restore(ctx context.Context) error
}

type DefineRoleRequest struct {
	ID             string
	Name           string
	Permissions    []string
	Parents        []string
	Administrative bool
}

type AssignRoleRequest struct {
	TenantID   string
	UserID     string
	RoleID     string
	AssignedBy string
}

// AuthorizeRequest: an empty ResourceTenantID names a shared, platform-level resource.
type AuthorizeRequest struct {
	RoleID           string
	Action           string
	ResourceTenantID string
	CallerTenantID   string
}

var (
	ErrRoleNotFound       = apperror.New(apperror.NotFound, "role_not_found")
	ErrAssignmentNotFound = apperror.New(apperror.Forbidden, "no_role_assignment")
	ErrForbidden          = apperror.New(apperror.Forbidden, "forbidden")
	ErrTenantMismatch     = apperror.New(apperror.Forbidden, "tenant_isolation")
	ErrCycleDetected      = apperror.New(apperror.CycleDetected, "role_cycle_detected")
	ErrHierarchyTooDeep   = apperror.New(apperror.Invalid, "role_hierarchy_too_deep")
	ErrBuiltInRole        = apperror.New(apperror.Invalid, "built_in_role_immutable")
	ErrInvalidRoleID      = apperror.New(apperror.Invalid, "invalid_role_id")
	ErrInvalidPermission  = apperror.New(apperror.Invalid, "invalid_permission")
	ErrInvalidAssignment  = apperror.New(apperror.Invalid, "invalid_assignment")
)
