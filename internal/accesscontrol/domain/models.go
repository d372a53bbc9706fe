package domain

import (
	"sort"
	"time"
)

const (
	// Wildcard grants every action.
	Wildcard = "*"
	// MaxHierarchyDepth bounds the longest parent chain, matching casbin's default role manager.
	MaxHierarchyDepth = 10
)

const (
	ActionTenantCreate      = "tenant.create"
	ActionTenantRead        = "tenant.read"
	ActionTenantUpdateLimit = "tenant.update_limits"
	ActionTenantSetStatus   = "tenant.set_status"

	ActionPoolCreate      = "pool.create"
	ActionPoolRead        = "pool.read"
	ActionPoolAllocate    = "pool.allocate"
	ActionPoolDeallocate  = "pool.deallocate"
	ActionPoolReportUsage = "pool.report_usage"
	ActionPoolReserve     = "pool.reserve"
	ActionPoolResize      = "pool.resize"

	ActionLicenseCreate      = "license.create"
	ActionLicenseRead        = "license.read"
	ActionLicenseGrant       = "license.grant"
	ActionLicenseRevoke      = "license.revoke"
	ActionLicenseRenew       = "license.renew"
	ActionLicenseSuspend     = "license.suspend"
	ActionLicenseResume      = "license.resume"
	ActionLicenseRecordUsage = "license.record_usage"
	ActionLicenseCompliance  = "license.compliance"
	ActionLicenseCostRead    = "license.cost.read"

	ActionPolicyCreate   = "policy.create"
	ActionPolicyRead     = "policy.read"
	ActionPolicyEnable   = "policy.enable"
	ActionPolicyDisable  = "policy.disable"
	ActionPolicyEvaluate = "policy.evaluate"

	ActionAlertRead        = "alert.read"
	ActionAlertAcknowledge = "alert.acknowledge"
	ActionAlertSweep       = "alert.sweep"

	ActionRoleDefine = "role.define"
	ActionRoleRead   = "role.read"
	ActionRoleAssign = "role.assign"
)

const (
	RolePlatformAdmin  = "platform_admin"
	RoleTenantAdmin    = "tenant_admin"
	RoleTenantOperator = "tenant_operator"
	RoleTenantViewer   = "tenant_viewer"
)

// Role permissions are inherited transitively from Parents.
// Administrative roles are not bound to the caller's tenant, and the flag is inherited too.
type Role struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Permissions    []string  `json:"permissions"`
	Parents        []string  `json:"parents"`
	Administrative bool      `json:"administrative"`
	BuiltIn        bool      `json:"built_in"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Role) EntityType() string      { return "role" }
func (r Role) EntityID() string      { return r.ID }
func (Role) EntityTenants() []string { return nil }

func (r Role) Clone() Role {
	out := r
	out.Permissions = append([]string(nil), r.Permissions...)
	out.Parents = append([]string(nil), r.Parents...)
	return out
}

// Assignment binds one user within one tenant to one role.
type Assignment struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	RoleID     string    `json:"role_id"`
	AssignedBy string    `json:"assigned_by,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

func AssignmentID(tenantID, userID string) string {
	return tenantID + "/" + userID
}

func (Assignment) EntityType() string { return "role_assignment" }
func (a Assignment) EntityID() string { return a.ID }
func (a Assignment) EntityTenants() []string {
	return []string{a.TenantID}
}

// BuiltInRoles are seeded on first start.
func BuiltInRoles() []Role {
	roles := []Role{
		{
			ID:             RolePlatformAdmin,
			Name:           "Platform administrator",
			Permissions:    []string{Wildcard},
			Administrative: true,
		},
		{
			ID:   RoleTenantViewer,
			Name: "Tenant viewer",
			Permissions: []string{
				ActionTenantRead,
				ActionPoolRead,
				ActionLicenseRead,
				ActionLicenseCostRead,
				ActionPolicyRead,
				ActionAlertRead,
				ActionRoleRead,
			},
		},
		{
			ID:      RoleTenantOperator,
			Name:    "Tenant operator",
			Parents: []string{RoleTenantViewer},
			Permissions: []string{
				ActionPoolAllocate,
				ActionPoolDeallocate,
				ActionPoolReportUsage,
				ActionLicenseGrant,
				ActionLicenseRevoke,
				ActionLicenseRecordUsage,
				ActionAlertAcknowledge,
			},
		},
		{
			ID:      RoleTenantAdmin,
			Name:    "Tenant administrator",
			Parents: []string{RoleTenantOperator},
			Permissions: []string{
				"license.*",
				"policy.*",
				ActionRoleAssign,
			},
		},
	}
	for i := range roles {
		roles[i].BuiltIn = true
	}
	return roles
}

func SortRoles(roles []Role) {
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
}
