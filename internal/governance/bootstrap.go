package governance

import (
	"context"
	"errors"
	"fmt"

	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	"github.com/smallbiznis/capacity/internal/config"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"go.uber.org/zap"
)

// Bootstrap makes sure the platform tenant exists and its configured user holds platform_admin.
// An existing assignment for that user is left alone.
func Bootstrap(ctx context.Context, log *zap.Logger, cfg config.Config, tenants tenantdomain.Service, access acdomain.Service) error {
	if cfg.BootstrapAdminTenant == "" || cfg.BootstrapAdminUser == "" {
		return nil
	}
	_, err := tenants.GetTenant(ctx, cfg.BootstrapAdminTenant)
	if errors.Is(err, tenantdomain.ErrTenantNotFound) {
		_, err = tenants.CreateTenant(ctx, tenantdomain.CreateTenantRequest{
			ID:   cfg.BootstrapAdminTenant,
			Name: "Platform",
			Tier: tenantdomain.TierEnterprise,
		})
	}
	if err != nil {
		return fmt.Errorf("bootstrap tenant: %w", err)
	}

	_, err = access.RoleOf(ctx, cfg.BootstrapAdminTenant, cfg.BootstrapAdminUser)
	if err == nil {
		return nil
	}
	if !errors.Is(err, acdomain.ErrAssignmentNotFound) {
		return fmt.Errorf("bootstrap assignment: %w", err)
	}
	if _, err := access.AssignRole(ctx, acdomain.AssignRoleRequest{
		TenantID:   cfg.BootstrapAdminTenant,
		UserID:     cfg.BootstrapAdminUser,
		RoleID:     acdomain.RolePlatformAdmin,
		AssignedBy: "bootstrap",
	}); err != nil {
		return fmt.Errorf("bootstrap assignment: %w", err)
	}
	log.Info("bootstrapped platform administrator",
		zap.String("tenant_id", cfg.BootstrapAdminTenant),
		zap.String("user_id", cfg.BootstrapAdminUser),
	)
	return nil
}
