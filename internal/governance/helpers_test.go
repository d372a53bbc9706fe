package governance_test

import (
	"github.com/smallbiznis/capacity/internal/config"
	"github.com/smallbiznis/capacity/internal/governance/governancetest"
	"go.uber.org/zap"
)

func nopLogger() *zap.Logger { return zap.NewNop() }

func bootstrapConfig() config.Config {
	return config.Config{
		BootstrapAdminTenant: governancetest.Admin.TenantID,
		BootstrapAdminUser:   governancetest.Admin.UserID,
	}
}
