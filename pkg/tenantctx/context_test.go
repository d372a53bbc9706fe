package tenantctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantIDRoundTrip(t *testing.T) {
	ctx := WithTenantID(context.Background(), "tenant-a")
	assert.Equal(t, "tenant-a", TenantID(ctx))
	assert.Equal(t, "", TenantID(context.Background()))
	assert.Equal(t, "", TenantID(WithTenantID(context.Background(), "")))
}
