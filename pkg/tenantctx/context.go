package tenantctx

import "context"

type tenantKey struct{}

// WithTenantID stores the acting tenant on the context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantID returns the acting tenant, or "" when none is set.
func TenantID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}
