package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/capacity/internal/governance"
	"github.com/smallbiznis/capacity/pkg/tenantctx"
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"

	contextActorKey = "actor"
)

// ActorContext reads the acting principal from the request headers. Identity is established
// upstream; this layer only forwards it.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := governance.Actor{
			TenantID: strings.TrimSpace(c.GetHeader(HeaderTenantID)),
			UserID:   strings.TrimSpace(c.GetHeader(HeaderUserID)),
		}
		if actor.TenantID == "" || actor.UserID == "" {
			AbortWithError(c, governance.ErrActorRequired)
			return
		}
		c.Set(contextActorKey, actor)
		c.Set("tenant_id", actor.TenantID)
		c.Request = c.Request.WithContext(tenantctx.WithTenantID(c.Request.Context(), actor.TenantID))
		c.Next()
	}
}

func actorFrom(c *gin.Context) governance.Actor {
	v, _ := c.Get(contextActorKey)
	actor, _ := v.(governance.Actor)
	return actor
}
