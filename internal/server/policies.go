package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
	"github.com/smallbiznis/capacity/pkg/pagination"
)

type createPolicyRequest struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	ResourceKind string                  `json:"resource_kind"`
	PoolID       string                  `json:"pool_id"`
	TenantID     string                  `json:"tenant_id"`
	Triggers     []scalingdomain.Trigger `json:"triggers"`
	Actions      []scalingdomain.Action  `json:"actions"`
	Disabled     bool                    `json:"disabled"`
	Cooldown     string                  `json:"cooldown"`
}

func (s *Server) CreatePolicy(c *gin.Context) {
	var req createPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	cooldown, err := parseOptionalDuration(req.Cooldown)
	if err != nil {
		AbortWithError(c, invalidRequest("cooldown"))
		return
	}

	resp, err := s.gov.CreatePolicy(c.Request.Context(), actorFrom(c), scalingdomain.CreatePolicyRequest{
		ID:           strings.TrimSpace(req.ID),
		Name:         strings.TrimSpace(req.Name),
		ResourceKind: pooldomain.Kind(strings.TrimSpace(req.ResourceKind)),
		PoolID:       strings.TrimSpace(req.PoolID),
		TenantID:     strings.TrimSpace(req.TenantID),
		Triggers:     req.Triggers,
		Actions:      req.Actions,
		Disabled:     req.Disabled,
		Cooldown:     cooldown,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListPolicies(c *gin.Context) {
	var query struct {
		pagination.Pagination
		TenantID string `form:"tenant_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	items, err := s.gov.ListPolicies(c.Request.Context(), actorFrom(c), strings.TrimSpace(query.TenantID))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	data, info, err := pagination.Page(items, query.Pagination, func(p scalingdomain.Policy) string { return p.ID })
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

func (s *Server) GetPolicy(c *gin.Context) {
	resp, err := s.gov.GetPolicy(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) EnablePolicy(c *gin.Context) {
	resp, err := s.gov.EnablePolicy(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DisablePolicy(c *gin.Context) {
	resp, err := s.gov.DisablePolicy(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) EvaluateTick(c *gin.Context) {
	resp, err := s.gov.EvaluateTick(c.Request.Context(), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListScalingEvents(c *gin.Context) {
	var query struct {
		PolicyID string `form:"policy_id"`
		PoolID   string `form:"pool_id"`
		TenantID string `form:"tenant_id"`
		Limit    int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.gov.ListScalingEvents(c.Request.Context(), actorFrom(c), scalingdomain.EventFilter{
		PolicyID: strings.TrimSpace(query.PolicyID),
		PoolID:   strings.TrimSpace(query.PoolID),
		TenantID: strings.TrimSpace(query.TenantID),
		Limit:    query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
