package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	tenantdomain "github.com/smallbiznis/capacity/internal/tenant/domain"
	"github.com/smallbiznis/capacity/pkg/pagination"
)

type createTenantRequest struct {
	ID     string              `json:"id"`
	Name   string              `json:"name"`
	Tier   string              `json:"tier"`
	Limits tenantdomain.Limits `json:"limits"`
}

type setTenantStatusRequest struct {
	Status string `json:"status"`
}

type authorizeRequest struct {
	Action           string `json:"action"`
	ResourceTenantID string `json:"resource_tenant_id"`
}

func (s *Server) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if err := s.gov.Authorize(c.Request.Context(), actorFrom(c), strings.TrimSpace(req.Action), strings.TrimSpace(req.ResourceTenantID)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"allowed": true}})
}

func (s *Server) CreateTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.gov.CreateTenant(c.Request.Context(), actorFrom(c), tenantdomain.CreateTenantRequest{
		ID:     strings.TrimSpace(req.ID),
		Name:   strings.TrimSpace(req.Name),
		Tier:   tenantdomain.Tier(strings.TrimSpace(req.Tier)),
		Limits: req.Limits,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListTenants(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	items, err := s.gov.ListTenants(c.Request.Context(), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	data, info, err := pagination.Page(items, page, func(t tenantdomain.Tenant) string { return t.ID })
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

func (s *Server) GetTenant(c *gin.Context) {
	resp, err := s.gov.GetTenant(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateTenantLimits(c *gin.Context) {
	var req tenantdomain.Limits
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.UpdateLimits(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SetTenantStatus(c *gin.Context) {
	var req setTenantStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.SetTenantStatus(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")), tenantdomain.Status(strings.TrimSpace(req.Status)))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeactivateTenant(c *gin.Context) {
	resp, err := s.gov.DeactivateTenant(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetTenantConsumption(c *gin.Context) {
	resp, err := s.gov.TenantConsumption(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetTenantLicenseCost(c *gin.Context) {
	resp, err := s.gov.TotalAnnualCost(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
