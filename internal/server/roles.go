package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
)

type defineRoleRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Permissions    []string `json:"permissions"`
	Parents        []string `json:"parents"`
	Administrative bool     `json:"administrative"`
}

type assignRoleRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	RoleID   string `json:"role_id"`
}

func (s *Server) DefineRole(c *gin.Context) {
	var req defineRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.DefineRole(c.Request.Context(), actorFrom(c), acdomain.DefineRoleRequest{
		ID:             strings.TrimSpace(req.ID),
		Name:           strings.TrimSpace(req.Name),
		Permissions:    req.Permissions,
		Parents:        req.Parents,
		Administrative: req.Administrative,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListRoles(c *gin.Context) {
	resp, err := s.gov.ListRoles(c.Request.Context(), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResolveRolePermissions(c *gin.Context) {
	resp, err := s.gov.ResolvePermissions(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AssignRole(c *gin.Context) {
	var req assignRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.AssignRole(c.Request.Context(), actorFrom(c), acdomain.AssignRoleRequest{
		TenantID: strings.TrimSpace(req.TenantID),
		UserID:   strings.TrimSpace(req.UserID),
		RoleID:   strings.TrimSpace(req.RoleID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}
