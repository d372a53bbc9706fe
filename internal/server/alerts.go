package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/capacity/internal/alert/domain"
	"github.com/smallbiznis/capacity/pkg/pagination"
)

func (s *Server) ListAlerts(c *gin.Context) {
	var query struct {
		pagination.Pagination
		TenantID     string `form:"tenant_id"`
		SourceID     string `form:"source_id"`
		Kind         string `form:"kind"`
		Severity     string `form:"severity"`
		Acknowledged string `form:"acknowledged"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	acknowledged, err := parseOptionalBool(query.Acknowledged)
	if err != nil {
		AbortWithError(c, invalidRequest("acknowledged"))
		return
	}

	items, err := s.gov.ListAlerts(c.Request.Context(), actorFrom(c), alertdomain.ListFilter{
		TenantID:     strings.TrimSpace(query.TenantID),
		SourceID:     strings.TrimSpace(query.SourceID),
		Kind:         alertdomain.Kind(strings.TrimSpace(query.Kind)),
		Severity:     alertdomain.Severity(strings.TrimSpace(query.Severity)),
		Acknowledged: acknowledged,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	data, info, err := pagination.Page(items, query.Pagination, func(a alertdomain.Alert) string { return a.ID })
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

func (s *Server) AcknowledgeAlert(c *gin.Context) {
	resp, err := s.gov.AcknowledgeAlert(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SweepAlerts(c *gin.Context) {
	resp, err := s.gov.SweepAlerts(c.Request.Context(), actorFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
