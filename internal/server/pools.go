package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	pooldomain "github.com/smallbiznis/capacity/internal/resourcepool/domain"
	"github.com/smallbiznis/capacity/pkg/pagination"
)

type createPoolRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Region   string `json:"region"`
	Total    int64  `json:"total"`
	Reserved int64  `json:"reserved"`
}

type poolAmountRequest struct {
	TenantID        string  `json:"tenant_id"`
	Amount          int64   `json:"amount"`
	ExpectedVersion *uint64 `json:"expected_version,omitempty"`
}

type usageSnapshotRequest struct {
	TenantID        string     `json:"tenant_id"`
	Value           int64      `json:"value"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	ExpectedVersion *uint64    `json:"expected_version,omitempty"`
}

type poolSizeRequest struct {
	Value           int64   `json:"value"`
	ExpectedVersion *uint64 `json:"expected_version,omitempty"`
}

func (s *Server) CreatePool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.gov.CreatePool(c.Request.Context(), actorFrom(c), pooldomain.CreatePoolRequest{
		ID:       strings.TrimSpace(req.ID),
		Name:     strings.TrimSpace(req.Name),
		Kind:     pooldomain.Kind(strings.TrimSpace(req.Kind)),
		Region:   strings.TrimSpace(req.Region),
		Total:    req.Total,
		Reserved: req.Reserved,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListPools(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Kind     string `form:"kind"`
		TenantID string `form:"tenant_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	items, err := s.gov.ListPools(c.Request.Context(), actorFrom(c), pooldomain.ListPoolsFilter{
		Kind:     pooldomain.Kind(strings.TrimSpace(query.Kind)),
		TenantID: strings.TrimSpace(query.TenantID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	data, info, err := pagination.Page(items, query.Pagination, func(p pooldomain.Pool) string { return p.ID })
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

func (s *Server) GetPool(c *gin.Context) {
	resp, err := s.gov.GetPool(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Allocate(c *gin.Context) {
	var req poolAmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.Allocate(c.Request.Context(), actorFrom(c), pooldomain.AllocateRequest{
		PoolID:          strings.TrimSpace(c.Param("id")),
		TenantID:        strings.TrimSpace(req.TenantID),
		Amount:          req.Amount,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) Deallocate(c *gin.Context) {
	var req poolAmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.Deallocate(c.Request.Context(), actorFrom(c), pooldomain.DeallocateRequest{
		PoolID:          strings.TrimSpace(c.Param("id")),
		TenantID:        strings.TrimSpace(req.TenantID),
		Amount:          req.Amount,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ReportUsage(c *gin.Context) {
	var req usageSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	var observedAt time.Time
	if req.Timestamp != nil {
		observedAt = req.Timestamp.UTC()
	}
	resp, err := s.gov.ReportUsage(c.Request.Context(), actorFrom(c), pooldomain.ReportUsageRequest{
		PoolID:          strings.TrimSpace(c.Param("id")),
		TenantID:        strings.TrimSpace(req.TenantID),
		Value:           req.Value,
		ObservedAt:      observedAt,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SetReserved(c *gin.Context) {
	var req poolSizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.SetReserved(c.Request.Context(), actorFrom(c), pooldomain.SetReservedRequest{
		PoolID:          strings.TrimSpace(c.Param("id")),
		Reserved:        req.Value,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResizePool(c *gin.Context) {
	var req poolSizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.Resize(c.Request.Context(), actorFrom(c), pooldomain.ResizeRequest{
		PoolID:          strings.TrimSpace(c.Param("id")),
		Total:           req.Value,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) PoolUtilization(c *gin.Context) {
	poolID := strings.TrimSpace(c.Param("id"))
	value, err := s.gov.PoolUtilization(c.Request.Context(), actorFrom(c), poolID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"pool_id": poolID, "utilization": value}})
}

// TenantEfficiency defaults to the acting tenant when tenant_id is omitted.
func (s *Server) TenantEfficiency(c *gin.Context) {
	actor := actorFrom(c)
	poolID := strings.TrimSpace(c.Param("id"))
	tenantID := strings.TrimSpace(c.Query("tenant_id"))
	if tenantID == "" {
		tenantID = actor.TenantID
	}
	value, err := s.gov.TenantEfficiency(c.Request.Context(), actor, poolID, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"pool_id": poolID, "tenant_id": tenantID, "efficiency": value}})
}
