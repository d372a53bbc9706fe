package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	licensedomain "github.com/smallbiznis/capacity/internal/license/domain"
	"github.com/smallbiznis/capacity/pkg/pagination"
)

type createLicenseRequest struct {
	ID          string                   `json:"id"`
	TenantID    string                   `json:"tenant_id"`
	Name        string                   `json:"name"`
	Type        string                   `json:"type"`
	TotalSeats  int                      `json:"total_seats"`
	Features    []string                 `json:"features"`
	PurchasedAt *time.Time               `json:"purchased_at,omitempty"`
	ActivatesAt *time.Time               `json:"activates_at,omitempty"`
	ExpiresAt   time.Time                `json:"expires_at"`
	Trial       bool                     `json:"trial"`
	Cost        licensedomain.Cost       `json:"cost"`
	Compliance  licensedomain.Compliance `json:"compliance"`
}

type renewLicenseRequest struct {
	NewExpiration time.Time `json:"new_expiration"`
	NewTotalSeats int       `json:"new_total_seats"`
}

type grantSeatRequest struct {
	UserID   string   `json:"user_id"`
	Features []string `json:"features"`
}

type recordSeatUsageRequest struct {
	Hours float64 `json:"hours"`
}

func (s *Server) CreateLicense(c *gin.Context) {
	var req createLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var purchasedAt time.Time
	if req.PurchasedAt != nil {
		purchasedAt = *req.PurchasedAt
	}
	resp, err := s.gov.CreateLicense(c.Request.Context(), actorFrom(c), licensedomain.CreateLicenseRequest{
		ID:          strings.TrimSpace(req.ID),
		TenantID:    strings.TrimSpace(req.TenantID),
		Name:        strings.TrimSpace(req.Name),
		Type:        licensedomain.Type(strings.TrimSpace(req.Type)),
		TotalSeats:  req.TotalSeats,
		Features:    req.Features,
		PurchasedAt: purchasedAt,
		ActivatesAt: req.ActivatesAt,
		ExpiresAt:   req.ExpiresAt,
		Trial:       req.Trial,
		Cost:        req.Cost,
		Compliance:  req.Compliance,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListLicenses(c *gin.Context) {
	var query struct {
		pagination.Pagination
		TenantID string `form:"tenant_id"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	items, err := s.gov.ListLicenses(c.Request.Context(), actorFrom(c), strings.TrimSpace(query.TenantID))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	data, info, err := pagination.Page(items, query.Pagination, func(r licensedomain.Record) string { return r.ID })
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

func (s *Server) GetLicense(c *gin.Context) {
	resp, err := s.gov.GetLicense(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) SuspendLicense(c *gin.Context) {
	resp, err := s.gov.SuspendLicense(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResumeLicense(c *gin.Context) {
	resp, err := s.gov.ResumeLicense(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RenewLicense(c *gin.Context) {
	var req renewLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.RenewLicense(c.Request.Context(), actorFrom(c), licensedomain.RenewRequest{
		LicenseID:     strings.TrimSpace(c.Param("id")),
		NewExpiration: req.NewExpiration,
		NewTotalSeats: req.NewTotalSeats,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateLicenseCompliance(c *gin.Context) {
	var req licensedomain.Compliance
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.UpdateCompliance(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSeats(c *gin.Context) {
	resp, err := s.gov.ListSeats(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GrantSeat(c *gin.Context) {
	var req grantSeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.GrantSeat(c.Request.Context(), actorFrom(c), licensedomain.GrantSeatRequest{
		LicenseID: strings.TrimSpace(c.Param("id")),
		UserID:    strings.TrimSpace(req.UserID),
		Features:  req.Features,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RevokeSeat(c *gin.Context) {
	resp, err := s.gov.RevokeSeat(c.Request.Context(), actorFrom(c), strings.TrimSpace(c.Param("id")), strings.TrimSpace(c.Param("user")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RecordSeatUsage(c *gin.Context) {
	var req recordSeatUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	resp, err := s.gov.RecordSeatUsage(c.Request.Context(), actorFrom(c), licensedomain.RecordUsageRequest{
		LicenseID: strings.TrimSpace(c.Param("id")),
		UserID:    strings.TrimSpace(c.Param("user")),
		Hours:     req.Hours,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}
