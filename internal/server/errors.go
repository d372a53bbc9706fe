package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/pkg/pagination"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = apperror.New(apperror.Invalid, "invalid_request")
	ErrRouteNotFound  = apperror.New(apperror.NotFound, "route_not_found")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequest(field string) error {
	return apperror.New(apperror.Invalid, "invalid_"+field)
}

func mapError(err error) (int, errorPayload) {
	if errors.Is(err, pagination.ErrInvalidPageToken) {
		return http.StatusBadRequest, errorPayload{Type: string(apperror.Invalid), Message: pagination.ErrInvalidPageToken.Error()}
	}

	kind := apperror.KindOf(err)
	message := string(kind)
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if kind == apperror.Internal {
		message = "internal server error"
	}
	return statusOf(kind), errorPayload{Type: string(kind), Message: message}
}

func statusOf(kind apperror.Kind) int {
	switch kind {
	case apperror.NotFound:
		return http.StatusNotFound
	case apperror.Invalid, apperror.CycleDetected:
		return http.StatusBadRequest
	case apperror.Forbidden:
		return http.StatusForbidden
	case apperror.ConcurrentModification, apperror.DuplicateTenant:
		return http.StatusConflict
	case apperror.InsufficientCapacity,
		apperror.UsageExceedsAllocation,
		apperror.OverRelease,
		apperror.TenantNotActive,
		apperror.LimitBelowUsage,
		apperror.TenantLimitExceeded,
		apperror.NoSeatsAvailable,
		apperror.LicenseNotActive,
		apperror.InvalidRenewalDate:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// classifyErrorForLog feeds the access log with the error kind and code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Message
}
