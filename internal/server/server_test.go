package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	acdomain "github.com/smallbiznis/capacity/internal/accesscontrol/domain"
	"github.com/smallbiznis/capacity/internal/apperror"
	"github.com/smallbiznis/capacity/internal/governance"
	"github.com/smallbiznis/capacity/internal/governance/governancetest"
	"github.com/smallbiznis/capacity/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	router *gin.Engine
	stack  *governancetest.Stack
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := governancetest.New(t)
	srv := NewServer(ServerParams{
		Gin:        NewEngine(observability.Config{}, nil),
		Governance: st.Governance,
	})
	return &harness{t: t, router: srv.Engine(), stack: st}
}

func (h *harness) do(actor governance.Actor, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor.TenantID != "" {
		req.Header.Set(HeaderTenantID, actor.TenantID)
	}
	if actor.UserID != "" {
		req.Header.Set(HeaderUserID, actor.UserID)
	}
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)

	var out map[string]any
	if resp.Body.Len() > 0 {
		require.NoError(h.t, json.Unmarshal(resp.Body.Bytes(), &out))
	}
	return resp, out
}

func errorOf(t *testing.T, body map[string]any) (string, string) {
	t.Helper()
	payload, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error payload, got %v", body)
	return payload["type"].(string), payload["message"].(string)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(governance.Actor{}, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestMissingActorIsForbidden(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(governance.Actor{}, http.MethodGet, "/api/v1/pools", nil)
	require.Equal(t, http.StatusForbidden, resp.Code)
	kind, code := errorOf(t, body)
	assert.Equal(t, "forbidden", kind)
	assert.Equal(t, "actor_required", code)
}

func TestAllocationFlowOverHTTP(t *testing.T) {
	h := newHarness(t)
	admin := governancetest.Admin
	alice := h.stack.Member(t, "acme", "alice", acdomain.RoleTenantOperator)
	h.stack.Member(t, "beta", "bob", acdomain.RoleTenantOperator)

	resp, _ := h.do(admin, http.MethodPost, "/api/v1/pools", map[string]any{"id": "p1", "name": "compute", "kind": "compute", "total": 1000})
	require.Equal(t, http.StatusCreated, resp.Code)

	resp, body := h.do(alice, http.MethodPost, "/api/v1/pools/p1/allocate", map[string]any{"tenant_id": "acme", "amount": 700})
	require.Equal(t, http.StatusOK, resp.Code)
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 700, data["allocated"])

	resp, body = h.do(alice, http.MethodPost, "/api/v1/pools/p1/allocate", map[string]any{"tenant_id": "acme", "amount": 400})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	kind, code := errorOf(t, body)
	assert.Equal(t, "insufficient_capacity", kind)
	assert.Equal(t, "insufficient_capacity", code)

	resp, _ = h.do(alice, http.MethodPost, "/api/v1/pools/p1/allocate", map[string]any{"tenant_id": "beta", "amount": 1})
	require.Equal(t, http.StatusForbidden, resp.Code)

	resp, body = h.do(alice, http.MethodPost, "/api/v1/pools/p1/deallocate", map[string]any{"tenant_id": "acme", "amount": 701})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	kind, _ = errorOf(t, body)
	assert.Equal(t, "over_release", kind)

	resp, body = h.do(alice, http.MethodPost, "/api/v1/pools/missing/allocate", map[string]any{"tenant_id": "acme", "amount": 1})
	require.Equal(t, http.StatusNotFound, resp.Code)
	kind, _ = errorOf(t, body)
	assert.Equal(t, "not_found", kind)

	resp, _ = h.do(alice, http.MethodPost, "/api/v1/pools/p1/allocate", "not-an-object")
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListPoolsPaginates(t *testing.T) {
	h := newHarness(t)
	admin := governancetest.Admin
	for i := 0; i < 3; i++ {
		resp, _ := h.do(admin, http.MethodPost, "/api/v1/pools", map[string]any{"id": fmt.Sprintf("p%d", i), "name": "pool", "kind": "storage", "total": 10})
		require.Equal(t, http.StatusCreated, resp.Code)
	}

	resp, body := h.do(admin, http.MethodGet, "/api/v1/pools?page_size=2", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, body["data"], 2)
	info := body["page_info"].(map[string]any)
	require.Equal(t, true, info["has_more"])

	resp, body = h.do(admin, http.MethodGet, "/api/v1/pools?page_size=2&page_token="+info["next_page_token"].(string), nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, body["data"], 1)

	resp, _ = h.do(admin, http.MethodGet, "/api/v1/pools?page_token=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAuthorizeEndpoint(t *testing.T) {
	h := newHarness(t)
	alice := h.stack.Member(t, "acme", "alice", acdomain.RoleTenantViewer)

	resp, _ := h.do(alice, http.MethodPost, "/api/v1/authorize", map[string]any{"action": acdomain.ActionPoolRead, "resource_tenant_id": "acme"})
	require.Equal(t, http.StatusOK, resp.Code)

	resp, body := h.do(alice, http.MethodPost, "/api/v1/authorize", map[string]any{"action": acdomain.ActionPoolRead, "resource_tenant_id": "beta"})
	require.Equal(t, http.StatusForbidden, resp.Code)
	_, code := errorOf(t, body)
	assert.Equal(t, "tenant_isolation", code)
}

func TestMapErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperror.ErrNotFound, http.StatusNotFound},
		{apperror.ErrInvalid, http.StatusBadRequest},
		{apperror.ErrForbidden, http.StatusForbidden},
		{apperror.ErrConcurrentModification, http.StatusConflict},
		{apperror.ErrDuplicateTenant, http.StatusConflict},
		{apperror.ErrNoSeatsAvailable, http.StatusUnprocessableEntity},
		{apperror.ErrLicenseNotActive, http.StatusUnprocessableEntity},
		{apperror.ErrTenantLimitExceeded, http.StatusUnprocessableEntity},
		{apperror.ErrCycleDetected, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := mapError(tc.err)
		assert.Equal(t, tc.want, status, tc.err.Error())
	}

	_, payload := mapError(fmt.Errorf("save: %w", errors.New("disk full")))
	assert.Equal(t, "internal server error", payload.Message)
}
