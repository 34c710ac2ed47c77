package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nirmitee/ehr-rbac/internal/auth"
	"github.com/nirmitee/ehr-rbac/internal/platform/middleware"
	"github.com/stretchr/testify/assert"
)

func TestOrgContext_SetsContextValue(t *testing.T) {
	var gotOrgID string
	handler := middleware.OrgContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrgID = middleware.GetOrgID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{
		UserID: "user-123",
		OrgID:  "org-456",
	}))
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, "org-456", gotOrgID)
}

func TestOrgContext_NoIdentity(t *testing.T) {
	handler := middleware.OrgContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, middleware.GetOrgID(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
