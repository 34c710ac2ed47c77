package middleware

import (
	"context"
	"net/http"

	"github.com/nirmitee/ehr-rbac/internal/auth"
)

type orgContextKey struct{}

// OrgContext copies the authenticated organization into the request
// context and tags the access log with the caller.
func OrgContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := auth.GetIdentity(r.Context())
		if identity == nil {
			next.ServeHTTP(w, r)
			return
		}

		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.userID = identity.UserID
			info.orgID = identity.OrgID
		}
		if identity.OrgID == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgContextKey{}, identity.OrgID)))
	})
}

// GetOrgID retrieves the organization ID from the request context.
func GetOrgID(ctx context.Context) string {
	if id, ok := ctx.Value(orgContextKey{}).(string); ok {
		return id
	}
	return ""
}
