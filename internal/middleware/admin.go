package middleware

import (
	"context"
	"log"
	"net/http"
)

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// RequireAdmin lets through admins holding role. Super admins hold every role,
// and an empty role only requires admin status.
func RequireAdmin(adminStore AdminStore, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			isAdmin, isSuper, err := adminStore.IsAdmin(r.Context(), userID)
			if err != nil {
				log.Printf("verify admin %s: %v", userID, err)
				deny(w, http.StatusInternalServerError, "unable_to_verify_admin")
				return
			}
			if !isAdmin {
				deny(w, http.StatusForbidden, "admin_required")
				return
			}
			if isSuper || role == "" {
				next.ServeHTTP(w, r)
				return
			}
			hasRole, err := adminStore.HasRole(r.Context(), userID, role)
			if err != nil {
				log.Printf("verify role %s for %s: %v", role, userID, err)
				deny(w, http.StatusInternalServerError, "unable_to_verify_role")
				return
			}
			if !hasRole {
				deny(w, http.StatusForbidden, "missing_role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
