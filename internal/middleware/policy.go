package middleware

import (
	"net/http"

	"github.com/keyward/server/internal/apperr"
	"github.com/keyward/server/internal/model"
)

// RequirePermissions allows the request only if the principal holds every
// listed permission. The "all" sentinel satisfies any permission.
func RequirePermissions(ids ...int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				respondWithError(w, apperr.Unauthorized("unauthorized"))
				return
			}
			for _, id := range ids {
				if !p.Permissions.Contains(id) {
					respondWithError(w, apperr.Forbidden("missing permission "+model.PermissionNames[id]))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRoles allows the request if the principal holds any of the listed roles.
func RequireRoles(ids ...int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				respondWithError(w, apperr.Unauthorized("unauthorized"))
				return
			}
			for _, id := range ids {
				if p.HasRole(model.RoleNames[id]) {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondWithError(w, apperr.Forbidden("insufficient role"))
		})
	}
}
