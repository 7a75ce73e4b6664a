package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/keyward/server/internal/apperr"
	"github.com/keyward/server/internal/auth"
	"github.com/keyward/server/internal/model"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated identity attached to a request.
type Principal struct {
	UserID          uuid.UUID
	Email           string
	Roles           []string
	Permissions     auth.PermissionSet
	PermissionNames []string
	TokenType       auth.TokenType
	// User is set by strategies that load the user record (password, refresh).
	User *model.User
}

// HasRole reports whether the principal holds a role with the given name.
func (p *Principal) HasRole(name string) bool {
	if p.User != nil {
		for _, r := range p.User.Roles {
			if r.RoleName == name {
				return true
			}
		}
	}
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}
	return false
}

func principalFromUser(u model.User, typ auth.TokenType) *Principal {
	user := u
	return &Principal{
		UserID:    u.ID,
		Email:     u.Email,
		Roles:     auth.RoleNames(u),
		TokenType: typ,
		User:      &user,
	}
}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the principal attached to the request context by Guard.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok && p != nil
}

type errorResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

// respondWithError sends a JSON error response with the status mapped from err
func respondWithError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Status:     "Failure",
		Message:    apperr.Message(err),
		StatusCode: status,
	})
}
