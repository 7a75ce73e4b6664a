package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/keyward/server/internal/apperr"
	"github.com/keyward/server/internal/auth"
	"github.com/keyward/server/internal/model"
)

const maxCredentialBody = 1 << 20

// PasswordValidator checks an email/password pair.
type PasswordValidator interface {
	ValidatePassword(ctx context.Context, email, password string) (model.User, error)
}

// RefreshResolver loads the user behind a token signed with the refresh secret.
type RefreshResolver interface {
	ResolveRefreshPrincipal(ctx context.Context, claims auth.Claims, rawToken string) (model.User, error)
}

// TokenVerifier verifies access and refresh-secret tokens.
type TokenVerifier interface {
	VerifyAccess(token string) (*auth.AccessClaims, error)
	VerifyRefresh(token string) (auth.Claims, error)
}

type noneStrategy struct{}

func (noneStrategy) Authenticate(*http.Request) (*Principal, error) {
	return nil, nil
}

// PasswordStrategy authenticates {email, password} from the JSON body. The
// body is restored for the handler.
type PasswordStrategy struct {
	validator PasswordValidator
}

// NewPasswordStrategy creates a new password strategy
func NewPasswordStrategy(v PasswordValidator) *PasswordStrategy {
	return &PasswordStrategy{validator: v}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *PasswordStrategy) Authenticate(r *http.Request) (*Principal, error) {
	if r.Body == nil {
		return nil, apperr.Unauthorized("missing credentials")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialBody))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Unauthorized("missing credentials")
	}

	var c credentials
	if err := json.Unmarshal(body, &c); err != nil || strings.TrimSpace(c.Email) == "" || c.Password == "" {
		return nil, apperr.Unauthorized("missing credentials")
	}

	user, err := s.validator.ValidatePassword(r.Context(), c.Email, c.Password)
	if err != nil {
		return nil, err
	}
	return principalFromUser(user, ""), nil
}

// AccessStrategy verifies a bearer access token. It never touches the store.
type AccessStrategy struct {
	tokens TokenVerifier
}

// NewAccessStrategy creates a new access strategy
func NewAccessStrategy(tokens TokenVerifier) *AccessStrategy {
	return &AccessStrategy{tokens: tokens}
}

func (s *AccessStrategy) Authenticate(r *http.Request) (*Principal, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	claims, err := s.tokens.VerifyAccess(token)
	if err != nil {
		return nil, err
	}
	return principalFromAccess(claims)
}

// RefreshStrategy verifies a bearer refresh token against the user's last
// issued one and loads its user. Temporary tokens are rejected.
type RefreshStrategy struct {
	tokens   TokenVerifier
	resolver RefreshResolver
}

// NewRefreshStrategy creates a new refresh strategy
func NewRefreshStrategy(tokens TokenVerifier, resolver RefreshResolver) *RefreshStrategy {
	return &RefreshStrategy{tokens: tokens, resolver: resolver}
}

func (s *RefreshStrategy) Authenticate(r *http.Request) (*Principal, error) {
	claims, token, err := verifyRefreshBearer(r, s.tokens)
	if err != nil {
		return nil, err
	}
	if claims.Kind() != auth.TokenRefresh {
		return nil, apperr.Unauthorized("refresh token required")
	}
	return resolveUser(r, s.resolver, claims, token)
}

// TemporaryStrategy accepts only a temporary token issued for one purpose.
type TemporaryStrategy struct {
	tokens   TokenVerifier
	resolver RefreshResolver
	purpose  auth.TemporaryPurpose
}

// NewTemporaryStrategy creates a strategy accepting temporary tokens issued for purpose
func NewTemporaryStrategy(tokens TokenVerifier, resolver RefreshResolver, purpose auth.TemporaryPurpose) *TemporaryStrategy {
	return &TemporaryStrategy{tokens: tokens, resolver: resolver, purpose: purpose}
}

func (s *TemporaryStrategy) Authenticate(r *http.Request) (*Principal, error) {
	claims, token, err := verifyRefreshBearer(r, s.tokens)
	if err != nil {
		return nil, err
	}
	temp, ok := claims.(*auth.TemporaryClaims)
	if !ok || temp.Purpose != s.purpose {
		return nil, apperr.Unauthorized("temporary token not valid for this call")
	}
	return resolveUser(r, s.resolver, claims, token)
}

func verifyRefreshBearer(r *http.Request, tokens TokenVerifier) (auth.Claims, string, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, "", err
	}
	claims, err := tokens.VerifyRefresh(token)
	if err != nil {
		return nil, "", err
	}
	return claims, token, nil
}

func resolveUser(r *http.Request, resolver RefreshResolver, claims auth.Claims, token string) (*Principal, error) {
	user, err := resolver.ResolveRefreshPrincipal(r.Context(), claims, token)
	if err != nil {
		return nil, err
	}
	return principalFromUser(user, claims.Kind()), nil
}

// WebSocketStrategy is the transport half of the subscription slot: it only
// requires a websocket upgrade. The access strategy in the same slot supplies
// the principal.
type WebSocketStrategy struct{}

// NewWebSocketStrategy creates a new websocket strategy
func NewWebSocketStrategy() *WebSocketStrategy {
	return &WebSocketStrategy{}
}

func (s *WebSocketStrategy) Authenticate(r *http.Request) (*Principal, error) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return nil, apperr.Unauthorized("websocket upgrade required")
	}
	return nil, nil
}

func principalFromAccess(claims *auth.AccessClaims) (*Principal, error) {
	userID, err := auth.SubjectID(claims)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid token subject", err)
	}
	return &Principal{
		UserID:          userID,
		Email:           claims.Email,
		Roles:           claims.Roles,
		Permissions:     claims.Permissions,
		PermissionNames: claims.PermissionNames,
		TokenType:       auth.TokenAccess,
	}, nil
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", apperr.Unauthorized("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", apperr.Unauthorized("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", apperr.Unauthorized("missing token")
	}
	return token, nil
}
