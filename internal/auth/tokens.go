package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/keyward/server/internal/apperr"
	"github.com/keyward/server/internal/model"
	"github.com/keyward/server/internal/obs"
)

const (
	accessTokenExpiry    = 7 * 24 * time.Hour
	refreshTokenExpiry   = 30 * 24 * time.Hour
	temporaryTokenExpiry = 10 * time.Minute
)

// TokenType is the "typ" claim that tells the three token kinds apart.
type TokenType string

const (
	TokenAccess    TokenType = "access"
	TokenRefresh   TokenType = "refresh"
	TokenTemporary TokenType = "temp"
)

// TemporaryPurpose is the "purpose" claim of a temporary token. A temporary
// token is only accepted by the single call its purpose names.
type TemporaryPurpose string

const (
	PurposeOtpLogin      TemporaryPurpose = "otp_login"
	PurposePasswordReset TemporaryPurpose = "password_reset"
)

// PermissionSet is either an explicit list of permission ids or the "all" sentinel.
// It encodes as [1,2,3] or ["all"].
type PermissionSet struct {
	All bool
	IDs []int
}

// Contains reports whether the set grants permission id.
func (p PermissionSet) Contains(id int) bool {
	return p.All || slices.Contains(p.IDs, id)
}

func (p PermissionSet) MarshalJSON() ([]byte, error) {
	if p.All {
		return json.Marshal([]string{model.AllPermissions})
	}
	ids := p.IDs
	if ids == nil {
		ids = []int{}
	}
	return json.Marshal(ids)
}

func (p *PermissionSet) UnmarshalJSON(data []byte) error {
	*p = PermissionSet{}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("permissions: %w", err)
	}
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s != model.AllPermissions {
				return fmt.Errorf("permissions: unexpected value %q", s)
			}
			p.All = true
			continue
		}
		var id int
		if err := json.Unmarshal(item, &id); err != nil {
			return fmt.Errorf("permissions: %w", err)
		}
		p.IDs = append(p.IDs, id)
	}
	if p.All {
		p.IDs = nil
	}
	return nil
}

// Claims is implemented by *AccessClaims, *RefreshClaims and *TemporaryClaims.
type Claims interface {
	jwt.Claims
	Kind() TokenType
}

// AccessClaims authorizes API calls. Signed with the access secret.
type AccessClaims struct {
	Name            string        `json:"name"`
	Email           string        `json:"email,omitempty"`
	PhoneNumber     string        `json:"phone_number,omitempty"`
	Roles           []string      `json:"roles"`
	Permissions     PermissionSet `json:"permissions"`
	PermissionNames []string      `json:"permissionNames"`
	Type            TokenType     `json:"typ"`
	jwt.RegisteredClaims
}

func (c *AccessClaims) Kind() TokenType { return TokenAccess }

// RefreshClaims renews access tokens. Signed with the refresh secret.
type RefreshClaims struct {
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email,omitempty"`
	Roles     []string  `json:"roles"`
	Type      TokenType `json:"typ"`
	jwt.RegisteredClaims
}

func (c *RefreshClaims) Kind() TokenType { return TokenRefresh }

// TemporaryClaims is a short-lived pre-authentication bearer (password reset,
// OTP login). Signed with the refresh secret.
type TemporaryClaims struct {
	Email   string           `json:"email,omitempty"`
	Role    string           `json:"role"`
	Purpose TemporaryPurpose `json:"purpose"`
	Type    TokenType        `json:"typ"`
	jwt.RegisteredClaims
}

func (c *TemporaryClaims) Kind() TokenType { return TokenTemporary }

// refreshSecretClaims decodes anything signed with the refresh secret before
// the typ claim is known.
type refreshSecretClaims struct {
	FirstName string           `json:"first_name"`
	LastName  string           `json:"last_name"`
	Email     string           `json:"email,omitempty"`
	Roles     []string         `json:"roles"`
	Role      string           `json:"role"`
	Purpose   TemporaryPurpose `json:"purpose"`
	Type      TokenType        `json:"typ"`
	jwt.RegisteredClaims
}

// SubjectID parses the sub claim as a user id.
func SubjectID(c Claims) (uuid.UUID, error) {
	sub, err := c.GetSubject()
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid subject: %w", err)
	}
	return id, nil
}

// TokenService signs and verifies the three token kinds
type TokenService struct {
	accessSecret  []byte
	refreshSecret []byte
	permissions   *PermissionAggregator
	metrics       *obs.Metrics
	now           func() time.Time
}

// NewTokenService creates a new token service
func NewTokenService(accessSecret, refreshSecret string, permissions *PermissionAggregator, metrics *obs.Metrics) *TokenService {
	return &TokenService{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		permissions:   permissions,
		metrics:       metrics,
		now:           time.Now,
	}
}

func (s *TokenService) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *TokenService) sign(claims Claims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", claims.Kind(), err)
	}
	s.metrics.TokensIssuedTotal.WithLabelValues(string(claims.Kind())).Inc()
	return tokenString, nil
}

// IssueAccess signs a 7-day access token carrying the user's aggregated grants.
func (s *TokenService) IssueAccess(ctx context.Context, user model.User) (string, error) {
	grants, err := s.permissions.Aggregate(ctx, user)
	if err != nil {
		return "", err
	}
	claims := &AccessClaims{
		Name:             user.FullName(),
		Email:            user.Email,
		PhoneNumber:      user.PhoneNumber,
		Roles:            grants.Roles,
		Permissions:      grants.Permissions,
		PermissionNames:  grants.PermissionNames,
		Type:             TokenAccess,
		RegisteredClaims: s.registered(user.ID.String(), accessTokenExpiry),
	}
	return s.sign(claims, s.accessSecret)
}

// IssueRefresh signs a 30-day refresh token.
func (s *TokenService) IssueRefresh(_ context.Context, user model.User) (string, error) {
	claims := &RefreshClaims{
		FirstName:        user.FirstName,
		LastName:         user.LastName,
		Email:            user.Email,
		Roles:            RoleNames(user),
		Type:             TokenRefresh,
		RegisteredClaims: s.registered(user.ID.String(), refreshTokenExpiry),
	}
	return s.sign(claims, s.refreshSecret)
}

// IssueTemporary signs a 10-minute temporary token for one purpose.
func (s *TokenService) IssueTemporary(userID uuid.UUID, email, roleName string, purpose TemporaryPurpose) (string, error) {
	claims := &TemporaryClaims{
		Email:            email,
		Role:             roleName,
		Purpose:          purpose,
		Type:             TokenTemporary,
		RegisteredClaims: s.registered(userID.String(), temporaryTokenExpiry),
	}
	return s.sign(claims, s.refreshSecret)
}

func (s *TokenService) parse(tokenString string, claims jwt.Claims, secret []byte) error {
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(s.now))
	return err
}

// VerifyAccess verifies an access token. Any failure is Unauthorized.
func (s *TokenService) VerifyAccess(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := s.parse(tokenString, claims, s.accessSecret); err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid access token", err)
	}
	if claims.Type != TokenAccess {
		return nil, apperr.Unauthorized("invalid token type")
	}
	return claims, nil
}

// VerifyRefresh verifies a token signed with the refresh secret and returns
// either *RefreshClaims or *TemporaryClaims.
func (s *TokenService) VerifyRefresh(tokenString string) (Claims, error) {
	raw := &refreshSecretClaims{}
	if err := s.parse(tokenString, raw, s.refreshSecret); err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid refresh token", err)
	}
	switch raw.Type {
	case TokenRefresh:
		return &RefreshClaims{
			FirstName:        raw.FirstName,
			LastName:         raw.LastName,
			Email:            raw.Email,
			Roles:            raw.Roles,
			Type:             raw.Type,
			RegisteredClaims: raw.RegisteredClaims,
		}, nil
	case TokenTemporary:
		return &TemporaryClaims{
			Email:            raw.Email,
			Role:             raw.Role,
			Purpose:          raw.Purpose,
			Type:             raw.Type,
			RegisteredClaims: raw.RegisteredClaims,
		}, nil
	default:
		return nil, apperr.Unauthorized("invalid token type")
	}
}
