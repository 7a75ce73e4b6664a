package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyward/server/internal/apperr"
	"github.com/keyward/server/internal/auth"
	"github.com/keyward/server/internal/model"
	"github.com/keyward/server/internal/obs"
)

const (
	testAccessSecret  = "access-secret"
	testRefreshSecret = "refresh-secret"
)

type staticPermissions struct{ ids []int }

func (s staticPermissions) AllIDs(context.Context) ([]int, error) { return s.ids, nil }

type resolverFunc func(ctx context.Context, claims auth.Claims, raw string) (model.User, error)

func (f resolverFunc) ResolveRefreshPrincipal(ctx context.Context, claims auth.Claims, raw string) (model.User, error) {
	return f(ctx, claims, raw)
}

type validatorFunc func(ctx context.Context, email, password string) (model.User, error)

func (f validatorFunc) ValidatePassword(ctx context.Context, email, password string) (model.User, error) {
	return f(ctx, email, password)
}

type stubStrategy struct {
	principal *Principal
	err       error
	calls     int
}

func (s *stubStrategy) Authenticate(*http.Request) (*Principal, error) {
	s.calls++
	return s.principal, s.err
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTokens(t *testing.T, accessSecret string) *auth.TokenService {
	t.Helper()
	metrics := obs.NewMetrics()
	agg := auth.NewPermissionAggregator(staticPermissions{ids: []int{1, 2, 3, 4, 5, 6, 7, 8}}, time.Minute, metrics)
	return auth.NewTokenService(accessSecret, testRefreshSecret, agg, metrics)
}

func testUser(roleID int, perms ...int) model.User {
	return model.User{
		ID:    uuid.New(),
		Email: "ada@example.com",
		Roles: []model.UserRole{{RoleID: roleID, RoleName: model.RoleNames[roleID], PermissionIDs: perms}},
	}
}

type fixture struct {
	tokens     *auth.TokenService
	metrics    *obs.Metrics
	dispatcher *Dispatcher
	resolved   model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{tokens: newTokens(t, testAccessSecret), metrics: obs.NewMetrics()}
	resolver := resolverFunc(func(_ context.Context, claims auth.Claims, _ string) (model.User, error) {
		id, err := auth.SubjectID(claims)
		if err != nil {
			return model.User{}, err
		}
		if id != f.resolved.ID {
			return model.User{}, apperr.Unauthorized("user not found")
		}
		return f.resolved, nil
	})
	validator := validatorFunc(func(_ context.Context, email, password string) (model.User, error) {
		if email == f.resolved.Email && password == "Secret#123" {
			return f.resolved, nil
		}
		return model.User{}, apperr.Unauthorized("invalid credentials")
	})
	f.dispatcher = NewDispatcher(Strategies{
		Password:     NewPasswordStrategy(validator),
		Access:       NewAccessStrategy(f.tokens),
		Refresh:      NewRefreshStrategy(f.tokens, resolver),
		OtpSession:   NewTemporaryStrategy(f.tokens, resolver, auth.PurposeOtpLogin),
		ResetSession: NewTemporaryStrategy(f.tokens, resolver, auth.PurposePasswordReset),
		WebSocket:    NewWebSocketStrategy(),
	}, f.metrics, quietLogger())
	f.resolved = testUser(model.RoleManager, 1, 3)
	return f
}

func (f *fixture) accessToken(t *testing.T, u model.User) string {
	t.Helper()
	token, err := f.tokens.IssueAccess(context.Background(), u)
	require.NoError(t, err)
	return token
}

func (f *fixture) refreshToken(t *testing.T, u model.User) string {
	t.Helper()
	token, err := f.tokens.IssueRefresh(context.Background(), u)
	require.NoError(t, err)
	return token
}

// echoPrincipal writes the principal's user id, or "anonymous".
var echoPrincipal = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		_, _ = w.Write([]byte("anonymous"))
		return
	}
	_, _ = w.Write([]byte(p.UserID.String()))
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestGuard_NoneAlwaysPasses(t *testing.T) {
	f := newFixture(t)
	h := f.dispatcher.Guard(AuthNone)(echoPrincipal)

	req := httptest.NewRequest(http.MethodPost, "/registerUser", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := serve(h, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}

func TestGuard_DefaultsToAccess(t *testing.T) {
	f := newFixture(t)
	h := f.dispatcher.Guard()(echoPrincipal)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "Failure", body.Status)
	assert.Equal(t, http.StatusUnauthorized, body.StatusCode)
	assert.Equal(t, "missing authorization header", body.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DispatchFailures.WithLabelValues("access")))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+f.accessToken(t, f.resolved))
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.resolved.ID.String(), rec.Body.String())
}

func TestAccessStrategy_Principal(t *testing.T) {
	f := newFixture(t)
	var got *Principal
	h := f.dispatcher.Guard(AuthAccess)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
	}))

	admin := testUser(model.RoleSuperAdmin, 1, 2, 3, 4, 5, 6, 7, 8)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+f.accessToken(t, admin))
	rec := serve(h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, admin.ID, got.UserID)
	assert.Equal(t, auth.TokenAccess, got.TokenType)
	assert.True(t, got.Permissions.All)
	assert.True(t, got.HasRole(model.RoleNames[model.RoleSuperAdmin]))
	assert.Nil(t, got.User, "access strategy must not load the user")
}

func TestAccessStrategy_Rejections(t *testing.T) {
	f := newFixture(t)
	h := f.dispatcher.Guard(AuthAccess)(echoPrincipal)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.AccessClaims{
		Type: auth.TokenAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   f.resolved.ID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString([]byte(testAccessSecret))
	require.NoError(t, err)

	foreign, err := newTokens(t, "some-other-secret").IssueAccess(context.Background(), f.resolved)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"expired", "Bearer " + expiredToken},
		{"wrong secret", "Bearer " + foreign},
		{"refresh token on access route", "Bearer " + f.refreshToken(t, f.resolved)},
		{"malformed", "Bearer not.a.jwt"},
		{"wrong scheme", "Basic " + foreign},
		{"empty token", "Bearer "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			req.Header.Set("Authorization", tt.header)
			rec := serve(h, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestGuard_OrAcrossSlots(t *testing.T) {
	f := newFixture(t)
	var got *Principal
	h := f.dispatcher.Guard(AuthAccess, AuthRefresh)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+f.refreshToken(t, f.resolved))
	rec := serve(h, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, auth.TokenRefresh, got.TokenType)
	require.NotNil(t, got.User)
	assert.Equal(t, f.resolved.ID, got.User.ID)
}

func (f *fixture) temporaryToken(t *testing.T, purpose auth.TemporaryPurpose) string {
	t.Helper()
	token, err := f.tokens.IssueTemporary(f.resolved.ID, f.resolved.Email, model.RoleNames[model.RoleManager], purpose)
	require.NoError(t, err)
	return token
}

func TestRefreshStrategy_RejectsTemporary(t *testing.T) {
	f := newFixture(t)
	h := f.dispatcher.Guard(AuthRefresh)(echoPrincipal)

	for _, purpose := range []auth.TemporaryPurpose{auth.PurposeOtpLogin, auth.PurposePasswordReset} {
		req := httptest.NewRequest(http.MethodPost, "/renewAccessToken", nil)
		req.Header.Set("Authorization", "Bearer "+f.temporaryToken(t, purpose))
		rec := serve(h, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, purpose)
		assert.Equal(t, "refresh token required", decodeError(t, rec).Message)
	}

	// access or refresh, as on GET me
	h = f.dispatcher.Guard(AuthAccess, AuthRefresh)(echoPrincipal)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+f.temporaryToken(t, auth.PurposeOtpLogin))
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
}

func TestTemporaryStrategy_PurposeBound(t *testing.T) {
	f := newFixture(t)
	var got *Principal
	h := f.dispatcher.Guard(AuthOtpSession)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/validateOtp", nil)
	req.Header.Set("Authorization", "Bearer "+f.temporaryToken(t, auth.PurposeOtpLogin))
	rec := serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, auth.TokenTemporary, got.TokenType)
	assert.Equal(t, f.resolved.ID, got.UserID)

	cases := map[string]string{
		"reset token":   f.temporaryToken(t, auth.PurposePasswordReset),
		"refresh token": f.refreshToken(t, f.resolved),
		"access token":  f.accessToken(t, f.resolved),
	}
	for name, token := range cases {
		req := httptest.NewRequest(http.MethodPost, "/validateOtp", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code, name)
	}

	h = f.dispatcher.Guard(AuthResetSession)(echoPrincipal)
	req = httptest.NewRequest(http.MethodPost, "/completePasswordReset", nil)
	req.Header.Set("Authorization", "Bearer "+f.temporaryToken(t, auth.PurposePasswordReset))
	assert.Equal(t, http.StatusOK, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/completePasswordReset", nil)
	req.Header.Set("Authorization", "Bearer "+f.temporaryToken(t, auth.PurposeOtpLogin))
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
}

func TestDispatch_SlotsAndErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	alice := &Principal{UserID: uuid.New()}
	errA := apperr.Unauthorized("a failed")
	errB := apperr.Forbidden("b failed")

	t.Run("last error surfaces", func(t *testing.T) {
		a, b := &stubStrategy{err: errA}, &stubStrategy{err: errB}
		table := map[AuthType][]Strategy{AuthAccess: {a}, AuthRefresh: {b}}
		_, err := dispatch(table, req, []AuthType{AuthAccess, AuthRefresh})
		assert.Same(t, errB, err)
		assert.Equal(t, 1, a.calls)
		assert.Equal(t, 1, b.calls)
	})

	t.Run("first passing slot stops dispatch", func(t *testing.T) {
		a, b := &stubStrategy{principal: alice}, &stubStrategy{err: errB}
		table := map[AuthType][]Strategy{AuthAccess: {a}, AuthRefresh: {b}}
		p, err := dispatch(table, req, []AuthType{AuthAccess, AuthRefresh})
		require.NoError(t, err)
		assert.Same(t, alice, p)
		assert.Equal(t, 0, b.calls)
	})

	t.Run("slot strategies are all required", func(t *testing.T) {
		a, b := &stubStrategy{principal: alice}, &stubStrategy{err: errB}
		table := map[AuthType][]Strategy{AuthSubscription: {a, b}}
		_, err := dispatch(table, req, []AuthType{AuthSubscription})
		assert.Same(t, errB, err)
	})

	t.Run("first principal in a slot wins", func(t *testing.T) {
		bob := &Principal{UserID: uuid.New()}
		table := map[AuthType][]Strategy{AuthSubscription: {&stubStrategy{principal: alice}, &stubStrategy{principal: bob}}}
		p, err := dispatch(table, req, []AuthType{AuthSubscription})
		require.NoError(t, err)
		assert.Same(t, alice, p)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := dispatch(map[AuthType][]Strategy{}, req, []AuthType{"bogus"})
		assert.ErrorIs(t, err, apperr.ErrInternal)
	})

	t.Run("unconfigured strategy", func(t *testing.T) {
		_, err := dispatch(map[AuthType][]Strategy{AuthAccess: {nil}}, req, nil)
		assert.ErrorIs(t, err, apperr.ErrInternal)
	})
}

func TestGuard_SubscriptionRequiresUpgrade(t *testing.T) {
	f := newFixture(t)
	h := f.dispatcher.Guard(AuthSubscription)(echoPrincipal)
	token := f.accessToken(t, f.resolved)

	req := httptest.NewRequest(http.MethodGet, "/subscribe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "websocket upgrade required", decodeError(t, rec).Message)

	req = httptest.NewRequest(http.MethodGet, "/subscribe", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.resolved.ID.String(), rec.Body.String())

	// upgrade alone is not enough
	req = httptest.NewRequest(http.MethodGet, "/subscribe", nil)
	req.Header.Set("Upgrade", "websocket")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
}

func TestPasswordStrategy(t *testing.T) {
	f := newFixture(t)
	var handlerBody []byte
	var got *Principal
	h := f.dispatcher.Guard(AuthPassword)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFrom(r.Context())
		handlerBody, _ = io.ReadAll(r.Body)
	}))

	body := `{"email":"ada@example.com","password":"Secret#123"}`
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/authenticateUser", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, body, string(handlerBody), "handler must see the original body")
	require.NotNil(t, got)
	require.NotNil(t, got.User)
	assert.Equal(t, f.resolved.ID, got.UserID)

	rec = serve(h, httptest.NewRequest(http.MethodPost, "/authenticateUser",
		bytes.NewBufferString(`{"email":"ada@example.com","password":"wrong"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid credentials", decodeError(t, rec).Message)

	for _, b := range []string{`{}`, `{"email":"ada@example.com"}`, `not json`} {
		rec = serve(h, httptest.NewRequest(http.MethodPost, "/authenticateUser", strings.NewReader(b)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, b)
		assert.Equal(t, "missing credentials", decodeError(t, rec).Message, b)
	}
}

func TestPolicies(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	withP := func(p *Principal) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if p != nil {
			req = req.WithContext(withPrincipal(req.Context(), p))
		}
		return req
	}

	admin := &Principal{Roles: []string{model.RoleNames[model.RoleSuperAdmin]}, Permissions: auth.PermissionSet{All: true}}
	viewer := &Principal{Roles: []string{model.RoleNames[model.RoleUser]}, Permissions: auth.PermissionSet{IDs: []int{model.PermViewProfile}}}

	needPerms := RequirePermissions(model.PermViewProfile, model.PermUpdateProfile)(ok)
	assert.Equal(t, http.StatusOK, serve(needPerms, withP(admin)).Code)
	assert.Equal(t, http.StatusForbidden, serve(needPerms, withP(viewer)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(needPerms, withP(nil)).Code)
	assert.Equal(t, http.StatusOK, serve(RequirePermissions(model.PermViewProfile)(ok), withP(viewer)).Code)

	needRole := RequireRoles(model.RoleSuperAdmin, model.RoleManager)(ok)
	assert.Equal(t, http.StatusOK, serve(needRole, withP(admin)).Code)
	assert.Equal(t, http.StatusForbidden, serve(needRole, withP(viewer)).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(needRole, withP(nil)).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	h := RateLimitMiddleware(limiter, GetIPKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := func(ip string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.RemoteAddr = ip + ":1234"
		return r
	}
	assert.Equal(t, http.StatusOK, serve(h, req("10.0.0.1")).Code)
	assert.Equal(t, http.StatusOK, serve(h, req("10.0.0.1")).Code)
	rec := serve(h, req("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Failure", decodeError(t, rec).Status)

	// other clients have their own bucket
	assert.Equal(t, http.StatusOK, serve(h, req("10.0.0.2")).Code)
}

func TestGetIPKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "ip:192.0.2.1", GetIPKey(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.7", GetIPKey(r))
}

func TestRespondWithError_HidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	respondWithError(rec, apperr.Internal("store failure", errors.New("pq: connection refused")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
