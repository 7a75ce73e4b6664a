package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keyward/server/internal/model"
	"github.com/keyward/server/internal/obs"
	"github.com/keyward/server/internal/repo"
	"github.com/sirupsen/logrus"
)

// seededRolePermissions mirrors the role grants seeded by the migrations.
var seededRolePermissions = map[int][]int{
	model.RoleSuperAdmin: {1, 2, 3, 4, 5, 6, 7, 8},
	model.RoleManager:    {1, 2, 3, 4, 8},
	model.RoleUser:       {3, 4},
}

type memUsers struct {
	mu      sync.Mutex
	users   map[uuid.UUID]model.User
	creates int
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[uuid.UUID]model.User)}
}

func (m *memUsers) Create(_ context.Context, u model.NewUser) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if (u.Email != "" && existing.Email == u.Email) || (u.PhoneNumber != "" && existing.PhoneNumber == u.PhoneNumber) {
			return model.User{}, fmt.Errorf("insert user: %w", repo.ErrUniqueViolation)
		}
	}
	user := model.User{
		ID:           uuid.New(),
		Email:        u.Email,
		PhoneNumber:  u.PhoneNumber,
		PasswordHash: u.PasswordHash,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Avatar:       u.Avatar,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	for _, id := range u.RoleIDs {
		user.Roles = append(user.Roles, model.UserRole{
			RoleID:        id,
			RoleName:      model.RoleNames[id],
			PermissionIDs: seededRolePermissions[id],
		})
	}
	m.users[user.ID] = user
	m.creates++
	return user, nil
}

func (m *memUsers) find(match func(model.User) bool) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return model.User{}, fmt.Errorf("find user: %w", repo.ErrNotFound)
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (model.User, error) {
	return m.find(func(u model.User) bool { return email != "" && u.Email == email })
}

func (m *memUsers) FindByPhone(_ context.Context, phone string) (model.User, error) {
	return m.find(func(u model.User) bool { return phone != "" && u.PhoneNumber == phone })
}

func (m *memUsers) FindByID(_ context.Context, id uuid.UUID) (model.User, error) {
	return m.find(func(u model.User) bool { return u.ID == id })
}

func (m *memUsers) UpdateByID(_ context.Context, id uuid.UUID, upd model.UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fmt.Errorf("update user: %w", repo.ErrNotFound)
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.ResetToken != nil {
		u.ResetToken = *upd.ResetToken
	}
	if upd.ResetTokenExpiry != nil {
		t := *upd.ResetTokenExpiry
		u.ResetTokenExpiry = &t
	}
	if upd.PhoneVerified != nil {
		u.PhoneVerified = *upd.PhoneVerified
	}
	if upd.EmailVerified != nil {
		u.EmailVerified = *upd.EmailVerified
	}
	m.users[id] = u
	return nil
}

func (m *memUsers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

type memOtps struct {
	mu        sync.Mutex
	otps      map[uuid.UUID]model.Otp
	upserts   int
	deleteErr error
}

func newMemOtps() *memOtps {
	return &memOtps{otps: make(map[uuid.UUID]model.Otp)}
}

func (m *memOtps) Upsert(_ context.Context, userID uuid.UUID, otpHashHex string, purpose model.OtpPurpose, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, err := hex.DecodeString(otpHashHex)
	if err != nil {
		return err
	}
	m.otps[userID] = model.Otp{UserID: userID, OTPHash: hash, Purpose: purpose, ExpiresAt: expiresAt}
	m.upserts++
	return nil
}

func (m *memOtps) FindByUserID(_ context.Context, userID uuid.UUID) (model.Otp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	otp, ok := m.otps[userID]
	if !ok {
		return model.Otp{}, fmt.Errorf("find otp: %w", repo.ErrNotFound)
	}
	return otp, nil
}

func (m *memOtps) Delete(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.otps[userID]; !ok {
		return fmt.Errorf("delete otp: %w", repo.ErrNotFound)
	}
	delete(m.otps, userID)
	return nil
}

type oauthKey struct {
	userID   uuid.UUID
	provider model.Provider
}

type memOAuth struct {
	mu    sync.Mutex
	links map[oauthKey]model.OAuthIdentity
}

func newMemOAuth() *memOAuth {
	return &memOAuth{links: make(map[oauthKey]model.OAuthIdentity)}
}

func (m *memOAuth) Create(_ context.Context, userID uuid.UUID, provider model.Provider, providerID string) (model.OAuthIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := oauthKey{userID, provider}
	if _, ok := m.links[k]; ok {
		return model.OAuthIdentity{}, fmt.Errorf("create oauth identity: %w", repo.ErrUniqueViolation)
	}
	identity := model.OAuthIdentity{ID: uuid.New(), UserID: userID, ProviderName: provider, ProviderID: providerID, CreatedAt: time.Now()}
	m.links[k] = identity
	return identity, nil
}

func (m *memOAuth) Find(_ context.Context, userID uuid.UUID, provider model.Provider) (model.OAuthIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.links[oauthKey{userID, provider}]
	if !ok {
		return model.OAuthIdentity{}, fmt.Errorf("find oauth identity: %w", repo.ErrNotFound)
	}
	return identity, nil
}

func (m *memOAuth) Delete(_ context.Context, userID uuid.UUID, provider model.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := oauthKey{userID, provider}
	if _, ok := m.links[k]; !ok {
		return fmt.Errorf("delete oauth identity: %w", repo.ErrNotFound)
	}
	delete(m.links, k)
	return nil
}

func (m *memOAuth) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

type memPermissions struct {
	mu    sync.Mutex
	ids   []int
	calls int
}

func (m *memPermissions) AllIDs(context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return append([]int(nil), m.ids...), nil
}

// recordingSender keeps the last code per phone so tests can complete the flow.
type recordingSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func newRecordingSender() *recordingSender {
	return &recordingSender{codes: make(map[string]string)}
}

func (s *recordingSender) SendOtp(_ context.Context, phone, code string, _ model.OtpPurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[phone] = code
	return nil
}

func (s *recordingSender) last(phone string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[phone]
}

type sentMail struct {
	to     string
	kind   MailKind
	params map[string]string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) Send(_ context.Context, to string, kind MailKind, params map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, kind: kind, params: params})
	return nil
}

type stubSocial struct {
	verified bool
	err      error
}

func (s stubSocial) Verify(context.Context, model.Provider, string) (bool, error) {
	return s.verified, s.err
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testEnv struct {
	svc    *AuthService
	tokens *TokenService
	users  *memUsers
	otps   *memOtps
	oauth  *memOAuth
	perms  *memPermissions
	sender *recordingSender
	mailer *recordingMailer
}

func newTestEnv(social SocialVerifier, limiter *OtpLimiter) *testEnv {
	metrics := obs.NewMetrics()
	perms := &memPermissions{ids: []int{1, 2, 3, 4, 5, 6, 7, 8}}
	tokens := NewTokenService("access-secret", "refresh-secret", NewPermissionAggregator(perms, time.Minute, metrics), metrics)
	env := &testEnv{
		tokens: tokens,
		users:  newMemUsers(),
		otps:   newMemOtps(),
		oauth:  newMemOAuth(),
		perms:  perms,
		sender: newRecordingSender(),
		mailer: &recordingMailer{},
	}
	if social == nil {
		social = stubSocial{verified: true}
	}
	env.svc = NewAuthService(Deps{
		Users:       env.users,
		Otps:        env.otps,
		OAuth:       env.oauth,
		Tokens:      tokens,
		Social:      social,
		Mailer:      env.mailer,
		OtpSender:   env.sender,
		OtpLimiter:  limiter,
		OtpSalt:     "test-salt",
		FrontendURL: "https://app.example.com/",
		Logger:      quietLogger(),
		Metrics:     metrics,
	})
	return env
}
