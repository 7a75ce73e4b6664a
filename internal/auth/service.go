package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/keyward/server/internal/apperr"
	"github.com/keyward/server/internal/model"
	"github.com/keyward/server/internal/obs"
	"github.com/keyward/server/internal/repo"
	"github.com/sirupsen/logrus"
)

// SocialVerifier checks a provider-issued token. Implemented by social.Registry.
type SocialVerifier interface {
	Verify(ctx context.Context, provider model.Provider, rawToken string) (bool, error)
}

// AuthResponse is returned by every use case that logs a user in.
type AuthResponse struct {
	AccessToken  string
	RefreshToken string
	User         model.User
}

// SocialProfile carries the profile fields a social client reports for the user.
type SocialProfile struct {
	Email     string
	FirstName string
	LastName  string
	Avatar    string
}

// SocialAuthRequest is the payload of a social sign-in.
type SocialAuthRequest struct {
	Email    string
	Name     string
	ImageURL string
	Token    string
}

// Deps collects the collaborators of AuthService.
type Deps struct {
	Users       repo.UserRepo
	Otps        repo.OtpRepo
	OAuth       repo.OAuthRepo
	Tokens      *TokenService
	Social      SocialVerifier
	Mailer      Mailer
	OtpSender   OtpSender
	OtpLimiter  *OtpLimiter // nil disables attempt counting
	OtpSalt     string
	FrontendURL string
	DevMode     bool
	Logger      logrus.FieldLogger
	Metrics     *obs.Metrics
}

// AuthService orchestrates authentication operations
type AuthService struct {
	users       repo.UserRepo
	otps        repo.OtpRepo
	oauth       repo.OAuthRepo
	tokens      *TokenService
	social      SocialVerifier
	mailer      Mailer
	otpSender   OtpSender
	limiter     *OtpLimiter
	otpSalt     string
	frontendURL string
	devMode     bool
	logger      logrus.FieldLogger
	metrics     *obs.Metrics
	now         func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(d Deps) *AuthService {
	return &AuthService{
		users:       d.Users,
		otps:        d.Otps,
		oauth:       d.OAuth,
		tokens:      d.Tokens,
		social:      d.Social,
		mailer:      d.Mailer,
		otpSender:   d.OtpSender,
		limiter:     d.OtpLimiter,
		otpSalt:     d.OtpSalt,
		frontendURL: strings.TrimRight(d.FrontendURL, "/"),
		devMode:     d.DevMode,
		logger:      d.Logger,
		metrics:     d.Metrics,
		now:         time.Now,
	}
}

// Register creates a password account with one initial role.
func (s *AuthService) Register(ctx context.Context, email, password string, roleID int) (model.User, error) {
	email = strings.TrimSpace(email)
	if !IsValidEmail(email) {
		return model.User{}, apperr.InvalidInput("invalid email address")
	}
	if !IsStrongPassword(password) {
		return model.User{}, apperr.InvalidInput("password must be at least 8 characters and contain upper-case, lower-case, digit and special characters")
	}
	if !model.IsKnownRole(roleID) {
		return model.User{}, apperr.InvalidInput("invalid role")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return model.User{}, apperr.Internal("failed to hash password", err)
	}

	user, err := s.users.Create(ctx, model.NewUser{
		Email:        email,
		PasswordHash: hash,
		RoleIDs:      []int{roleID},
	})
	switch {
	case errors.Is(err, repo.ErrUniqueViolation):
		return model.User{}, apperr.Wrap(apperr.KindConflict, "user already exists", err)
	case errors.Is(err, repo.ErrNotFound):
		return model.User{}, apperr.Wrap(apperr.KindUnauthorized, "user could not be created", err)
	case err != nil:
		return model.User{}, apperr.Internal("failed to create user", err)
	}

	s.logger.WithField("user_id", user.ID).Info("user registered")
	return user.WithoutSecrets(), nil
}

// ValidatePassword checks an email/password pair and returns the user without secrets.
func (s *AuthService) ValidatePassword(ctx context.Context, email, password string) (model.User, error) {
	user, err := s.users.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return model.User{}, s.lookupErr(err)
	}
	// accounts created through OTP have no password and cannot log in this way
	if user.PasswordHash == "" {
		return model.User{}, apperr.NotFound("user not found")
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return model.User{}, apperr.Unauthorized("invalid credentials")
	}
	return user.WithoutSecrets(), nil
}

// Login issues an access and a refresh token and records the refresh token as
// the user's last issued one.
func (s *AuthService) Login(ctx context.Context, user model.User) (AuthResponse, error) {
	return s.login(ctx, user, "password")
}

func (s *AuthService) login(ctx context.Context, user model.User, method string) (AuthResponse, error) {
	accessToken, err := s.tokens.IssueAccess(ctx, user)
	if err != nil {
		return AuthResponse{}, apperr.Internal("failed to issue access token", err)
	}
	refreshToken, err := s.tokens.IssueRefresh(ctx, user)
	if err != nil {
		return AuthResponse{}, apperr.Internal("failed to issue refresh token", err)
	}

	pointer := HashRefreshToken(refreshToken)
	expiry := s.now().Add(refreshPointerTTL)
	if err := s.users.UpdateByID(ctx, user.ID, model.UserUpdate{
		ResetToken:       &pointer,
		ResetTokenExpiry: &expiry,
	}); err != nil {
		return AuthResponse{}, s.lookupErr(err)
	}

	s.metrics.LoginsTotal.WithLabelValues(method).Inc()
	return AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user.WithoutSecrets(),
	}, nil
}

// RenewAccess re-issues only the access token from the user's current grants.
func (s *AuthService) RenewAccess(ctx context.Context, user model.User) (string, error) {
	token, err := s.tokens.IssueAccess(ctx, user)
	if err != nil {
		return "", apperr.Internal("failed to issue access token", err)
	}
	return token, nil
}

// ResolveRefreshPrincipal loads the user behind a token signed with the
// refresh secret. Refresh tokens must match the user's last issued one.
func (s *AuthService) ResolveRefreshPrincipal(ctx context.Context, claims Claims, rawToken string) (model.User, error) {
	userID, err := SubjectID(claims)
	if err != nil {
		return model.User{}, apperr.Wrap(apperr.KindUnauthorized, "invalid token subject", err)
	}
	user, err := s.users.FindByID(ctx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.User{}, apperr.Unauthorized("user not found")
	}
	if err != nil {
		return model.User{}, apperr.Internal("failed to load user", err)
	}
	if claims.Kind() == TokenRefresh && !MatchesRefreshPointer(rawToken, user.ResetToken, user.ResetTokenExpiry, s.now()) {
		return model.User{}, apperr.Unauthorized("refresh token has been superseded")
	}
	return user.WithoutSecrets(), nil
}

// Profile returns the user with the given id without secrets.
func (s *AuthService) Profile(ctx context.Context, userID uuid.UUID) (model.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return model.User{}, s.lookupErr(err)
	}
	return user.WithoutSecrets(), nil
}

// InitiatePasswordReset mails a reset link carrying a 10-minute temporary token.
func (s *AuthService) InitiatePasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return apperr.InvalidInput("email is required")
	}
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return s.lookupErr(err)
	}

	token, err := s.tokens.IssueTemporary(user.ID, user.Email, user.PrimaryRoleName(), PurposePasswordReset)
	if err != nil {
		return apperr.Internal("failed to issue reset token", err)
	}
	link := fmt.Sprintf("%s/reset-password?token=%s", s.frontendURL, url.QueryEscape(token))
	if err := s.mailer.Send(ctx, user.Email, MailPasswordReset, map[string]string{
		"name": user.FullName(),
		"link": link,
	}); err != nil {
		return apperr.Internal("failed to send reset email", err)
	}
	return nil
}

// CompletePasswordReset sets a new password for the principal of a reset token.
func (s *AuthService) CompletePasswordReset(ctx context.Context, newPassword string, user model.User) error {
	if !IsStrongPassword(newPassword) {
		return apperr.InvalidInput("password must be at least 8 characters and contain upper-case, lower-case, digit and special characters")
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return apperr.Internal("failed to hash password", err)
	}
	if err := s.users.UpdateByID(ctx, user.ID, model.UserUpdate{PasswordHash: &hash}); err != nil {
		return s.lookupErr(err)
	}
	s.logger.WithField("user_id", user.ID).Info("password reset completed")
	return nil
}

// SendVerificationOtp issues a phone verification code for a logged-in user.
func (s *AuthService) SendVerificationOtp(ctx context.Context, phone string, user model.User) error {
	phone = strings.TrimSpace(phone)
	if !IsValidPhoneNumber(phone) {
		return apperr.InvalidInput("invalid phone number")
	}
	// by id: phone-only principals carry no email
	current, err := s.users.FindByID(ctx, user.ID)
	if err != nil {
		return s.lookupErr(err)
	}
	return s.issueOtp(ctx, current.ID, phone, model.OtpPurposePhoneVerify)
}

// SendPhoneOtp finds or creates the user behind a phone number, issues a login
// code and returns a temporary token for the follow-up validation call.
func (s *AuthService) SendPhoneOtp(ctx context.Context, phone string, roleID int) (string, error) {
	phone = strings.TrimSpace(phone)
	if !IsValidPhoneNumber(phone) {
		return "", apperr.InvalidInput("invalid phone number")
	}

	user, err := s.users.FindByPhone(ctx, phone)
	if errors.Is(err, repo.ErrNotFound) {
		user, err = s.createPhoneUser(ctx, phone, roleID)
	}
	if err != nil {
		return "", s.lookupErr(err)
	}
	if !user.HasRole(roleID) {
		return "", apperr.InvalidInput("user does not hold the requested role")
	}

	if err := s.issueOtp(ctx, user.ID, phone, model.OtpPurposePhoneAuthentication); err != nil {
		return "", err
	}

	token, err := s.tokens.IssueTemporary(user.ID, user.Email, model.RoleNames[roleID], PurposeOtpLogin)
	if err != nil {
		return "", apperr.Internal("failed to issue temporary token", err)
	}
	return token, nil
}

func (s *AuthService) createPhoneUser(ctx context.Context, phone string, roleID int) (model.User, error) {
	if !model.IsKnownRole(roleID) {
		return model.User{}, apperr.InvalidInput("invalid role")
	}
	user, err := s.users.Create(ctx, model.NewUser{PhoneNumber: phone, RoleIDs: []int{roleID}})
	if errors.Is(err, repo.ErrUniqueViolation) {
		// created concurrently
		return s.users.FindByPhone(ctx, phone)
	}
	return user, err
}

func (s *AuthService) issueOtp(ctx context.Context, userID uuid.UUID, phone string, purpose model.OtpPurpose) error {
	code := devOTPCode
	if !s.devMode {
		var err error
		if code, err = generateOTPCode(); err != nil {
			return apperr.Internal("failed to generate otp", err)
		}
	}

	expiresAt := s.now().Add(otpExpiry)
	if err := s.otps.Upsert(ctx, userID, hashOTPHex(userID.String(), code, s.otpSalt), purpose, expiresAt); err != nil {
		return apperr.Internal("failed to store otp", err)
	}
	if err := s.otpSender.SendOtp(ctx, phone, code, purpose); err != nil {
		return apperr.Internal("failed to send otp", err)
	}
	return nil
}

// ValidateOtp compares code with the user's current OTP. Expired codes count as missing.
func (s *AuthService) ValidateOtp(ctx context.Context, phone, code string, user model.User) (bool, error) {
	key := user.ID.String()
	if s.limiter != nil {
		if err := s.limiter.Check(ctx, key); err != nil {
			return false, s.limiterErr(err)
		}
	}

	otp, err := s.otps.FindByUserID(ctx, user.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, apperr.NotFound("otp not found")
	}
	if err != nil {
		return false, apperr.Internal("failed to load otp", err)
	}
	if !s.now().Before(otp.ExpiresAt) {
		s.metrics.OtpValidationsTotal.WithLabelValues("expired").Inc()
		return false, apperr.NotFound("otp not found")
	}

	if !constantTimeCompare(hashOTPBytes(key, strings.TrimSpace(code), s.otpSalt), otp.OTPHash) {
		s.metrics.OtpValidationsTotal.WithLabelValues("mismatch").Inc()
		s.logger.WithField("phone", obs.MaskPhone(phone)).Info("otp mismatch")
		if s.limiter != nil {
			if err := s.limiter.RecordFailure(ctx, key); err != nil && !errors.Is(err, ErrOtpRateLimited) {
				s.logger.WithError(err).Warn("failed to record otp attempt")
			}
		}
		return false, nil
	}

	s.metrics.OtpValidationsTotal.WithLabelValues("match").Inc()
	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, key); err != nil {
			s.logger.WithError(err).Warn("failed to reset otp attempts")
		}
	}
	return true, nil
}

// CompleteOtpLogin validates the code, marks the phone verified, consumes the
// OTP and logs the user in.
func (s *AuthService) CompleteOtpLogin(ctx context.Context, phone, code string, user model.User) (AuthResponse, error) {
	ok, err := s.ValidateOtp(ctx, phone, code, user)
	if err != nil {
		return AuthResponse{}, err
	}
	if !ok {
		return AuthResponse{}, apperr.InvalidInput("invalid otp")
	}

	verified := true
	if err := s.users.UpdateByID(ctx, user.ID, model.UserUpdate{PhoneVerified: &verified}); err != nil {
		return AuthResponse{}, s.lookupErr(err)
	}
	current, err := s.users.FindByID(ctx, user.ID)
	if err != nil {
		return AuthResponse{}, s.lookupErr(err)
	}

	// consume the code before any credential is issued
	if err := s.otps.Delete(ctx, user.ID); err != nil {
		return AuthResponse{}, apperr.Internal("failed to delete otp", err)
	}
	return s.login(ctx, current, "otp")
}

// SocialLogin finds or creates the user behind a social profile, links the
// provider and logs the user in. Repeated calls reuse the user and the link.
func (s *AuthService) SocialLogin(ctx context.Context, profile SocialProfile, provider model.Provider) (AuthResponse, error) {
	email := strings.TrimSpace(profile.Email)
	if email == "" {
		return AuthResponse{}, apperr.InvalidInput("email is required")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, repo.ErrNotFound) {
		user, err = s.createSocialUser(ctx, profile, email)
	}
	if err != nil {
		return AuthResponse{}, s.lookupErr(err)
	}

	if _, err := s.oauth.Find(ctx, user.ID, provider); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return AuthResponse{}, apperr.Internal("failed to load oauth identity", err)
		}
		if _, err := s.oauth.Create(ctx, user.ID, provider, email); err != nil && !errors.Is(err, repo.ErrUniqueViolation) {
			return AuthResponse{}, apperr.Internal("failed to link oauth identity", err)
		}
	}

	return s.login(ctx, user, strings.ToLower(string(provider)))
}

func (s *AuthService) createSocialUser(ctx context.Context, profile SocialProfile, email string) (model.User, error) {
	password, err := GeneratePassword()
	if err != nil {
		return model.User{}, fmt.Errorf("generate password: %w", err)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.users.Create(ctx, model.NewUser{
		Email:        email,
		PasswordHash: hash,
		FirstName:    profile.FirstName,
		LastName:     profile.LastName,
		Avatar:       profile.Avatar,
		RoleIDs:      []int{model.RoleUser},
	})
	if errors.Is(err, repo.ErrUniqueViolation) {
		return s.users.FindByEmail(ctx, email)
	}
	return user, err
}

// VerifyTokenOfSocialAuth checks the provider token and signs the user in.
func (s *AuthService) VerifyTokenOfSocialAuth(ctx context.Context, provider model.Provider, req SocialAuthRequest) (AuthResponse, error) {
	if strings.TrimSpace(req.Token) == "" {
		return AuthResponse{}, apperr.InvalidInput("token is required")
	}
	ok, err := s.social.Verify(ctx, provider, req.Token)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindUnavailable, apperr.KindInvalidInput:
			return AuthResponse{}, err
		}
		return AuthResponse{}, apperr.Wrap(apperr.KindUnauthorized, "social token verification failed", err)
	}
	if !ok {
		return AuthResponse{}, apperr.Unauthorized("social token verification failed")
	}

	first, last := splitName(req.Name)
	return s.SocialLogin(ctx, SocialProfile{
		Email:     req.Email,
		FirstName: first,
		LastName:  last,
		Avatar:    req.ImageURL,
	}, provider)
}

// UnlinkOAuthProvider removes the link between the user and provider.
func (s *AuthService) UnlinkOAuthProvider(ctx context.Context, provider model.Provider, user model.User) error {
	err := s.oauth.Delete(ctx, user.ID, provider)
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.Wrap(apperr.KindForbidden, "provider is not linked", err)
	}
	if err != nil {
		return apperr.Internal("failed to unlink provider", err)
	}
	return nil
}

// lookupErr classifies store errors. Errors that are already classified pass through.
func (s *AuthService) lookupErr(err error) error {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, repo.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, "user not found", err)
	case errors.Is(err, repo.ErrUniqueViolation):
		return apperr.Wrap(apperr.KindConflict, "user already exists", err)
	default:
		return apperr.Internal("store failure", err)
	}
}

func (s *AuthService) limiterErr(err error) error {
	if errors.Is(err, ErrOtpRateLimited) {
		return apperr.RateLimited("too many otp attempts, try again later")
	}
	return apperr.Unavailable("otp attempt limiter unavailable", err)
}

func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
