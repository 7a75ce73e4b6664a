package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/keyward/server/internal/apperr"
	"github.com/keyward/server/internal/auth"
	"github.com/keyward/server/internal/middleware"
	"github.com/keyward/server/internal/model"
	"github.com/keyward/server/internal/obs"
	"github.com/sirupsen/logrus"
)

// AuthService is the set of use cases exposed over HTTP. Implemented by auth.AuthService.
type AuthService interface {
	Register(ctx context.Context, email, password string, roleID int) (model.User, error)
	Login(ctx context.Context, user model.User) (auth.AuthResponse, error)
	RenewAccess(ctx context.Context, user model.User) (string, error)
	Profile(ctx context.Context, userID uuid.UUID) (model.User, error)
	InitiatePasswordReset(ctx context.Context, email string) error
	CompletePasswordReset(ctx context.Context, newPassword string, user model.User) error
	SendVerificationOtp(ctx context.Context, phone string, user model.User) error
	SendPhoneOtp(ctx context.Context, phone string, roleID int) (string, error)
	CompleteOtpLogin(ctx context.Context, phone, code string, user model.User) (auth.AuthResponse, error)
	VerifyTokenOfSocialAuth(ctx context.Context, provider model.Provider, req auth.SocialAuthRequest) (auth.AuthResponse, error)
	UnlinkOAuthProvider(ctx context.Context, provider model.Provider, user model.User) error
}

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService AuthService
	logger      logrus.FieldLogger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService AuthService, logger logrus.FieldLogger) *AuthHandler {
	return &AuthHandler{authService: authService, logger: logger}
}

// userResponse is the user object in API responses
type userResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	PhoneNumber   string    `json:"phone_number,omitempty"`
	FirstName     string    `json:"first_name,omitempty"`
	LastName      string    `json:"last_name,omitempty"`
	Avatar        string    `json:"avatar,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	PhoneVerified bool      `json:"phone_verified"`
	Roles         []string  `json:"roles"`
	CreatedAt     time.Time `json:"created_at"`
}

func newUserResponse(u model.User) userResponse {
	return userResponse{
		ID:            u.ID.String(),
		Email:         u.Email,
		PhoneNumber:   u.PhoneNumber,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		Avatar:        u.Avatar,
		EmailVerified: u.EmailVerified,
		PhoneVerified: u.PhoneVerified,
		Roles:         auth.RoleNames(u),
		CreatedAt:     u.CreatedAt,
	}
}

// authResponse mirrors auth.AuthResponse on the wire
type authResponse struct {
	AccessToken      string       `json:"accessToken"`
	RenewAccessToken string       `json:"renewAccessToken"`
	User             userResponse `json:"user"`
}

func newAuthResponse(r auth.AuthResponse) authResponse {
	return authResponse{
		AccessToken:      r.AccessToken,
		RenewAccessToken: r.RefreshToken,
		User:             newUserResponse(r.User),
	}
}

// registerRequest is the request body for POST registerUser and authenticateUser
type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     int    `json:"role"`
}

// HandleRegister handles POST /registerUser
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	if _, err := h.authService.Register(r.Context(), req.Email, req.Password, req.Role); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "User registered successfully", nil)
}

// HandleAuthenticate handles POST /authenticateUser. The password strategy has
// already validated the credentials.
func (h *AuthHandler) HandleAuthenticate(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	resp, err := h.authService.Login(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "User logged in successfully", newAuthResponse(resp))
}

type renewResponse struct {
	AccessToken string `json:"accessToken"`
}

// HandleRenewAccessToken handles POST /renewAccessToken
func (h *AuthHandler) HandleRenewAccessToken(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	token, err := h.authService.RenewAccess(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "Token Refreshed successfully", renewResponse{AccessToken: token})
}

type emailOnlyRequest struct {
	Email string `json:"email"`
}

// HandleInitiatePasswordReset handles POST /initiatePasswordReset
func (h *AuthHandler) HandleInitiatePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailOnlyRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.authService.InitiatePasswordReset(r.Context(), req.Email); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "Password reset process initiated. Please check your email.", nil)
}

type completePasswordResetRequest struct {
	NewPassword string `json:"newPassword"`
}

// HandleCompletePasswordReset handles POST /completePasswordReset
func (h *AuthHandler) HandleCompletePasswordReset(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	var req completePasswordResetRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.authService.CompletePasswordReset(r.Context(), req.NewPassword, user); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "Password reset completed", nil)
}

type phoneOnlyRequest struct {
	PhoneNo string `json:"phone_no"`
}

// HandleSendVerificationOtp handles POST /sendVerificationOtp
func (h *AuthHandler) HandleSendVerificationOtp(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	var req phoneOnlyRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.authService.SendVerificationOtp(r.Context(), req.PhoneNo, user); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "OTP Sent Successfully", nil)
}

type phoneAuthRequest struct {
	PhoneNumber string `json:"phone_number"`
	Role        int    `json:"role"`
}

type phoneAuthResponse struct {
	AccessToken string `json:"accessToken"`
}

// HandlePhoneAuthentication handles POST /authenticateUserByPhoneNumberAndOtp.
// The returned temporary token authorizes the follow-up validateOtp call.
func (h *AuthHandler) HandlePhoneAuthentication(w http.ResponseWriter, r *http.Request) {
	var req phoneAuthRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	if req.Role == 0 {
		req.Role = model.RoleUser
	}
	token, err := h.authService.SendPhoneOtp(r.Context(), req.PhoneNumber, req.Role)
	if err != nil {
		h.logger.WithError(err).WithField("phone", obs.MaskPhone(req.PhoneNumber)).Info("phone authentication failed")
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "OTP Sent Successfully", phoneAuthResponse{AccessToken: token})
}

type validateOtpRequest struct {
	PhoneNo string `json:"phone_no"`
	Otp     string `json:"otp"`
}

// HandleValidateOtp handles POST /validateOtp
func (h *AuthHandler) HandleValidateOtp(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	var req validateOtpRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	resp, err := h.authService.CompleteOtpLogin(r.Context(), req.PhoneNo, req.Otp, user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "OTP verified Successfully", newAuthResponse(resp))
}

type socialAuthRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url"`
	Token    string `json:"token"`
}

// HandleVerifySocialToken handles POST /verifyToken/{provider}
func (h *AuthHandler) HandleVerifySocialToken(w http.ResponseWriter, r *http.Request) {
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		respondWithError(w, apperr.InvalidInput("unknown provider"))
		return
	}
	var req socialAuthRequest
	if err := decodeBody(r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	resp, err := h.authService.VerifyTokenOfSocialAuth(r.Context(), provider, auth.SocialAuthRequest{
		Email:    strings.TrimSpace(req.Email),
		Name:     req.Name,
		ImageURL: req.ImageURL,
		Token:    req.Token,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "User Verified successfully!", newAuthResponse(resp))
}

// HandleUnlinkProvider handles POST /unlink/oauth/{provider}
func (h *AuthHandler) HandleUnlinkProvider(w http.ResponseWriter, r *http.Request) {
	provider, ok := model.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		respondWithError(w, apperr.InvalidInput("unknown provider"))
		return
	}
	user, err := h.currentUser(r)
	if err != nil {
		respondWithError(w, err)
		return
	}
	if err := h.authService.UnlinkOAuthProvider(r.Context(), provider, user); err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "Provider Unlinked successfully!", nil)
}

// HandleMe handles GET /me. Access principals carry no user record, so the
// profile is loaded by id.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		respondWithError(w, apperr.Unauthorized("unauthorized"))
		return
	}
	user, err := h.authService.Profile(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondWithSuccess(w, "Success", newUserResponse(user))
}

type subscriptionResponse struct {
	UserID      string             `json:"user_id"`
	Roles       []string           `json:"roles"`
	Permissions auth.PermissionSet `json:"permissions"`
}

// HandleSubscribe handles GET /subscribe. It only confirms that the upgrade
// request is authorized; streaming is left to the subscription server.
func (h *AuthHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		respondWithError(w, apperr.Unauthorized("unauthorized"))
		return
	}
	respondWithSuccess(w, "Subscription authorized", subscriptionResponse{
		UserID:      p.UserID.String(),
		Roles:       p.Roles,
		Permissions: p.Permissions,
	})
}

// currentUser returns the user of the authenticated principal. Token-only
// principals yield a user with id and email set.
func (h *AuthHandler) currentUser(r *http.Request) (model.User, error) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		return model.User{}, apperr.Unauthorized("unauthorized")
	}
	if p.User != nil {
		return *p.User, nil
	}
	return model.User{ID: p.UserID, Email: p.Email}, nil
}

func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	entry := h.logger.WithError(err).WithField("path", r.URL.Path)
	if apperr.KindOf(err) == apperr.KindInternal || apperr.KindOf(err) == apperr.KindUnavailable {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	respondWithError(w, err)
}
