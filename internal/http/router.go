package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/keyward/server/internal/http/handlers"
	"github.com/keyward/server/internal/middleware"
	"github.com/keyward/server/internal/model"
	"github.com/keyward/server/internal/obs"
	"github.com/sirupsen/logrus"
)

// RouterDeps collects what the router needs
type RouterDeps struct {
	Auth        *handlers.AuthHandler
	Health      http.Handler
	Dispatcher  *middleware.Dispatcher
	RateLimiter *middleware.RateLimiter
	Metrics     *obs.Metrics
	Logger      logrus.FieldLogger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(obs.RequestLogger(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(d.Metrics.Instrument)

	r.Get("/health", d.Health.ServeHTTP)
	r.Handle("/metrics", d.Metrics.Handler())

	guard := d.Dispatcher.Guard
	h := d.Auth

	r.Route("/api/v1/auth", func(r chi.Router) {
		// Unauthenticated and credential endpoints share the per-IP bucket
		r.Group(func(r chi.Router) {
			if d.RateLimiter != nil {
				r.Use(middleware.RateLimitMiddleware(d.RateLimiter, middleware.GetIPKey))
			}
			r.With(guard(middleware.AuthNone)).Post("/registerUser", h.HandleRegister)
			r.With(guard(middleware.AuthPassword)).Post("/authenticateUser", h.HandleAuthenticate)
			r.With(guard(middleware.AuthNone)).Post("/initiatePasswordReset", h.HandleInitiatePasswordReset)
			r.With(guard(middleware.AuthNone)).Post("/authenticateUserByPhoneNumberAndOtp", h.HandlePhoneAuthentication)
			r.With(guard(middleware.AuthNone)).Post("/verifyToken/{provider}", h.HandleVerifySocialToken)
			r.With(guard(middleware.AuthOtpSession, middleware.AuthRefresh)).Post("/validateOtp", h.HandleValidateOtp)
		})

		r.With(guard(middleware.AuthRefresh)).Post("/renewAccessToken", h.HandleRenewAccessToken)
		r.With(guard(middleware.AuthResetSession, middleware.AuthRefresh)).Post("/completePasswordReset", h.HandleCompletePasswordReset)
		r.With(guard(middleware.AuthAccess)).Post("/sendVerificationOtp", h.HandleSendVerificationOtp)
		r.With(guard(middleware.AuthAccess)).Post("/unlink/oauth/{provider}", h.HandleUnlinkProvider)
		r.With(guard(middleware.AuthAccess, middleware.AuthRefresh)).Get("/me", h.HandleMe)
		r.With(guard(middleware.AuthSubscription), middleware.RequirePermissions(model.PermViewProfile)).Get("/subscribe", h.HandleSubscribe)
	})

	return r
}
