// Package app wires repositories, services and transport into one handler.
package app

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/keyward/server/internal/auth"
	"github.com/keyward/server/internal/auth/social"
	"github.com/keyward/server/internal/config"
	httphandler "github.com/keyward/server/internal/http"
	"github.com/keyward/server/internal/http/handlers"
	"github.com/keyward/server/internal/middleware"
	"github.com/keyward/server/internal/obs"
	"github.com/keyward/server/internal/repo"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Options overrides collaborators that default to log-only or network-backed implementations.
type Options struct {
	Redis     redis.UniversalClient // nil disables OTP attempt limiting
	Social    auth.SocialVerifier
	Mailer    auth.Mailer
	OtpSender auth.OtpSender
	Metrics   *obs.Metrics
}

// App holds the wired components
type App struct {
	Router  *chi.Mux
	Service *auth.AuthService
	Metrics *obs.Metrics

	permissions *auth.PermissionAggregator
	logger      logrus.FieldLogger
}

// ReloadPermissions drops the cached permission universe so the next token
// issue reads the catalogue again. Run it after roles or permissions change.
func (a *App) ReloadPermissions() {
	a.permissions.Invalidate()
	a.logger.Info("permission catalogue reloaded")
}

// New builds the application from config and an open database
func New(cfg *config.Config, database *sql.DB, logger logrus.FieldLogger, opts Options) *App {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = obs.NewMetrics()
	}

	userRepo := repo.NewUserRepo(database)
	otpRepo := repo.NewOtpRepo(database)
	oauthRepo := repo.NewOAuthRepo(database)
	permissionRepo := repo.NewPermissionRepo(database)

	socialVerifier := opts.Social
	if socialVerifier == nil {
		client := &http.Client{Timeout: cfg.Social.Timeout + time.Second}
		socialVerifier = social.NewRegistryFromConfig(cfg.Social, client, metrics, logger)
	}
	mailer := opts.Mailer
	if mailer == nil {
		mailer = auth.NewLogMailer(logger)
	}
	otpSender := opts.OtpSender
	if otpSender == nil {
		otpSender = auth.NewLogOtpSender(logger)
	}
	var limiter *auth.OtpLimiter
	if opts.Redis != nil {
		limiter = auth.NewOtpLimiter(opts.Redis, cfg.OTPMaxAttempts, cfg.OTPAttemptWindow)
	}

	aggregator := auth.NewPermissionAggregator(permissionRepo, cfg.PermissionCacheTTL, metrics)
	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.RefreshJWTSecret, aggregator, metrics)
	authService := auth.NewAuthService(auth.Deps{
		Users:       userRepo,
		Otps:        otpRepo,
		OAuth:       oauthRepo,
		Tokens:      tokens,
		Social:      socialVerifier,
		Mailer:      mailer,
		OtpSender:   otpSender,
		OtpLimiter:  limiter,
		OtpSalt:     cfg.OTPSalt,
		FrontendURL: cfg.FrontendURL,
		DevMode:     cfg.DevMode,
		Logger:      logger,
		Metrics:     metrics,
	})

	dispatcher := middleware.NewDispatcher(middleware.Strategies{
		Password:     middleware.NewPasswordStrategy(authService),
		Access:       middleware.NewAccessStrategy(tokens),
		Refresh:      middleware.NewRefreshStrategy(tokens, authService),
		OtpSession:   middleware.NewTemporaryStrategy(tokens, authService, auth.PurposeOtpLogin),
		ResetSession: middleware.NewTemporaryStrategy(tokens, authService, auth.PurposePasswordReset),
		WebSocket:    middleware.NewWebSocketStrategy(),
	}, metrics, logger)

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimitPerSecond > 0 {
		rateLimiter = middleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	}

	router := httphandler.NewRouter(httphandler.RouterDeps{
		Auth:        handlers.NewAuthHandler(authService, logger),
		Health:      handlers.NewHealthHandler(database),
		Dispatcher:  dispatcher,
		RateLimiter: rateLimiter,
		Metrics:     metrics,
		Logger:      logger,
	})

	return &App{
		Router:      router,
		Service:     authService,
		Metrics:     metrics,
		permissions: aggregator,
		logger:      logger,
	}
}
