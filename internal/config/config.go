package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL      string `env:"DATABASE_URL,required,notEmpty"`
	Port             string `env:"PORT" envDefault:"8080"`
	JWTSecret        string `env:"JWT_SECRET,required,notEmpty"`
	RefreshJWTSecret string `env:"REFRESH_JWT_SECRET,required,notEmpty"`
	OTPSalt          string `env:"OTP_SALT,required,notEmpty"`
	FrontendURL      string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	RedisURL         string `env:"REDIS_URL"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	DevMode          bool   `env:"DEV_MODE" envDefault:"false"`

	PermissionCacheTTL time.Duration `env:"PERMISSION_CACHE_TTL" envDefault:"1m"`
	OTPMaxAttempts     int           `env:"OTP_MAX_ATTEMPTS" envDefault:"5"`
	OTPAttemptWindow   time.Duration `env:"OTP_ATTEMPT_WINDOW" envDefault:"15m"`

	// Per-IP token bucket on the public auth endpoints
	RateLimitPerSecond int `env:"RATE_LIMIT_PER_SECOND" envDefault:"5"`
	RateLimitBurst     int `env:"RATE_LIMIT_BURST" envDefault:"20"`

	Social SocialConfig
}

// SocialConfig holds provider credentials and endpoints for social token verification
type SocialConfig struct {
	Timeout time.Duration `env:"SOCIAL_TIMEOUT" envDefault:"5s"`

	GoogleClientID  string `env:"GOOGLE_CLIENT_ID"`
	GoogleIssuerURL string `env:"GOOGLE_ISSUER_URL" envDefault:"https://accounts.google.com"`

	FacebookClientID     string `env:"FACEBOOK_CLIENT_ID"`
	FacebookClientSecret string `env:"FACEBOOK_CLIENT_SECRET"`
	FacebookTokenURL     string `env:"FACEBOOK_URL" envDefault:"https://graph.facebook.com/oauth/access_token"`
	FacebookDebugURL     string `env:"FACEBOOK_DEBUG_URL" envDefault:"https://graph.facebook.com/debug_token"`

	LinkedInClientID     string `env:"LINKEDIN_CLIENT_ID"`
	LinkedInClientSecret string `env:"LINKEDIN_CLIENT_SECRET"`
	LinkedInURL          string `env:"LINKEDIN_URL" envDefault:"https://www.linkedin.com/oauth/v2/introspectToken"`
}

// LoadDotEnv loads .env from CWD or server/ so it works from repo root or server/.
// Variables already present in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.OTPMaxAttempts <= 0 {
		return nil, fmt.Errorf("OTP_MAX_ATTEMPTS must be positive, got %d", cfg.OTPMaxAttempts)
	}
	if cfg.JWTSecret == cfg.RefreshJWTSecret {
		return nil, fmt.Errorf("JWT_SECRET and REFRESH_JWT_SECRET must differ")
	}
	return cfg, nil
}
