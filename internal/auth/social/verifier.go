// Package social verifies tokens issued by third-party identity providers.
package social

import (
	"context"
	"net/http"
	"time"

	"github.com/keyward/server/internal/apperr"
	"github.com/keyward/server/internal/config"
	"github.com/keyward/server/internal/model"
	"github.com/keyward/server/internal/obs"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Verifier checks a provider-issued token. It returns false for a token the
// provider rejects and an error when the provider could not be asked.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (bool, error)
}

const defaultRetryBase = 200 * time.Millisecond

type retrying struct {
	next    Verifier
	timeout time.Duration
	base    time.Duration
}

// WithRetry bounds every attempt by timeout and retries a failed attempt once
// with exponential backoff. Failures after the retry surface as apperr.Unavailable.
func WithRetry(v Verifier, timeout time.Duration) Verifier {
	return &retrying{next: v, timeout: timeout, base: defaultRetryBase}
}

func (r *retrying) Verify(ctx context.Context, rawToken string) (bool, error) {
	var verified bool
	backoff := retry.WithMaxRetries(1, retry.NewExponential(r.base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		ok, err := r.next.Verify(attemptCtx, rawToken)
		if err != nil {
			return retry.RetryableError(err)
		}
		verified = ok
		return nil
	})
	if err != nil {
		return false, apperr.Unavailable("identity provider unavailable", err)
	}
	return verified, nil
}

// Registry dispatches verification to the verifier registered for a provider.
type Registry struct {
	verifiers map[model.Provider]Verifier
	metrics   *obs.Metrics
	logger    logrus.FieldLogger
}

// NewRegistry creates an empty registry
func NewRegistry(metrics *obs.Metrics, logger logrus.FieldLogger) *Registry {
	return &Registry{
		verifiers: make(map[model.Provider]Verifier),
		metrics:   metrics,
		logger:    logger,
	}
}

// Register sets the verifier for provider, replacing any previous one.
func (r *Registry) Register(provider model.Provider, v Verifier) {
	r.verifiers[provider] = v
}

// Verify implements auth.SocialVerifier.
func (r *Registry) Verify(ctx context.Context, provider model.Provider, rawToken string) (bool, error) {
	v, ok := r.verifiers[provider]
	if !ok {
		// a provider without credentials verifies nobody
		r.logger.WithField("provider", provider).Warn("social provider is not configured")
		r.metrics.SocialVerifications.WithLabelValues(string(provider), "unconfigured").Inc()
		return false, nil
	}

	verified, err := v.Verify(ctx, rawToken)
	outcome := "verified"
	switch {
	case err != nil:
		outcome = "error"
		r.logger.WithError(err).WithField("provider", provider).Warn("social verification failed")
	case !verified:
		outcome = "rejected"
	}
	r.metrics.SocialVerifications.WithLabelValues(string(provider), outcome).Inc()
	return verified, err
}

// NewRegistryFromConfig registers a retrying verifier for every provider whose
// client id is configured.
func NewRegistryFromConfig(cfg config.SocialConfig, client *http.Client, metrics *obs.Metrics, logger logrus.FieldLogger) *Registry {
	r := NewRegistry(metrics, logger)
	if cfg.GoogleClientID != "" {
		r.Register(model.ProviderGoogle, WithRetry(NewGoogle(cfg.GoogleIssuerURL, cfg.GoogleClientID, client), cfg.Timeout))
	}
	if cfg.FacebookClientID != "" {
		r.Register(model.ProviderFacebook, WithRetry(NewFacebook(FacebookConfig{
			ClientID:     cfg.FacebookClientID,
			ClientSecret: cfg.FacebookClientSecret,
			TokenURL:     cfg.FacebookTokenURL,
			DebugURL:     cfg.FacebookDebugURL,
		}, client), cfg.Timeout))
	}
	if cfg.LinkedInClientID != "" {
		r.Register(model.ProviderLinkedIn, WithRetry(NewLinkedIn(LinkedInConfig{
			ClientID:      cfg.LinkedInClientID,
			ClientSecret:  cfg.LinkedInClientSecret,
			IntrospectURL: cfg.LinkedInURL,
		}, client), cfg.Timeout))
	}
	return r
}
