package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Google verifies Google ID tokens against Google's published keys, with the
// configured client id as audience.
type Google struct {
	issuerURL string
	clientID  string
	client    *http.Client

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

// NewGoogle creates a verifier that discovers the issuer's keys on first use.
func NewGoogle(issuerURL, clientID string, client *http.Client) *Google {
	return &Google{issuerURL: issuerURL, clientID: clientID, client: client}
}

// NewGoogleWithVerifier creates a verifier around a prepared ID token verifier.
func NewGoogleWithVerifier(v *oidc.IDTokenVerifier) *Google {
	return &Google{verifier: v}
}

func (g *Google) idTokenVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verifier != nil {
		return g.verifier, nil
	}

	if g.client != nil {
		ctx = oidc.ClientContext(ctx, g.client)
	}
	provider, err := oidc.NewProvider(ctx, g.issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover google provider: %w", err)
	}
	g.verifier = provider.Verifier(&oidc.Config{ClientID: g.clientID})
	return g.verifier, nil
}

type googleClaims struct {
	EmailVerified json.RawMessage `json:"email_verified"`
}

// Verify reports whether the token is valid and its email is verified.
func (g *Google) Verify(ctx context.Context, rawToken string) (bool, error) {
	v, err := g.idTokenVerifier(ctx)
	if err != nil {
		return false, err
	}
	if g.client != nil {
		ctx = oidc.ClientContext(ctx, g.client)
	}

	token, err := v.Verify(ctx, rawToken)
	if err != nil {
		// bad signature, audience or expiry
		return false, nil
	}

	var claims googleClaims
	if err := token.Claims(&claims); err != nil {
		return false, nil
	}
	return isTrue(claims.EmailVerified), nil
}

// isTrue accepts both true and "true"; Google has used both encodings.
func isTrue(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "true"
	}
	return false
}
