package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// LinkedInConfig holds app credentials and the token introspection endpoint
type LinkedInConfig struct {
	ClientID      string
	ClientSecret  string
	IntrospectURL string
}

// LinkedIn verifies access tokens through LinkedIn's token introspection.
type LinkedIn struct {
	cfg    LinkedInConfig
	client *http.Client
}

// NewLinkedIn creates a new LinkedIn verifier
func NewLinkedIn(cfg LinkedInConfig, client *http.Client) *LinkedIn {
	if client == nil {
		client = http.DefaultClient
	}
	return &LinkedIn{cfg: cfg, client: client}
}

type introspectResponse struct {
	ClientID string `json:"client_id"`
}

// Verify reports whether introspection echoes back a client id for the token.
func (l *LinkedIn) Verify(ctx context.Context, rawToken string) (bool, error) {
	form := url.Values{
		"client_id":     {l.cfg.ClientID},
		"client_secret": {l.cfg.ClientSecret},
		"token":         {rawToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.IntrospectURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := l.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("linkedin introspection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return false, fmt.Errorf("linkedin introspection: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var body introspectResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, nil
	}
	return body.ClientID != "", nil
}
