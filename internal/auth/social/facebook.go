package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// FacebookConfig holds app credentials and Graph API endpoints
type FacebookConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	DebugURL     string
}

// Facebook verifies user access tokens with the Graph API debug_token endpoint,
// authenticated by an app access token from the client-credentials grant.
type Facebook struct {
	cfg    FacebookConfig
	app    *clientcredentials.Config
	client *http.Client
}

// NewFacebook creates a new Facebook verifier
func NewFacebook(cfg FacebookConfig, client *http.Client) *Facebook {
	if client == nil {
		client = http.DefaultClient
	}
	return &Facebook{
		cfg: cfg,
		app: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: client,
	}
}

type debugTokenResponse struct {
	Data struct {
		AppID string `json:"app_id"`
	} `json:"data"`
}

// Verify reports whether Facebook recognizes the token as issued to an app.
func (f *Facebook) Verify(ctx context.Context, rawToken string) (bool, error) {
	appToken, err := f.app.Token(context.WithValue(ctx, oauth2.HTTPClient, f.client))
	if err != nil {
		return false, fmt.Errorf("failed to fetch facebook app token: %w", err)
	}

	u, err := url.Parse(f.cfg.DebugURL)
	if err != nil {
		return false, fmt.Errorf("invalid facebook debug url: %w", err)
	}
	q := u.Query()
	q.Set("input_token", rawToken)
	q.Set("access_token", appToken.AccessToken)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("build debug_token request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("facebook debug_token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return false, fmt.Errorf("facebook debug_token: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var body debugTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, nil
	}
	return body.Data.AppID != "", nil
}
