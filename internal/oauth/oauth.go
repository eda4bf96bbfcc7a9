// Package oauth acquires OAuth2 access tokens with the client credentials
// grant, for SMTP servers that accept AUTH XOAUTH2.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultScope is the Exchange Online scope for SMTP client submission.
const DefaultScope = "https://outlook.office365.com/.default"

// tokenExpiryBuffer is subtracted from the token lifetime so that a token
// about to expire is never handed out.
const tokenExpiryBuffer = 5 * time.Minute

// Config describes the token endpoint and client credentials. TokenURL wins
// over TenantID when both are set.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenSource fetches and caches access tokens. It is safe for concurrent use.
type TokenSource struct {
	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time

	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client
}

// NewTokenSource creates a TokenSource. A nil httpClient uses a client with a
// 30 second timeout.
func NewTokenSource(cfg Config, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	}
	scope := cfg.Scope
	if scope == "" {
		scope = DefaultScope
	}

	return &TokenSource{
		tokenURL:     tokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        scope,
		httpClient:   httpClient,
	}
}

// Token returns a valid access token, requesting a new one when the cached
// token is missing or close to expiry.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.accessToken != "" && time.Now().Before(ts.expiresAt) {
		return ts.accessToken, nil
	}

	return ts.refresh(ctx)
}

// refresh requests a new token. The caller must hold ts.mu.
func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {ts.clientID},
		"client_secret": {ts.clientSecret},
		"scope":         {ts.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	ts.accessToken = tokenResp.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn)*time.Second - tokenExpiryBuffer)
	slog.Debug("acquired OAuth2 token", "token_url", ts.tokenURL, "expires_at", ts.expiresAt)

	return ts.accessToken, nil
}
