// Package oauth2 refreshes provider access tokens from a long-lived refresh
// token. It knows two providers: Gmail (source) and Outlook (destination),
// each with its own token endpoint and request shape.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ajmccauley/syncrelay/internal/syncerr"
)

// Provider identifies which token endpoint and request shape to use.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

const gmailTokenURL = "https://oauth2.googleapis.com/token"

// outlookTokenURL builds the tenant-scoped Microsoft identity platform
// token endpoint.
func outlookTokenURL(tenant string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant)
}

// outlookIMAPScope is the minimal scope needed for IMAP APPEND plus a
// refresh token on subsequent exchanges.
const outlookIMAPScope = "https://outlook.office.com/IMAP.AccessAsUser.All offline_access"

// TokenResponse is a refreshed access token and its provider-declared
// lifetime.
type TokenResponse struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int
}

// ExpiresAt returns the approximate absolute expiry, computed from now.
func (t TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Credentials is the provider-specific client identity and the refresh
// token being exchanged.
type Credentials struct {
	Provider     Provider
	Tenant       string // Outlook only
	ClientID     string
	ClientSecret string // optional for Outlook, required for Gmail
	RefreshToken string
}

// Manager refreshes access tokens over HTTP.
type Manager struct {
	httpClient *http.Client
}

// NewManager builds a Manager with the given request timeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{httpClient: &http.Client{Timeout: timeout}}
}

// RefreshToken exchanges a refresh token for a fresh access token against
// the provider's token endpoint.
func (m *Manager) RefreshToken(ctx context.Context, creds Credentials) (TokenResponse, error) {
	switch creds.Provider {
	case ProviderGmail:
		return m.refresh(ctx, gmailTokenURL, gmailForm(creds))
	case ProviderOutlook:
		return m.refresh(ctx, outlookTokenURL(creds.Tenant), outlookForm(creds))
	default:
		return TokenResponse{}, fmt.Errorf("%w: unknown oauth2 provider %q", syncerr.ErrConfig, creds.Provider)
	}
}

func gmailForm(creds Credentials) url.Values {
	v := url.Values{}
	v.Set("client_id", creds.ClientID)
	v.Set("client_secret", creds.ClientSecret)
	v.Set("refresh_token", creds.RefreshToken)
	v.Set("grant_type", "refresh_token")
	return v
}

func outlookForm(creds Credentials) url.Values {
	v := url.Values{}
	v.Set("client_id", creds.ClientID)
	v.Set("refresh_token", creds.RefreshToken)
	v.Set("grant_type", "refresh_token")
	v.Set("scope", outlookIMAPScope)
	if creds.ClientSecret != "" {
		v.Set("client_secret", creds.ClientSecret)
	}
	return v
}

func (m *Manager) refresh(ctx context.Context, tokenURL string, form url.Values) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, fmt.Errorf("build token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: token refresh request failed: %v", syncerr.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: read token refresh response: %v", syncerr.ErrTransport, err)
	}

	if resp.StatusCode >= 500 {
		return TokenResponse{}, fmt.Errorf("%w: token endpoint returned %d: %s", syncerr.ErrTransport, resp.StatusCode, body)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return TokenResponse{}, fmt.Errorf("token endpoint returned invalid JSON: %w", err)
	}
	if payload.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("token refresh failed: %s: %s", payload.Error, payload.ErrorDesc)
	}
	tokenType := payload.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresIn := payload.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	return TokenResponse{AccessToken: payload.AccessToken, TokenType: tokenType, ExpiresIn: expiresIn}, nil
}
