package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

const (
	antigravityTokenEndpoint = "https://oauth2.googleapis.com/token"
	antigravityClientID      = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	antigravityClientSecret  = "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"
)

// AntigravityRefresher refreshes Gemini-family OAuth tokens via Google's
// standard token endpoint. Antigravity does not speak RFC-compliant
// client-credential discovery, so this issues a raw form-encoded POST rather
// than going through golang.org/x/oauth2's client, matching the teacher's
// own internal/auth/antigravity package.
type AntigravityRefresher struct {
	HTTPClient *http.Client
}

func (r *AntigravityRefresher) Provider() auth.Provider { return auth.ProviderAntigravity }

type antigravityTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Refresh exchanges refresh_token for a new access_token (§4.1 algorithm).
func (r *AntigravityRefresher) Refresh(ctx context.Context, acc auth.Account) (*RefreshResult, error) {
	_, refreshToken, _ := acc.Tokens()
	if strings.TrimSpace(refreshToken) == "" {
		return nil, auth.NewInvalidGrantError("empty refresh token")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", antigravityClientID)
	form.Set("client_secret", antigravityClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, antigravityTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("token: build antigravity refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, auth.NewTransientRefreshError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auth.NewTransientRefreshError(err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		var parsed antigravityTokenResponse
		_ = json.Unmarshal(body, &parsed)
		if parsed.Error == "invalid_grant" {
			return nil, auth.NewInvalidGrantError(parsed.ErrorDesc)
		}
		return nil, auth.NewTransientRefreshError(fmt.Sprintf("antigravity refresh failed: %d %s", resp.StatusCode, string(body)))
	}

	var parsed antigravityTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, auth.NewTransientRefreshError(fmt.Sprintf("parse antigravity refresh response: %v", err))
	}

	result := &RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}
	return result, nil
}
