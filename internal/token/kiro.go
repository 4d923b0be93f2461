package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

const (
	kiroSocialRefreshEndpoint = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
	kiroSSOOIDCEndpointFmt    = "https://oidc.%s.amazonaws.com/token"
	kiroDefaultSSORegion      = "us-east-1"
)

// KiroRefresher refreshes Kiro tokens. Social-auth accounts (Google/GitHub)
// go through Kiro's own refresh endpoint; IdC (AWS Identity Center)
// accounts go through the region-specific AWS SSO OIDC token endpoint,
// mirroring the dispatch in the pack's KiroAuthenticator.Refresh.
type KiroRefresher struct {
	HTTPClient *http.Client
}

func (r *KiroRefresher) Provider() auth.Provider { return auth.ProviderKiro }

func (r *KiroRefresher) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

// Refresh dispatches on the account's KiroAuthMethod.
func (r *KiroRefresher) Refresh(ctx context.Context, acc auth.Account) (*RefreshResult, error) {
	kiroAcc, ok := acc.(*auth.KiroAccount)
	if !ok {
		return nil, fmt.Errorf("token: kiro refresher given non-kiro account %T", acc)
	}

	_, refreshToken, _ := acc.Tokens()
	if refreshToken == "" {
		return nil, auth.NewInvalidGrantError("empty refresh token")
	}

	switch kiroAcc.AuthMethod {
	case auth.KiroAuthIdC:
		if kiroAcc.ClientID == "" || kiroAcc.ClientSecret == "" {
			return nil, auth.NewInvalidGrantError("idc account missing client_id/client_secret")
		}
		return r.refreshSSOOIDC(ctx, kiroAcc, refreshToken)
	default:
		return r.refreshSocial(ctx, refreshToken)
	}
}

type kiroSocialTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (r *KiroRefresher) refreshSocial(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("token: marshal kiro social refresh body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kiroSocialRefreshEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("token: build kiro social refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, auth.NewTransientRefreshError(err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auth.NewTransientRefreshError(err.Error())
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return nil, auth.NewInvalidGrantError(string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, auth.NewTransientRefreshError(fmt.Sprintf("kiro social refresh failed: %d %s", resp.StatusCode, string(respBody)))
	}

	var parsed kiroSocialTokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, auth.NewTransientRefreshError(fmt.Sprintf("parse kiro social refresh response: %v", err))
	}

	return &RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}

type ssoOIDCTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

func (r *KiroRefresher) refreshSSOOIDC(ctx context.Context, kiroAcc *auth.KiroAccount, refreshToken string) (*RefreshResult, error) {
	region := kiroAcc.Region
	if region == "" {
		region = kiroDefaultSSORegion
	}
	endpoint := fmt.Sprintf(kiroSSOOIDCEndpointFmt, region)

	payload := map[string]string{
		"clientId":     kiroAcc.ClientID,
		"clientSecret": kiroAcc.ClientSecret,
		"grantType":    "refresh_token",
		"refreshToken": refreshToken,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("token: marshal sso-oidc refresh body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("token: build sso-oidc refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, auth.NewTransientRefreshError(err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, auth.NewTransientRefreshError(err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		var parsed ssoOIDCTokenResponse
		_ = json.Unmarshal(respBody, &parsed)
		if parsed.Error == "invalid_grant" || parsed.Error == "InvalidGrantException" {
			return nil, auth.NewInvalidGrantError(parsed.ErrorDesc)
		}
		return nil, auth.NewTransientRefreshError(fmt.Sprintf("sso-oidc refresh failed: %d %s", resp.StatusCode, string(respBody)))
	}

	var parsed ssoOIDCTokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, auth.NewTransientRefreshError(fmt.Sprintf("parse sso-oidc refresh response: %v", err))
	}

	return &RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}, nil
}
