package token

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

const (
	qwenOAuthTokenEndpoint = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenOAuthClientID      = "f0304373b74a44d2b584a3fb70ca9e56"
)

// QwenRefresher refreshes Qwen OAuth tokens. Qwen's device-flow token
// endpoint speaks a standard RFC 6749 refresh_token grant (form-encoded
// body, JSON response), so this goes through golang.org/x/oauth2's client
// rather than a hand-rolled POST — unlike Antigravity and Kiro, which use
// non-standard request/response shapes their own provider packages handle
// directly.
type QwenRefresher struct {
	HTTPClient *http.Client
}

func (r *QwenRefresher) Provider() auth.Provider { return auth.ProviderQwen }

func (r *QwenRefresher) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID: qwenOAuthClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  qwenOAuthTokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (r *QwenRefresher) Refresh(ctx context.Context, acc auth.Account) (*RefreshResult, error) {
	_, refreshToken, _ := acc.Tokens()
	if strings.TrimSpace(refreshToken) == "" {
		return nil, auth.NewInvalidGrantError("empty refresh token")
	}

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	source := r.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return nil, auth.NewInvalidGrantError(retrieveErr.ErrorDescription)
		}
		return nil, auth.NewTransientRefreshError(err.Error())
	}

	resourceURL, _ := tok.Extra("resource_url").(string)
	return &RefreshResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ResourceURL:  resourceURL,
		ExpiresAt:    tok.Expiry,
	}, nil
}
