// Package token implements the Token Manager: it produces usable access
// tokens for accounts, serializing concurrent refreshes per account-id with
// singleflight and classifying refresh failures as permanent or transient.
package token

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

// RefreshResult is what a successful provider refresh returns.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string // empty if not rotated
	ExpiresAt    time.Time
	ResourceURL  string // Qwen only, empty otherwise
	ProfileARN   string // Kiro only, empty otherwise
}

// Refresher performs the provider-specific refresh-token HTTP exchange.
// Implementations must classify failures using auth.NewInvalidGrantError /
// auth.NewTransientRefreshError rather than returning a bare error.
type Refresher interface {
	Provider() auth.Provider
	Refresh(ctx context.Context, acc auth.Account) (*RefreshResult, error)
}

// Manager ensures accounts carry a fresh access token before use, serializing
// concurrent refresh attempts for the same account-id into a single upstream
// call (§4.1, §5).
type Manager struct {
	skew       time.Duration
	refreshers map[auth.Provider]Refresher
	group      singleflight.Group
}

// NewManager constructs a Token Manager. skew is the safety margin before
// expiry that forces a proactive refresh (default 60s per §3 invariant).
func NewManager(skew time.Duration, refreshers ...Refresher) *Manager {
	m := &Manager{skew: skew, refreshers: make(map[auth.Provider]Refresher)}
	for _, r := range refreshers {
		m.refreshers[r.Provider()] = r
	}
	return m
}

// EnsureFresh refreshes acc's token if it is within skew of expiry or force
// is set, returning the refreshed access token. The in-flight refresh for a
// given account-id is shared across concurrent callers (§4.1: "at-most-one
// network refresh per account at any moment"). now is injected for testability.
func (m *Manager) EnsureFresh(ctx context.Context, now time.Time, provider auth.Provider, acc auth.Account, force bool) (*RefreshResult, error) {
	accessToken, _, expiresAt := acc.Tokens()
	if !force && expiresAt.Sub(now) >= m.skew {
		return &RefreshResult{AccessToken: accessToken, ExpiresAt: expiresAt}, nil
	}
	return m.refreshLocked(ctx, provider, acc)
}

func (m *Manager) refreshLocked(ctx context.Context, provider auth.Provider, acc auth.Account) (*RefreshResult, error) {
	refresher, ok := m.refreshers[provider]
	if !ok {
		return nil, fmt.Errorf("token: no refresher registered for provider %q", provider)
	}

	v, err, _ := m.group.Do(string(provider)+":"+acc.AccountID(), func() (any, error) {
		return refresher.Refresh(ctx, acc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*RefreshResult), nil
}
