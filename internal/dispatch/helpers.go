package dispatch

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vantagehub/dispatchcore/internal/auth"
	"github.com/vantagehub/dispatchcore/internal/token"
	"github.com/vantagehub/dispatchcore/internal/usage"
)

// pickAccount fetches the dedicated and shared candidate pools for
// req.Provider and runs the §4.5 selection algorithm against them. Any
// account whose quota cache came back stale during the scan is handed to a
// bounded background refresh once selection finishes, per §4.3's "Dispatch
// fires a non-blocking background refresh" — the selection itself never
// waits on it.
func (e *Engine) pickAccount(ctx context.Context, req Request, state *dispatchState) (auth.Account, error) {
	dedicated, shared, err := e.fetchPools(ctx, req)
	if err != nil {
		return nil, err
	}

	var staleAccounts []auth.Account
	available := func(acc auth.Account) bool {
		if !kiroModelAllowed(acc, req.Model) {
			return false
		}
		remaining, _, stale, err := e.Quota.Get(ctx, acc.AccountID(), req.Model)
		if err != nil {
			log.WithError(err).WithField("account_id", acc.AccountID()).Warn("dispatch: quota lookup failed, treating as unavailable")
			return false
		}
		if stale {
			staleAccounts = append(staleAccounts, acc)
		}
		if remaining <= 0 {
			return false
		}
		if acc.IsShared() {
			poolQuota, _, err := e.Store.GetSharedPool(ctx, req.UserID, usage.ModelGroup(req.Model))
			if err != nil {
				log.WithError(err).Warn("dispatch: shared pool lookup failed, treating as unavailable")
				return false
			}
			if poolQuota <= 0 {
				return false
			}
		}
		return true
	}

	picked := selectAccount(dedicated, shared, req.Prefer, state, available)

	if len(staleAccounts) > 0 {
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			e.Quota.RefreshStale(refreshCtx, req.Provider, req.Model, staleAccounts)
		}()
	}

	return picked, nil
}

// kiroModelAllowed enforces the legacy Kiro subscription-tier → allowed
// model table: an empty table allows every model (§4.5).
func kiroModelAllowed(acc auth.Account, model string) bool {
	k, ok := acc.(*auth.KiroAccount)
	if !ok {
		return true
	}
	allowed, ok := kiroTierModels[k.Subscription]
	if !ok || len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}

// kiroTierModels is the subscription-tier allow-list; empty by default
// (legacy behavior: allow all). Operators wanting to restrict a tier can
// populate this at startup.
var kiroTierModels = map[string][]string{}

func (e *Engine) fetchPools(ctx context.Context, req Request) (dedicated, shared []auth.Account, err error) {
	no, yes := false, true
	switch req.Provider {
	case auth.ProviderAntigravity:
		d, err := e.Store.GetAvailableAntigravity(ctx, req.UserID, &no)
		if err != nil {
			return nil, nil, err
		}
		s, err := e.Store.GetAvailableAntigravity(ctx, req.UserID, &yes)
		if err != nil {
			return nil, nil, err
		}
		return toAccounts(d), toAccounts(s), nil

	case auth.ProviderKiro:
		d, err := e.Store.GetAvailableKiro(ctx, req.UserID, &no)
		if err != nil {
			return nil, nil, err
		}
		s, err := e.Store.GetAvailableKiro(ctx, req.UserID, &yes)
		if err != nil {
			return nil, nil, err
		}
		return toAccounts(d), toAccounts(s), nil

	case auth.ProviderQwen:
		d, err := e.Store.GetAvailableQwen(ctx, req.UserID, &no)
		if err != nil {
			return nil, nil, err
		}
		s, err := e.Store.GetAvailableQwen(ctx, req.UserID, &yes)
		if err != nil {
			return nil, nil, err
		}
		return toAccounts(d), toAccounts(s), nil

	default:
		return nil, nil, errUnknownProvider(req.Provider)
	}
}

// toAccounts converts any concrete account slice to the Account interface;
// a tiny generic helper since Go pre-1.24 covariant-slice conversion rules
// don't let []*T satisfy []Account directly.
func toAccounts[T auth.Account](in []T) []auth.Account {
	out := make([]auth.Account, len(in))
	for i, a := range in {
		out[i] = a
	}
	return out
}

// ensureFresh asks the Token Manager for a usable access token, returning
// a typed *auth.RefreshError when the refresh itself failed so callers can
// branch on Permanent() without a second type assertion.
func (e *Engine) ensureFresh(ctx context.Context, provider auth.Provider, acc auth.Account) (*token.RefreshResult, *auth.RefreshError) {
	result, err := e.Tokens.EnsureFresh(ctx, time.Now(), provider, acc, false)
	if err == nil {
		return result, nil
	}
	var refreshErr *auth.RefreshError
	if errors.As(err, &refreshErr) {
		return nil, refreshErr
	}
	return nil, auth.NewTransientRefreshError(err.Error())
}

// applyFreshTokens persists a rotated token (and updates the in-memory
// account) when EnsureFresh actually performed a refresh. A short-circuited
// EnsureFresh call returns the account's existing token/expiry unchanged,
// so this is a no-op for the common case of an already-fresh account.
func (e *Engine) applyFreshTokens(acc auth.Account, fresh *token.RefreshResult) {
	access, _, expiresAt := acc.Tokens()
	if fresh.AccessToken == access && fresh.ExpiresAt.Equal(expiresAt) {
		return
	}

	ctx := context.Background()
	switch a := acc.(type) {
	case *auth.AntigravityAccount:
		a.AccessToken, a.ExpiresAt = fresh.AccessToken, fresh.ExpiresAt
		if fresh.RefreshToken != "" {
			a.RefreshToken = fresh.RefreshToken
		}
		if err := e.Store.UpdateAntigravityToken(ctx, a.ID, fresh.AccessToken, a.RefreshToken, fresh.ExpiresAt); err != nil {
			log.WithError(err).WithField("account_id", a.ID).Warn("dispatch: persist antigravity token failed")
		}
	case *auth.KiroAccount:
		a.AccessToken, a.ExpiresAt = fresh.AccessToken, fresh.ExpiresAt
		if fresh.RefreshToken != "" {
			a.RefreshToken = fresh.RefreshToken
		}
		if fresh.ProfileARN != "" {
			a.ProfileARN = fresh.ProfileARN
		}
		if err := e.Store.UpdateKiroToken(ctx, a.ID, fresh.AccessToken, a.RefreshToken, fresh.ExpiresAt, a.ProfileARN); err != nil {
			log.WithError(err).WithField("account_id", a.ID).Warn("dispatch: persist kiro token failed")
		}
	case *auth.QwenAccount:
		a.AccessToken, a.ExpiresAt = fresh.AccessToken, fresh.ExpiresAt
		if fresh.RefreshToken != "" {
			a.RefreshToken = fresh.RefreshToken
		}
		if fresh.ResourceURL != "" {
			a.ResourceURL = fresh.ResourceURL
		}
		if err := e.Store.UpdateQwenToken(ctx, a.ID, fresh.AccessToken, a.RefreshToken, fresh.ExpiresAt, a.ResourceURL); err != nil {
			log.WithError(err).WithField("account_id", a.ID).Warn("dispatch: persist qwen token failed")
		}
	}
}

// ensureProject mints and persists a GCP project id for an Antigravity
// account that has none yet (§4.5 Project-ID precondition).
func (e *Engine) ensureProject(ctx context.Context, a *auth.AntigravityAccount) error {
	projectID, err := mintProjectID(ctx, e.HTTPClient, a.AccessToken)
	if err != nil {
		log.WithError(err).WithField("account_id", a.ID).Warn("dispatch: project id mint failed")
		return err
	}
	a.ProjectID = projectID
	if err := e.Store.UpdateProjectIDs(ctx, a.ID, projectID, a.IsRestricted, a.Ineligible, a.PaidTier); err != nil {
		log.WithError(err).WithField("account_id", a.ID).Warn("dispatch: persist project id failed")
		return err
	}
	return nil
}

// disable marks an account disabled; failures are logged, not propagated —
// the request's outcome toward the caller never depends on this write
// succeeding.
func (e *Engine) disable(ctx context.Context, provider auth.Provider, acc auth.Account) error {
	if err := e.Store.UpdateAccountStatus(ctx, provider, acc.AccountID(), auth.StatusDisabled); err != nil {
		log.WithError(err).WithField("account_id", acc.AccountID()).Warn("dispatch: disable account failed")
		return err
	}
	return nil
}

// recordCompletion publishes a usage.Record for the finished attempt.
// quotaBefore is the cache value observed at account selection time; "after"
// is read from the same cache right now, which is usually unchanged until
// the background refresh below lands — consumption is necessarily
// approximate between refreshes (§9 open question). The actual
// consumption-log write and shared-pool decrement happen off the request
// path via the Usage Manager's background dispatcher (§5).
func (e *Engine) recordCompletion(ctx context.Context, req Request, acc auth.Account, requestedAt time.Time, quotaBefore float64, failed bool) {
	if e.Usage == nil {
		return
	}
	after, _, _, err := e.Quota.Get(ctx, acc.AccountID(), req.Model)
	if err != nil {
		after = quotaBefore
	}
	e.Usage.Publish(ctx, usageRecord(req, acc, requestedAt, failed, quotaBefore, after))

	go func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Quota.RefreshOne(refreshCtx, req.Provider, acc); err != nil {
			log.WithError(err).WithField("account_id", acc.AccountID()).Warn("dispatch: background quota refresh failed")
		}
	}()
}

func usageRecord(req Request, acc auth.Account, requestedAt time.Time, failed bool, before, after float64) usage.Record {
	return usage.Record{
		Provider:    string(req.Provider),
		Model:       req.Model,
		UserID:      req.UserID,
		AccountID:   acc.AccountID(),
		Shared:      acc.IsShared(),
		RequestedAt: requestedAt,
		Failed:      failed,
		QuotaBefore: before,
		QuotaAfter:  after,
	}
}
