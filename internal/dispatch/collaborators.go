package dispatch

import (
	"context"
	"time"

	"github.com/vantagehub/dispatchcore/internal/auth"
	"github.com/vantagehub/dispatchcore/internal/token"
	"github.com/vantagehub/dispatchcore/internal/usage"
)

// AccountStore is the slice of internal/store.Store's surface the Dispatch
// Engine needs: selection queries and the targeted mutations the retry
// matrix performs. Declared here, at the consumer, rather than in the
// store package, so tests can substitute an in-memory fake without pulling
// in a PostgreSQL connection (§9 design note: "expose [collaborators]
// through explicit dependency injection ... so tests can substitute fakes").
type AccountStore interface {
	GetAvailableAntigravity(ctx context.Context, userID string, sharedOnly *bool) ([]*auth.AntigravityAccount, error)
	GetAvailableKiro(ctx context.Context, userID string, sharedOnly *bool) ([]*auth.KiroAccount, error)
	GetAvailableQwen(ctx context.Context, userID string, sharedOnly *bool) ([]*auth.QwenAccount, error)

	UpdateAntigravityToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error
	UpdateKiroToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, profileARN string) error
	UpdateQwenToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, resourceURL string) error

	UpdateAccountStatus(ctx context.Context, provider auth.Provider, id string, status auth.Status) error
	MarkNeedsReauth(ctx context.Context, provider auth.Provider, id string) error
	UpdateProjectIDs(ctx context.Context, cookieID, projectID string, isRestricted, ineligible, paidTier bool) error

	GetSharedPool(ctx context.Context, userID, modelGroup string) (quota, maxQuota float64, err error)
}

// QuotaLedger is the slice of internal/quota.Ledger the engine needs: the
// read-through cache lookup that feeds availability/consumption-before, the
// single-account refresh fired after a completed request, and the bounded
// sweep fired when selection notices a stale entry (§4.3).
type QuotaLedger interface {
	Get(ctx context.Context, accountID, modelName string) (remaining float64, available bool, stale bool, err error)
	RefreshOne(ctx context.Context, provider auth.Provider, acc auth.Account) error
	RefreshStale(ctx context.Context, provider auth.Provider, modelName string, accounts []auth.Account)
}

// TokenManager is the slice of internal/token.Manager the engine needs.
type TokenManager interface {
	EnsureFresh(ctx context.Context, now time.Time, provider auth.Provider, acc auth.Account, force bool) (*token.RefreshResult, error)
}

// UsagePublisher is the slice of internal/usage.Manager the engine needs.
type UsagePublisher interface {
	Publish(ctx context.Context, record usage.Record)
}
