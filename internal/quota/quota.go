// Package quota implements the Quota Ledger: a cached, periodically
// refreshed view of each account's remaining per-model quota, backed by a
// bounded worker pool so a stale-cache sweep never opens more upstream
// connections than the operator configured.
package quota

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vantagehub/dispatchcore/internal/auth"
	"github.com/vantagehub/dispatchcore/internal/store"
)

// ModelQuota is one model's quota fraction as reported by an upstream
// models-list call.
type ModelQuota struct {
	ModelName string
	Remaining float64
	ResetTime time.Time
	Available bool
}

// Fetcher retrieves the live per-model quota snapshot for one account. Each
// provider implements this against its own models-list endpoint.
type Fetcher interface {
	Provider() auth.Provider
	FetchQuota(ctx context.Context, acc auth.Account) ([]ModelQuota, error)
}

// cacheStore is the narrow slice of *store.Store the Ledger needs: reading
// and writing the quota cache. Declared here, at the consumer, so a test can
// wire an in-memory fake instead of a live database (same shape as the
// Dispatch Engine's collaborator interfaces).
type cacheStore interface {
	GetQuota(ctx context.Context, accountID, modelName string) (*store.QuotaCache, error)
	UpsertQuota(ctx context.Context, accountID, modelName string, remaining float64, resetTime time.Time, available bool) error
}

// Ledger is the Quota Ledger: it serves cached quota fractions and refreshes
// them in the background when they go stale (§4.3).
type Ledger struct {
	store       cacheStore
	fetchers    map[auth.Provider]Fetcher
	staleAfter  time.Duration
	concurrency int
}

// New constructs a Ledger. staleAfter is the cache age (default 5 minutes)
// past which a read triggers a background refresh; concurrency bounds how
// many accounts are refreshed at once during a sweep.
func New(st cacheStore, staleAfter time.Duration, concurrency int, fetchers ...Fetcher) *Ledger {
	if concurrency < 1 {
		concurrency = 1
	}
	l := &Ledger{store: st, fetchers: make(map[auth.Provider]Fetcher), staleAfter: staleAfter, concurrency: concurrency}
	for _, f := range fetchers {
		l.fetchers[f.Provider()] = f
	}
	return l
}

// Get returns the cached remaining fraction for (account, model), along with
// whether the cache entry is stale enough to warrant a background refresh.
// A missing cache entry is reported as stale with Remaining defaulted to 1
// (optimistic — Dispatch treats an unknown account as available).
func (l *Ledger) Get(ctx context.Context, accountID, modelName string) (remaining float64, available bool, stale bool, err error) {
	cached, err := l.store.GetQuota(ctx, accountID, modelName)
	if err != nil {
		if err == store.ErrNotFound {
			return 1, true, true, nil
		}
		return 0, false, false, err
	}
	stale = time.Since(cached.LastFetchedAt) >= l.staleAfter
	return cached.Remaining, cached.Available, stale, nil
}

// RefreshOne fetches a fresh snapshot for one account and upserts every
// model it reports.
func (l *Ledger) RefreshOne(ctx context.Context, provider auth.Provider, acc auth.Account) error {
	fetcher, ok := l.fetchers[provider]
	if !ok {
		return nil
	}
	quotas, err := fetcher.FetchQuota(ctx, acc)
	if err != nil {
		return err
	}
	for _, q := range quotas {
		if uerr := l.store.UpsertQuota(ctx, acc.AccountID(), q.ModelName, q.Remaining, q.ResetTime, q.Available); uerr != nil {
			return uerr
		}
	}
	return nil
}

// RefreshStale sweeps accounts and refreshes the ones whose cache is older
// than staleAfter for modelName, bounded to l.concurrency concurrent
// upstream calls (grounded on the pack's semaphore-bounded quota sweep).
func (l *Ledger) RefreshStale(ctx context.Context, provider auth.Provider, modelName string, accounts []auth.Account) {
	sem := make(chan struct{}, l.concurrency)
	var wg sync.WaitGroup

	for _, acc := range accounts {
		cached, err := l.store.GetQuota(ctx, acc.AccountID(), modelName)
		if err == nil && time.Since(cached.LastFetchedAt) < l.staleAfter {
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(acc auth.Account) {
			defer func() { <-sem; wg.Done() }()
			if err := l.RefreshOne(ctx, provider, acc); err != nil {
				log.WithError(err).WithField("account_id", acc.AccountID()).Warn("quota: refresh failed")
			}
		}(acc)
	}
	wg.Wait()
}
