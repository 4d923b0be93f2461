package dispatch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

// randSource is process-wide and mutex-guarded, matching the pack's own
// antigravity executor (rand.Source is not goroutine-safe on its own).
var (
	randSource      = rand.New(rand.NewSource(time.Now().UnixNano()))
	randSourceMutex sync.Mutex
)

func randIntn(n int) int {
	randSourceMutex.Lock()
	defer randSourceMutex.Unlock()
	return randSource.Intn(n)
}

// availabilityCheck reports whether acc currently has usable quota for the
// request's model — backed by the Quota Ledger and, for shared accounts,
// the caller's shared-pool balance (§4.3's availability rule).
type availabilityCheck func(acc auth.Account) bool

// selectAccount implements the §4.5 selection algorithm:
//  1. concatenate the dedicated and shared pools, dedicated-first pool order
//     decided by the caller's preference
//  2. drop anything in excludeSet
//  3. filter by availability
//  4. partition by sharing flag, prefer the caller's preferred partition,
//     fall back to the other if it is empty
//  5. pick uniformly at random within the chosen partition
//
// Unlike the pack's FillFirst/RoundRobin selectors (deterministic lowest-id
// or cyclic pick, used for load distribution across an always-retried
// pool), §4.5 asks for partition-then-uniform-random — the Dispatch Engine
// already gets retry diversity for free from excludeSet growing on every
// failed attempt, so there's no cursor state to keep between calls.
func selectAccount(dedicated, shared []auth.Account, prefer auth.SharingPreference, state *dispatchState, available availabilityCheck) auth.Account {
	var pool []auth.Account
	if prefer == auth.PreferShared {
		pool = append(pool, shared...)
		pool = append(pool, dedicated...)
	} else {
		pool = append(pool, dedicated...)
		pool = append(pool, shared...)
	}

	var candidates []auth.Account
	for _, acc := range pool {
		if state.isExcluded(acc) {
			continue
		}
		if !available(acc) {
			continue
		}
		candidates = append(candidates, acc)
	}
	if len(candidates) == 0 {
		return nil
	}

	var preferredPartition, otherPartition []auth.Account
	for _, acc := range candidates {
		wantShared := prefer == auth.PreferShared
		if acc.IsShared() == wantShared {
			preferredPartition = append(preferredPartition, acc)
		} else {
			otherPartition = append(otherPartition, acc)
		}
	}

	partition := preferredPartition
	if len(partition) == 0 {
		partition = otherPartition
	}
	if len(partition) == 0 {
		return nil
	}
	return partition[randIntn(len(partition))]
}
