package dispatch

import "github.com/vantagehub/dispatchcore/internal/auth"

// dispatchState carries the counters the retry matrix threads through a
// single request as an explicit loop variable rather than recursion
// arguments, per the reference implementation's recursive generateResponse:
// four counters plus an exclude set, re-expressed here as one struct so the
// matrix in engine.go is a loop, not a call stack that grows with retries.
type dispatchState struct {
	excludeSet map[string]bool

	endpointIndex int

	// firstError403Type latches the *first* 403 this account saw across
	// endpoints: permission-denied is sticky per account, not per endpoint,
	// so later endpoints on the same account must not overwrite it with a
	// generic 403.
	firstError403Latched bool
	firstError403IsPermissionDenied bool

	// projectRetryCount bounds the Antigravity project-id re-mint to once
	// per request (§4.5, §8 idempotence property).
	projectRetryCount int

	// quotaSwapCount bounds 429-triggered account swaps to 5 per request.
	quotaSwapCount int

	// quotaBefore is the cached quota fraction observed right after the
	// current account was selected, used as the consumption record's
	// "before" value (§3 Consumption Log).
	quotaBefore float64
}

func newDispatchState() *dispatchState {
	return &dispatchState{excludeSet: make(map[string]bool)}
}

func (s *dispatchState) exclude(acc auth.Account) {
	s.excludeSet[acc.AccountID()] = true
}

func (s *dispatchState) isExcluded(acc auth.Account) bool {
	return s.excludeSet[acc.AccountID()]
}

// latch403 records the class of the first 403 this account has seen during
// this request. Subsequent 403s against the same account are ignored for
// the purpose of the "disable unless permission-denied" rule.
func (s *dispatchState) latch403(permissionDenied bool) {
	if s.firstError403Latched {
		return
	}
	s.firstError403Latched = true
	s.firstError403IsPermissionDenied = permissionDenied
}

func (s *dispatchState) reset403Latch() {
	s.firstError403Latched = false
	s.firstError403IsPermissionDenied = false
}
