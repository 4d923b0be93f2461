package dispatch

import (
	"testing"
	"time"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

func newSelAccount(id string, shared bool) auth.Account {
	return &auth.AntigravityAccount{Base: auth.Base{
		ID:        id,
		Shared:    shared,
		ExpiresAt: time.Now().Add(time.Hour),
	}}
}

func alwaysAvailable(auth.Account) bool { return true }

func TestSelectAccount_PrefersDedicatedByDefault(t *testing.T) {
	dedicated := []auth.Account{newSelAccount("d1", false)}
	shared := []auth.Account{newSelAccount("s1", true)}
	state := newDispatchState()

	got := selectAccount(dedicated, shared, auth.PreferDedicated, state, alwaysAvailable)
	if got == nil || got.AccountID() != "d1" {
		t.Fatalf("expected dedicated account, got %v", got)
	}
}

func TestSelectAccount_PrefersSharedWhenRequested(t *testing.T) {
	dedicated := []auth.Account{newSelAccount("d1", false)}
	shared := []auth.Account{newSelAccount("s1", true)}
	state := newDispatchState()

	got := selectAccount(dedicated, shared, auth.PreferShared, state, alwaysAvailable)
	if got == nil || got.AccountID() != "s1" {
		t.Fatalf("expected shared account, got %v", got)
	}
}

func TestSelectAccount_FallsBackToOtherPartitionWhenPreferredEmpty(t *testing.T) {
	shared := []auth.Account{newSelAccount("s1", true)}
	state := newDispatchState()

	got := selectAccount(nil, shared, auth.PreferDedicated, state, alwaysAvailable)
	if got == nil || got.AccountID() != "s1" {
		t.Fatalf("expected fallback to shared partition, got %v", got)
	}
}

func TestSelectAccount_ExcludedAccountsAreSkipped(t *testing.T) {
	d1 := newSelAccount("d1", false)
	dedicated := []auth.Account{d1, newSelAccount("d2", false)}
	state := newDispatchState()
	state.exclude(d1)

	got := selectAccount(dedicated, nil, auth.PreferDedicated, state, alwaysAvailable)
	if got == nil || got.AccountID() != "d2" {
		t.Fatalf("expected excluded account to be skipped, got %v", got)
	}
}

func TestSelectAccount_UnavailableAccountsAreSkipped(t *testing.T) {
	dedicated := []auth.Account{newSelAccount("d1", false), newSelAccount("d2", false)}
	state := newDispatchState()
	unavailable := func(acc auth.Account) bool { return acc.AccountID() != "d1" }

	got := selectAccount(dedicated, nil, auth.PreferDedicated, state, unavailable)
	if got == nil || got.AccountID() != "d1" {
		t.Fatalf("expected only the available account to be selected, got %v", got)
	}
}

func TestSelectAccount_NoCandidatesReturnsNil(t *testing.T) {
	state := newDispatchState()
	got := selectAccount(nil, nil, auth.PreferDedicated, state, alwaysAvailable)
	if got != nil {
		t.Fatalf("expected nil when no accounts exist, got %v", got)
	}

	never := func(auth.Account) bool { return false }
	got = selectAccount([]auth.Account{newSelAccount("d1", false)}, nil, auth.PreferDedicated, state, never)
	if got != nil {
		t.Fatalf("expected nil when nothing is available, got %v", got)
	}
}

func TestSelectAccount_UniformAcrossPreferredPartition(t *testing.T) {
	dedicated := []auth.Account{
		newSelAccount("d1", false),
		newSelAccount("d2", false),
		newSelAccount("d3", false),
	}
	state := newDispatchState()

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		got := selectAccount(dedicated, nil, auth.PreferDedicated, state, alwaysAvailable)
		if got == nil {
			t.Fatalf("unexpected nil selection")
		}
		seen[got.AccountID()] = true
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		if !seen[id] {
			t.Fatalf("expected random selection to eventually pick %s across 200 draws", id)
		}
	}
}
