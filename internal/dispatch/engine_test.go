package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/vantagehub/dispatchcore/internal/auth"
	"github.com/vantagehub/dispatchcore/internal/codec"
	"github.com/vantagehub/dispatchcore/internal/config"
)

func futureExpiry() time.Time { return time.Now().Add(time.Hour) }

func antigravityAccount(id string, shared bool) *auth.AntigravityAccount {
	return &auth.AntigravityAccount{
		Base: auth.Base{
			ID: id, UserID: "user-1", Shared: shared,
			AccessToken: "tok-" + id, RefreshToken: "refresh-" + id,
			ExpiresAt: futureExpiry(), Status: auth.StatusEnabled,
		},
		ProjectID: "proj-" + id,
	}
}

func kiroAccount(id string, shared bool) *auth.KiroAccount {
	return &auth.KiroAccount{
		Base: auth.Base{
			ID: id, UserID: "user-1", Shared: shared,
			AccessToken: "tok-" + id, RefreshToken: "refresh-" + id,
			ExpiresAt: futureExpiry(), Status: auth.StatusEnabled,
		},
		Region: "us-east-1",
	}
}

func newTestEngine(store *fakeStore, quota *fakeQuota, tokens *fakeTokens, usage *fakeUsage, transport *routingTransport, endpoints config.EndpointSet) *Engine {
	return &Engine{
		Store:      store,
		Tokens:     tokens,
		Quota:      quota,
		Usage:      usage,
		HTTPClient: newHTTPClient(transport),
		Endpoints:  endpoints,
	}
}

func collectSink() (Sink, func() []codec.Event) {
	var events []codec.Event
	return func(e codec.Event) { events = append(events, e) }, func() []codec.Event { return events }
}

const antigravitySuccessSSE = "data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]},\"finishReason\":\"STOP\"}]}}\n"

// TestDispatch_HappyPathAntigravityDedicated covers the single-account,
// single-endpoint success path: one account, one 200 SSE response, a
// TextEvent followed by a synthetic FinishEvent carrying the upstream's
// real finish reason, and a published usage record.
func TestDispatch_HappyPathAntigravityDedicated(t *testing.T) {
	store := newFakeStore()
	acc := antigravityAccount("acc1", false)
	store.antigravity = []*auth.AntigravityAccount{acc}

	transport := newRoutingTransport().on("antigravity.test",
		scriptedResponse{status: 200, body: antigravitySuccessSSE},
	)
	endpoints := config.EndpointSet{"antigravity": {{BaseURL: "https://antigravity.test"}}}

	usage := &fakeUsage{}
	e := newTestEngine(store, newFakeQuota(), &fakeTokens{}, usage, transport, endpoints)

	sink, events := collectSink()
	if err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: auth.ProviderAntigravity, Model: "gemini-2.5-pro", Payload: []byte("{}")}, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := events()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if te, ok := got[0].(codec.TextEvent); !ok || te.Text != "hi" {
		t.Fatalf("event[0] = %+v, want TextEvent{hi}", got[0])
	}
	if fe, ok := got[1].(codec.FinishEvent); !ok || fe.Reason != "STOP" {
		t.Fatalf("event[1] = %+v, want FinishEvent{STOP}", got[1])
	}
	if len(usage.records) != 1 {
		t.Fatalf("expected 1 published usage record, got %d", len(usage.records))
	}
}

// TestDispatch_RateLimitedSwapsEndpointThenAccount covers §4.5's 429
// handling: a rate-limited account exhausts every configured endpoint
// before the engine excludes it and swaps to the next available account.
func TestDispatch_RateLimitedSwapsEndpointThenAccount(t *testing.T) {
	store := newFakeStore()
	// acc2 is marked shared so the partition-then-random §4.5 selection
	// deterministically prefers dedicated acc1 first, then falls back to
	// acc2 once acc1 is excluded — pinning down which account the script
	// below needs to see first.
	acc1 := antigravityAccount("acc1", false)
	acc2 := antigravityAccount("acc2", true)
	store.antigravity = []*auth.AntigravityAccount{acc1, acc2}

	transport := newRoutingTransport().
		on("ep1.test", scriptedResponse{status: 429, body: "rate limited"}, scriptedResponse{status: 200, body: antigravitySuccessSSE}).
		on("ep2.test", scriptedResponse{status: 429, body: "rate limited"})
	endpoints := config.EndpointSet{"antigravity": {
		{BaseURL: "https://ep1.test"},
		{BaseURL: "https://ep2.test"},
	}}

	usage := &fakeUsage{}
	e := newTestEngine(store, newFakeQuota(), &fakeTokens{}, usage, transport, endpoints)

	sink, events := collectSink()
	if err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: auth.ProviderAntigravity, Model: "gemini-2.5-pro", Payload: []byte("{}")}, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := events()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if _, ok := got[0].(codec.TextEvent); !ok {
		t.Fatalf("event[0] = %+v, want TextEvent", got[0])
	}
	if len(transport.requests) != 3 {
		t.Fatalf("expected 3 upstream attempts (ep1, ep2, ep1 again), got %d", len(transport.requests))
	}
}

// TestDispatch_InvalidGrantThenSuccess covers the permanent-refresh-failure
// path: the first account's refresh token is dead, so it is disabled and
// excluded without ever reaching the HTTP layer, and the second account
// completes normally.
func TestDispatch_InvalidGrantThenSuccess(t *testing.T) {
	store := newFakeStore()
	// acc2 is marked shared for the same reason as the rate-limit swap test:
	// it pins the dedicated-first selection so acc1 (the one with the dead
	// refresh token) is always tried before acc2.
	acc1 := antigravityAccount("acc1", false)
	acc2 := antigravityAccount("acc2", true)
	store.antigravity = []*auth.AntigravityAccount{acc1, acc2}

	transport := newRoutingTransport().on("antigravity.test",
		scriptedResponse{status: 200, body: antigravitySuccessSSE},
	)
	endpoints := config.EndpointSet{"antigravity": {{BaseURL: "https://antigravity.test"}}}

	tokens := &fakeTokens{refreshErr: auth.NewInvalidGrantError("refresh token revoked"), refreshErrFor: "acc1"}
	usage := &fakeUsage{}
	e := newTestEngine(store, newFakeQuota(), tokens, usage, transport, endpoints)

	sink, events := collectSink()
	if err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: auth.ProviderAntigravity, Model: "gemini-2.5-pro", Payload: []byte("{}")}, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !store.disabled["acc1"] {
		t.Fatal("acc1 should have been disabled after an invalid-grant refresh failure")
	}
	got := events()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (text + finish) from the second account, got %+v", len(got), got)
	}
	if _, ok := got[0].(codec.TextEvent); !ok {
		t.Fatalf("expected the second account's success to surface, got %+v", got)
	}
}

const kiroGenericForbidden = "access denied"
const kiroPermissionDeniedBody = "The caller does not have permission to access this resource"

// TestDispatch_All403PermissionDeniedSticky covers the latch: once the
// first 403 across an account's endpoints is classified permission-denied,
// a later generic 403 on a different endpoint must not overwrite that
// classification, and the account is left enabled (permission-denied is
// caller-side, not the account's fault).
func TestDispatch_All403PermissionDeniedSticky(t *testing.T) {
	store := newFakeStore()
	acc := kiroAccount("acc1", false)
	store.kiro = []*auth.KiroAccount{acc}

	transport := newRoutingTransport().
		on("kiro1.test", scriptedResponse{status: 403, body: kiroPermissionDeniedBody}).
		on("kiro2.test", scriptedResponse{status: 403, body: kiroGenericForbidden})
	endpoints := config.EndpointSet{"kiro": {
		{BaseURL: "https://kiro1.test", GenerateContentPath: "/generateAssistantResponse"},
		{BaseURL: "https://kiro2.test", GenerateContentPath: "/generateAssistantResponse"},
	}}

	e := newTestEngine(store, newFakeQuota(), &fakeTokens{}, &fakeUsage{}, transport, endpoints)

	sink, events := collectSink()
	req := Request{UserID: "user-1", Provider: auth.ProviderKiro, Model: "claude-sonnet-4", Kiro: KiroTurn{ConversationID: "conv-1", Content: "hi", Origin: "AI_EDITOR"}}
	if err := e.Dispatch(context.Background(), req, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := events()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 terminal ErrorEvent: %+v", len(got), got)
	}
	ee, ok := got[0].(codec.ErrorEvent)
	if !ok {
		t.Fatalf("event = %+v, want ErrorEvent", got[0])
	}
	if ee.Class != codec.ErrorClassOther403 {
		t.Fatalf("ErrorEvent.Class = %q, want %q", ee.Class, codec.ErrorClassOther403)
	}
	if store.disabled["acc1"] {
		t.Fatal("account must stay enabled when the latched 403 was permission-denied")
	}
}

// TestDispatch_All403GenericDisables is the mirror case: every endpoint
// returns a generic 403 (no permission-denied phrasing), so the account is
// disabled once all endpoints are exhausted.
func TestDispatch_All403GenericDisables(t *testing.T) {
	store := newFakeStore()
	acc := kiroAccount("acc1", false)
	store.kiro = []*auth.KiroAccount{acc}

	transport := newRoutingTransport().
		on("kiro1.test", scriptedResponse{status: 403, body: kiroGenericForbidden}).
		on("kiro2.test", scriptedResponse{status: 403, body: kiroGenericForbidden})
	endpoints := config.EndpointSet{"kiro": {
		{BaseURL: "https://kiro1.test", GenerateContentPath: "/generateAssistantResponse"},
		{BaseURL: "https://kiro2.test", GenerateContentPath: "/generateAssistantResponse"},
	}}

	e := newTestEngine(store, newFakeQuota(), &fakeTokens{}, &fakeUsage{}, transport, endpoints)

	sink, _ := collectSink()
	req := Request{UserID: "user-1", Provider: auth.ProviderKiro, Model: "claude-sonnet-4", Kiro: KiroTurn{ConversationID: "conv-1", Content: "hi", Origin: "AI_EDITOR"}}
	if err := e.Dispatch(context.Background(), req, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !store.disabled["acc1"] {
		t.Fatal("account should be disabled once every endpoint returned a generic 403")
	}
}

// TestDispatch_ProjectInvalidOnceThenSuccess covers the Antigravity-only
// project-id remint: the first attempt reports RESOURCE_PROJECT_INVALID,
// the engine mints a fresh project id via the Cloud Code Companion API and
// retries the same endpoint, and the second attempt succeeds.
func TestDispatch_ProjectInvalidOnceThenSuccess(t *testing.T) {
	store := newFakeStore()
	acc := antigravityAccount("acc1", false)
	store.antigravity = []*auth.AntigravityAccount{acc}

	transport := newRoutingTransport().
		on("antigravity.test",
			scriptedResponse{status: 400, body: `{"error":{"message":"RESOURCE_PROJECT_INVALID"}}`},
			scriptedResponse{status: 200, body: antigravitySuccessSSE},
		).
		on("cloudcode-pa.googleapis.com",
			scriptedResponse{status: 200, body: `{"cloudaicompanionProject":"proj-new"}`},
		)
	endpoints := config.EndpointSet{"antigravity": {{BaseURL: "https://antigravity.test"}}}

	e := newTestEngine(store, newFakeQuota(), &fakeTokens{}, &fakeUsage{}, transport, endpoints)

	sink, events := collectSink()
	if err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: auth.ProviderAntigravity, Model: "gemini-2.5-pro", Payload: []byte("{}")}, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := events()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (text + finish): %+v", len(got), got)
	}
	if acc.ProjectID != "proj-new" {
		t.Fatalf("account project id = %q, want proj-new", acc.ProjectID)
	}
	if store.projectSet["acc1"] != "proj-new" {
		t.Fatalf("store project id = %q, want proj-new", store.projectSet["acc1"])
	}
}

// TestDispatch_QuotaExhaustedSwapsAccountImmediately covers the 400-quota
// path: unlike a 429, a 400 body containing a quota-exhausted marker is
// account-specific, so the engine must exclude the account and reselect
// without trying a second endpoint first.
func TestDispatch_QuotaExhaustedSwapsAccountImmediately(t *testing.T) {
	store := newFakeStore()
	// acc2 is marked shared for the same reason as the other swap tests: it
	// pins the dedicated-first selection so acc1 is always tried before acc2.
	acc1 := antigravityAccount("acc1", false)
	acc2 := antigravityAccount("acc2", true)
	store.antigravity = []*auth.AntigravityAccount{acc1, acc2}

	transport := newRoutingTransport().
		on("ep1.test", scriptedResponse{status: 400, body: `{"error":{"message":"RESOURCE_EXHAUSTED: quota exceeded"}}`}).
		on("ep2.test", scriptedResponse{status: 200, body: antigravitySuccessSSE})
	endpoints := config.EndpointSet{"antigravity": {
		{BaseURL: "https://ep1.test"},
		{BaseURL: "https://ep2.test"},
	}}

	e := newTestEngine(store, newFakeQuota(), &fakeTokens{}, &fakeUsage{}, transport, endpoints)

	sink, events := collectSink()
	if err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: auth.ProviderAntigravity, Model: "gemini-2.5-pro", Payload: []byte("{}")}, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := events()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (text + finish) from the second account, got %+v", len(got), got)
	}
	if _, ok := got[0].(codec.TextEvent); !ok {
		t.Fatalf("expected the second account's success to surface, got %+v", got)
	}
	// The quota-exhausted account must not have been retried on ep2 — only
	// one request should have reached ep1, and the swap must have happened
	// without ever trying a second endpoint on acc1.
	if got := transport.callCount("ep1.test"); got != 1 {
		t.Fatalf("ep1.test called %d times, want 1 (no endpoint retry on a 400-quota response)", got)
	}
	if store.disabled["acc1"] {
		t.Fatal("a quota-exhausted account must not be disabled, only excluded for this request")
	}
}

// TestDispatch_StaleQuotaTriggersBackgroundRefresh covers §4.3's
// "non-blocking background refresh" requirement: when the quota cache entry
// seen during selection is stale, Dispatch must hand the account off to the
// Quota Ledger's bounded refresh sweep without that refresh blocking the
// request itself.
func TestDispatch_StaleQuotaTriggersBackgroundRefresh(t *testing.T) {
	store := newFakeStore()
	acc := antigravityAccount("acc1", false)
	store.antigravity = []*auth.AntigravityAccount{acc}

	quota := newFakeQuota()
	quota.stale["acc1"] = true

	transport := newRoutingTransport().on("antigravity.test",
		scriptedResponse{status: 200, body: antigravitySuccessSSE},
	)
	endpoints := config.EndpointSet{"antigravity": {{BaseURL: "https://antigravity.test"}}}

	e := newTestEngine(store, quota, &fakeTokens{}, &fakeUsage{}, transport, endpoints)

	sink, events := collectSink()
	if err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: auth.ProviderAntigravity, Model: "gemini-2.5-pro", Payload: []byte("{}")}, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(events()) != 2 {
		t.Fatalf("got %d events, want 2 (text + finish)", len(events()))
	}

	select {
	case id := <-quota.refreshedCh:
		if id != "acc1" {
			t.Fatalf("refreshed account = %q, want acc1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the stale account's background refresh to run")
	}
}

// TestDispatch_KiroWebSearchToolCallResolvedViaMCP covers §4.4's web-search
// supplement: a toolUseEvent naming Kiro's built-in web_search tool must
// never surface to the caller as a FunctionCallEvent (the caller declared no
// such tool), and instead resolves through a synchronous MCP round trip to
// the same host, landing as a ToolResultEvent carrying the search text.
func TestDispatch_KiroWebSearchToolCallResolvedViaMCP(t *testing.T) {
	store := newFakeStore()
	acc := kiroAccount("acc1", false)
	store.kiro = []*auth.KiroAccount{acc}

	toolUsePayload := []byte(`{"toolUseId":"tu1","name":"web_search","input":"{\"query\":\"weather today\"}","stop":true}`)
	frame := buildKiroFrame("toolUseEvent", toolUsePayload)

	mcpResponse := `{"id":"1","jsonrpc":"2.0","result":{"content":[{"type":"text","text":"sunny, 72F"}]}}`

	transport := newRoutingTransport().on("kiro1.test",
		scriptedResponse{status: 200, body: string(frame)},
		scriptedResponse{status: 200, body: mcpResponse},
	)
	endpoints := config.EndpointSet{"kiro": {
		{BaseURL: "https://kiro1.test", GenerateContentPath: "/generateAssistantResponse"},
	}}

	e := newTestEngine(store, newFakeQuota(), &fakeTokens{}, &fakeUsage{}, transport, endpoints)

	sink, events := collectSink()
	req := Request{UserID: "user-1", Provider: auth.ProviderKiro, Model: "claude-sonnet-4", Kiro: KiroTurn{ConversationID: "conv-1", Content: "hi", Origin: "AI_EDITOR"}}
	if err := e.Dispatch(context.Background(), req, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := events()
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2 (tool result + finish): %+v", len(got), got)
	}
	tr, ok := got[0].(codec.ToolResultEvent)
	if !ok {
		t.Fatalf("event[0] = %+v, want ToolResultEvent", got[0])
	}
	if tr.ID != "tu1" || tr.Content != "sunny, 72F" {
		t.Fatalf("ToolResultEvent = %+v, want {tu1 sunny, 72F}", tr)
	}
	if _, ok := got[1].(codec.FinishEvent); !ok {
		t.Fatalf("event[1] = %+v, want FinishEvent", got[1])
	}
	if n := transport.callCount("kiro1.test"); n != 2 {
		t.Fatalf("kiro1.test called %d times, want 2 (main call + mcp call)", n)
	}
}

// TestDispatch_NoAccountAvailableSurfacesOutOfCapacity covers the empty-pool
// edge case: no account at all is configured for the request's provider, so
// Dispatch surfaces an out-of-capacity ErrorEvent rather than an error
// return, since the caller has already been told via the event stream.
func TestDispatch_NoAccountAvailableSurfacesOutOfCapacity(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, newFakeQuota(), &fakeTokens{}, &fakeUsage{}, newRoutingTransport(), config.EndpointSet{})

	sink, events := collectSink()
	if err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: auth.ProviderAntigravity, Model: "gemini-2.5-pro", Payload: []byte("{}")}, sink); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got := events()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1: %+v", len(got), got)
	}
	ee, ok := got[0].(codec.ErrorEvent)
	if !ok || ee.Class != codec.ErrorClassOutOfCapacity {
		t.Fatalf("event = %+v, want out-of-capacity ErrorEvent", got[0])
	}
}
