// Package dispatch implements the Dispatch Engine: the orchestrator that
// selects an account, ensures a valid token (and, for Antigravity, a valid
// project id), drives the (endpoint × account) retry matrix against one
// upstream codec, and records quota consumption once a request completes
// (§4.5). It is built as a single state-threading loop rather than the
// reference implementation's recursive retry, per the redesign note: one
// dispatchState value replaces the four counters and excludeSet that would
// otherwise grow a call stack with every retry.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vantagehub/dispatchcore/internal/auth"
	"github.com/vantagehub/dispatchcore/internal/codec"
	"github.com/vantagehub/dispatchcore/internal/codec/kiro"
	"github.com/vantagehub/dispatchcore/internal/config"
)

// requestTimeout bounds an entire dispatch attempt, including every retry
// (§5: "every upstream HTTP call has a hard 10-minute deadline").
const requestTimeout = 10 * time.Minute

// kiroDefaultRegion is used for the "%s" placeholder in a Kiro endpoint's
// BaseURL when the account carries no region (the Kiro API only ever
// defaulted to us-east-1 before region-aware Enterprise/IdC accounts existed).
const kiroDefaultRegion = "us-east-1"

// Sink receives the stream of events produced for one request, strictly in
// upstream arrival order. It is called from the goroutine running Dispatch;
// implementations that forward to a caller's HTTP response writer must not
// block indefinitely.
type Sink func(codec.Event)

// KiroTurn carries the fields BuildPayload needs that have no equivalent in
// the other two providers' flat JSON payloads.
type KiroTurn struct {
	ConversationID string
	Content        string
	Origin         string
	Tools          []kiro.Tool
	ToolResults    []kiro.ToolResult
}

// Request is one caller turn Dispatch must fulfill.
type Request struct {
	UserID   string
	Provider auth.Provider
	Model    string
	Prefer   auth.SharingPreference
	Stream   bool

	// Payload is the already-translated Antigravity or Qwen request body;
	// ignored for Kiro, which is built from Kiro below (south-side
	// OpenAI-compat translation is out of scope for this engine).
	Payload []byte
	Kiro    KiroTurn
}

// Engine wires the Token Manager, Account Store, Quota Ledger and Usage
// Manager together and drives one request's retry matrix end to end. The
// four collaborators are interfaces (see collaborators.go) rather than the
// concrete *store.Store / *token.Manager / *quota.Ledger / *usage.Manager
// types, so a test can wire in-memory fakes without a live database.
type Engine struct {
	Store      AccountStore
	Tokens     TokenManager
	Quota      QuotaLedger
	Usage      UsagePublisher
	HTTPClient *http.Client
	Endpoints  config.EndpointSet

	MaxQuotaSwaps int // default 5 (§4.5, §8 bound)
}

// endpointTarget is one resolved upstream base URL. mcpBaseURL is set only
// for Kiro: it is the bare host (before the generateAssistantResponse path
// is appended below) that the web-search MCP call targets.
type endpointTarget struct {
	baseURL    string
	mcpBaseURL string
}

// endpointsFor resolves the ordered endpoint list for one account, per
// §3's "API Endpoint" entity and §6's north-side interfaces. Qwen has no
// endpoint dimension (its base URL is the account's own resource_url), so
// it always collapses to a single slot.
func (e *Engine) endpointsFor(req Request, acc auth.Account) []endpointTarget {
	if req.Provider == auth.ProviderQwen {
		return []endpointTarget{{}}
	}

	list := e.Endpoints[string(req.Provider)]
	if len(list) == 0 {
		return []endpointTarget{{}}
	}

	region := kiroDefaultRegion
	if k, ok := acc.(*auth.KiroAccount); ok && k.Region != "" {
		region = k.Region
	}

	out := make([]endpointTarget, len(list))
	for i, ep := range list {
		base := ep.BaseURL
		if region != "" && strings.Contains(base, "%s") {
			base = fmt.Sprintf(base, region)
		}
		target := endpointTarget{baseURL: base}
		if req.Provider == auth.ProviderKiro {
			// Kiro's BuildRequest POSTs straight to the given URL, so the
			// generateAssistantResponse path is resolved here; Antigravity's
			// BuildRequest appends its own generateContent/streamGenerateContent
			// suffix based on the stream flag, so its base stays bare.
			target.mcpBaseURL = base
			target.baseURL = base + ep.GenerateContentPath
		}
		out[i] = target
	}
	return out
}

func (e *Engine) maxSwaps() int {
	if e.MaxQuotaSwaps <= 0 {
		return 5
	}
	return e.MaxQuotaSwaps
}

// Dispatch runs the full selection/retry/record loop for req, delivering
// events to sink in arrival order and returning nil on any outcome that was
// fully surfaced to the caller as an event (including terminal errors) —
// the returned error is reserved for conditions the caller callback never
// saw, i.e. dispatch could not even begin (no accounts) or the network
// itself failed outright.
func (e *Engine) Dispatch(ctx context.Context, req Request, sink Sink) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	state := newDispatchState()
	requestedAt := time.Now()

	for {
		acc, err := e.pickAccount(ctx, req, state)
		if err != nil {
			return err
		}
		if acc == nil {
			sink(codec.ErrorEvent{Class: classOutOfCapacity, Message: "resource-exhausted: no account available for this model", FinalStatusCode: http.StatusServiceUnavailable})
			return nil
		}

		fresh, refreshErr := e.ensureFresh(ctx, req.Provider, acc)
		if refreshErr != nil {
			if refreshErr.Permanent() {
				_ = e.disable(ctx, req.Provider, acc)
			} else {
				_ = e.Store.MarkNeedsReauth(ctx, req.Provider, acc.AccountID())
			}
			state.exclude(acc)
			continue
		}
		e.applyFreshTokens(acc, fresh)

		if req.Provider == auth.ProviderAntigravity {
			a := acc.(*auth.AntigravityAccount)
			if a.ProjectID == "" {
				if err := e.ensureProject(ctx, a); err != nil {
					state.exclude(acc)
					continue
				}
			}
		}

		state.endpointIndex = 0
		state.reset403Latch()
		if before, _, _, err := e.Quota.Get(ctx, acc.AccountID(), req.Model); err == nil {
			state.quotaBefore = before
		}

		outcome, done, loopErr := e.attemptAccount(ctx, req, acc, state, sink, requestedAt)
		if loopErr != nil {
			return loopErr
		}
		if done {
			return nil
		}
		_ = outcome // consumed entirely inside attemptAccount; kept for readability at call site
	}
}

// attemptAccount drives the endpoint loop for one selected account. done is
// true once the request has been fully resolved (success or a terminal
// error surfaced to sink); when done is false the caller should reselect an
// account and call attemptAccount again.
func (e *Engine) attemptAccount(ctx context.Context, req Request, acc auth.Account, state *dispatchState, sink Sink, requestedAt time.Time) (httpOutcome, bool, error) {
	endpoints := e.endpointsFor(req, acc)

	for state.endpointIndex < len(endpoints) {
		ep := endpoints[state.endpointIndex]

		httpReq, feeder, err := e.buildRequest(ctx, req, acc, ep)
		if err != nil {
			return httpOutcome{}, false, fmt.Errorf("dispatch: build request: %w", err)
		}

		resp, err := e.HTTPClient.Do(httpReq)
		if err != nil {
			sink(codec.ErrorEvent{Class: classNetwork, Message: "network: " + err.Error()})
			return httpOutcome{class: classNetwork}, true, nil
		}

		body, sawFinish, readErr := streamResponse(resp, feeder, sink)
		if readErr != nil {
			sink(codec.ErrorEvent{Class: classNetwork, Message: "network: " + readErr.Error()})
			return httpOutcome{class: classNetwork}, true, nil
		}

		outcome := classifyHTTP(resp.StatusCode, body, req.Provider == auth.ProviderKiro)

		switch outcome.class {
		case classSuccess:
			e.recordCompletion(ctx, req, acc, requestedAt, state.quotaBefore, false)
			if !sawFinish {
				reason := "stop"
				if fr, ok := feeder.(finishReasoner); ok && fr.FinishReason() != "" {
					reason = fr.FinishReason()
				}
				sink(codec.FinishEvent{Reason: reason})
			}
			return outcome, true, nil

		case classQuotaExhausted:
			// A 400 quota body is account-specific, not endpoint-specific: swap
			// accounts immediately rather than trying the next endpoint first,
			// unlike classRateLimited below, and without counting against the
			// 429-swap bound.
			state.exclude(acc)
			return outcome, false, nil

		case classRateLimited:
			state.endpointIndex++
			if state.endpointIndex < len(endpoints) {
				continue
			}
			if state.quotaSwapCount >= e.maxSwaps() {
				e.recordCompletion(ctx, req, acc, requestedAt, state.quotaBefore, true)
				sink(codec.ErrorEvent{Class: classOutOfCapacity, Message: "resource-exhausted: quota swap limit reached", FinalStatusCode: http.StatusTooManyRequests})
				return outcome, true, nil
			}
			state.quotaSwapCount++
			state.exclude(acc)
			return outcome, false, nil

		case classProjectInvalid:
			if req.Provider != auth.ProviderAntigravity || state.projectRetryCount >= 1 {
				_ = e.disable(ctx, req.Provider, acc)
				state.exclude(acc)
				return outcome, false, nil
			}
			state.projectRetryCount++
			a := acc.(*auth.AntigravityAccount)
			if err := e.ensureProject(ctx, a); err != nil {
				_ = e.disable(ctx, req.Provider, acc)
				state.exclude(acc)
				return outcome, false, nil
			}
			continue // retry the same endpoint with the new project id

		case classImageTooLarge:
			sink(codec.ErrorEvent{Class: classImageTooLarge, Message: "image-too-large: " + string(body), FinalStatusCode: resp.StatusCode})
			return outcome, true, nil

		case classInvalidArgument:
			sink(codec.ErrorEvent{Class: classInvalidArgument, Message: string(body), FinalStatusCode: resp.StatusCode})
			return outcome, true, nil

		case classIllegalPrompt:
			sink(codec.ErrorEvent{Class: classIllegalPrompt, Message: "illegal-prompt: " + string(body), FinalStatusCode: resp.StatusCode})
			return outcome, true, nil

		case classOtherBadRequest:
			_ = e.disable(ctx, req.Provider, acc)
			sink(codec.ErrorEvent{Class: classOtherBadRequest, Message: string(body), FinalStatusCode: resp.StatusCode})
			return outcome, true, nil

		case classPermissionDenied403, classOther403:
			state.latch403(outcome.permissionDenied)
			state.endpointIndex++
			if state.endpointIndex < len(endpoints) {
				continue
			}
			if !state.firstError403IsPermissionDenied {
				_ = e.disable(ctx, req.Provider, acc)
			}
			sink(codec.ErrorEvent{Class: classOther403, Message: "all-endpoints-403", FinalStatusCode: http.StatusForbidden})
			return outcome, true, nil

		case classKiroBillingFatal:
			_ = e.disable(ctx, req.Provider, acc)
			sink(codec.ErrorEvent{Message: string(body), FinalStatusCode: resp.StatusCode})
			return outcome, true, nil

		case classRetryableServer:
			state.endpointIndex++
			continue

		default:
			_ = e.disable(ctx, req.Provider, acc)
			sink(codec.ErrorEvent{Message: string(body), FinalStatusCode: resp.StatusCode})
			return outcome, true, nil
		}
	}

	// Endpoints exhausted without a terminal classification (classRetryableServer
	// fell through the loop condition) — treat as out-of-capacity for this account.
	state.exclude(acc)
	return httpOutcome{}, false, nil
}

func errUnknownProvider(p auth.Provider) error {
	return fmt.Errorf("dispatch: unknown provider %q", p)
}
