package dispatch

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vantagehub/dispatchcore/internal/auth"
	"github.com/vantagehub/dispatchcore/internal/token"
	"github.com/vantagehub/dispatchcore/internal/usage"
)

func newBodyReader(body string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(body))
}

// buildKiroFrame assembles one raw AWS Event Stream message with a single
// ":event-type" string header and the given JSON payload, the same shape
// codec/kiro.FrameParser decodes — duplicated here rather than imported
// since the real builder lives in that package's own _test.go file.
func buildKiroFrame(eventType string, payload []byte) []byte {
	header := []byte{byte(len(":event-type"))}
	header = append(header, []byte(":event-type")...)
	header = append(header, 7) // value type 7: UTF-8 string
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(eventType)))
	header = append(header, lenBuf...)
	header = append(header, []byte(eventType)...)

	headersLength := uint32(len(header))
	totalLength := 12 + headersLength + uint32(len(payload)) + 4

	msg := make([]byte, 0, totalLength)
	buf4 := make([]byte, 4)
	binary.BigEndian.PutUint32(buf4, totalLength)
	msg = append(msg, buf4...)
	binary.BigEndian.PutUint32(buf4, headersLength)
	msg = append(msg, buf4...)
	msg = append(msg, 0, 0, 0, 0) // prelude CRC, unchecked by the parser
	msg = append(msg, header...)
	msg = append(msg, payload...)
	msg = append(msg, 0, 0, 0, 0) // message CRC, unchecked by the parser
	return msg
}

// fakeStore is an in-memory AccountStore backing the end-to-end scenario
// tests: each test seeds the pools it needs directly rather than going
// through a constructor, mirroring how small the real Store's surface
// looks once narrowed to collaborators.go.
type fakeStore struct {
	mu sync.Mutex

	antigravity []*auth.AntigravityAccount
	kiro        []*auth.KiroAccount
	qwen        []*auth.QwenAccount

	disabled    map[string]bool
	needsReauth map[string]bool
	projectSet  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		disabled:    make(map[string]bool),
		needsReauth: make(map[string]bool),
		projectSet:  make(map[string]string),
	}
}

func (s *fakeStore) GetAvailableAntigravity(ctx context.Context, userID string, sharedOnly *bool) ([]*auth.AntigravityAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.AntigravityAccount
	for _, a := range s.antigravity {
		if a.UserID == userID && a.Shared == *sharedOnly && a.Status == auth.StatusEnabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) GetAvailableKiro(ctx context.Context, userID string, sharedOnly *bool) ([]*auth.KiroAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.KiroAccount
	for _, a := range s.kiro {
		if a.UserID == userID && a.Shared == *sharedOnly && a.Status == auth.StatusEnabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) GetAvailableQwen(ctx context.Context, userID string, sharedOnly *bool) ([]*auth.QwenAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*auth.QwenAccount
	for _, a := range s.qwen {
		if a.UserID == userID && a.Shared == *sharedOnly && a.Status == auth.StatusEnabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateAntigravityToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.antigravity {
		if a.ID == id {
			a.AccessToken, a.RefreshToken, a.ExpiresAt = accessToken, refreshToken, expiresAt
		}
	}
	return nil
}

func (s *fakeStore) UpdateKiroToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, profileARN string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.kiro {
		if a.ID == id {
			a.AccessToken, a.RefreshToken, a.ExpiresAt, a.ProfileARN = accessToken, refreshToken, expiresAt, profileARN
		}
	}
	return nil
}

func (s *fakeStore) UpdateQwenToken(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, resourceURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.qwen {
		if a.ID == id {
			a.AccessToken, a.RefreshToken, a.ExpiresAt, a.ResourceURL = accessToken, refreshToken, expiresAt, resourceURL
		}
	}
	return nil
}

func (s *fakeStore) UpdateAccountStatus(ctx context.Context, provider auth.Provider, id string, status auth.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == auth.StatusDisabled {
		s.disabled[id] = true
	}
	switch provider {
	case auth.ProviderAntigravity:
		for _, a := range s.antigravity {
			if a.ID == id {
				a.Status = status
			}
		}
	case auth.ProviderKiro:
		for _, a := range s.kiro {
			if a.ID == id {
				a.Status = status
			}
		}
	case auth.ProviderQwen:
		for _, a := range s.qwen {
			if a.ID == id {
				a.Status = status
			}
		}
	}
	return nil
}

func (s *fakeStore) MarkNeedsReauth(ctx context.Context, provider auth.Provider, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsReauth[id] = true
	return nil
}

func (s *fakeStore) UpdateProjectIDs(ctx context.Context, cookieID, projectID string, isRestricted, ineligible, paidTier bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectSet[cookieID] = projectID
	for _, a := range s.antigravity {
		if a.ID == cookieID {
			a.ProjectID = projectID
			a.IsRestricted, a.Ineligible, a.PaidTier = isRestricted, ineligible, paidTier
		}
	}
	return nil
}

func (s *fakeStore) GetSharedPool(ctx context.Context, userID, modelGroup string) (float64, float64, error) {
	return 1, 1, nil
}

// fakeQuota always reports quota available unless an account id is listed
// in exhausted, letting a test push one account out of the selection pool
// without touching the store. Accounts listed in stale are reported with
// the stale flag set, so a test can assert the selection-time background
// refresh actually fires for them. refreshedCh receives an account id every
// time RefreshOne runs, letting a test synchronize on the background
// goroutine pickAccount spawns instead of sleeping and hoping.
type fakeQuota struct {
	mu          sync.Mutex
	exhausted   map[string]bool
	stale       map[string]bool
	refreshed   []string
	refreshedCh chan string
}

func newFakeQuota() *fakeQuota {
	return &fakeQuota{
		exhausted:   make(map[string]bool),
		stale:       make(map[string]bool),
		refreshedCh: make(chan string, 16),
	}
}

func (q *fakeQuota) Get(ctx context.Context, accountID, modelName string) (float64, bool, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stale := q.stale[accountID]
	if q.exhausted[accountID] {
		return 0, false, stale, nil
	}
	return 1, true, stale, nil
}

func (q *fakeQuota) RefreshOne(ctx context.Context, provider auth.Provider, acc auth.Account) error {
	q.mu.Lock()
	q.refreshed = append(q.refreshed, acc.AccountID())
	q.mu.Unlock()
	q.refreshedCh <- acc.AccountID()
	return nil
}

func (q *fakeQuota) RefreshStale(ctx context.Context, provider auth.Provider, modelName string, accounts []auth.Account) {
	for _, acc := range accounts {
		_ = q.RefreshOne(ctx, provider, acc)
	}
}

// fakeTokens never refreshes unless forced or the account's ExpiresAt is
// already in the past; refreshErr, when set, is returned for every account
// whose AccountID matches refreshErrFor.
type fakeTokens struct {
	mu            sync.Mutex
	refreshErr    *auth.RefreshError
	refreshErrFor string
	calls         int
}

func (t *fakeTokens) EnsureFresh(ctx context.Context, now time.Time, provider auth.Provider, acc auth.Account, force bool) (*token.RefreshResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()

	if t.refreshErr != nil && acc.AccountID() == t.refreshErrFor {
		return nil, t.refreshErr
	}
	access, refresh, expiresAt := acc.Tokens()
	return &token.RefreshResult{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}

// fakeUsage records every published record for assertion without running
// the real background dispatcher goroutine.
type fakeUsage struct {
	mu      sync.Mutex
	records []usage.Record
}

func (u *fakeUsage) Publish(ctx context.Context, record usage.Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, record)
}

// scriptedResponse is one canned upstream answer.
type scriptedResponse struct {
	status int
	body   string
	err    error
}

// routingTransport answers each RoundTrip call from the queue belonging to
// whichever host the request targets, draining each queue in order and
// holding on its last entry once exhausted. Routing by host (rather than
// pure call order) lets a scenario script the generateContent endpoint and
// the Cloud Code Companion project-mint endpoint independently, since
// ensureProject's loadCodeAssist/onboardUser calls interleave with the main
// request on the same *http.Client.
type routingTransport struct {
	mu       sync.Mutex
	byHost   map[string][]scriptedResponse
	cursor   map[string]int
	requests []*http.Request
}

func newRoutingTransport() *routingTransport {
	return &routingTransport{byHost: make(map[string][]scriptedResponse), cursor: make(map[string]int)}
}

func (r *routingTransport) on(host string, responses ...scriptedResponse) *routingTransport {
	r.byHost[host] = responses
	return r
}

func (r *routingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)

	host := req.URL.Host
	queue := r.byHost[host]
	if len(queue) == 0 {
		return &http.Response{StatusCode: 200, Body: newBodyReader(""), Header: make(http.Header)}, nil
	}
	idx := r.cursor[host]
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	r.cursor[host] = idx + 1

	resp := queue[idx]
	if resp.err != nil {
		return nil, resp.err
	}
	return &http.Response{
		StatusCode: resp.status,
		Body:       newBodyReader(resp.body),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// callCount returns how many requests this transport has seen for host.
func (r *routingTransport) callCount(host string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.requests {
		if req.URL.Host == host {
			n++
		}
	}
	return n
}

func newHTTPClient(rt http.RoundTripper) *http.Client {
	return &http.Client{Transport: rt}
}
