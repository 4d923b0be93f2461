package quota

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

// AntigravityFetcher retrieves quota by calling the same
// fetchAvailableModels endpoint the codec's streamGenerateContent call uses,
// whose response carries a quotaInfo object per model alongside the model
// catalog entry.
type AntigravityFetcher struct {
	HTTPClient *http.Client
	BaseURL    string // e.g. "https://daily-cloudcode-pa.googleapis.com"
	Path       string // e.g. "/v1internal:fetchAvailableModels"
}

func (f *AntigravityFetcher) Provider() auth.Provider { return auth.ProviderAntigravity }

func (f *AntigravityFetcher) FetchQuota(ctx context.Context, acc auth.Account) ([]ModelQuota, error) {
	a, ok := acc.(*auth.AntigravityAccount)
	if !ok {
		return nil, fmt.Errorf("antigravity fetcher: unexpected account type")
	}

	body := []byte(`{}`)
	if a.ProjectID != "" {
		body = []byte(fmt.Sprintf(`{"project":%q}`, a.ProjectID))
	}

	url := strings.TrimSuffix(f.BaseURL, "/") + f.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("antigravity fetcher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.AccessToken)

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("antigravity fetcher: do request: %w", err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("antigravity fetcher: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("antigravity fetcher: upstream status %d: %s", resp.StatusCode, buf.String())
	}

	models := gjson.GetBytes(buf.Bytes(), "models")
	if !models.Exists() {
		return nil, nil
	}

	var out []ModelQuota
	models.ForEach(func(name, data gjson.Result) bool {
		q := data.Get("quotaInfo")
		mq := ModelQuota{ModelName: name.String(), Remaining: 1, Available: true}
		if q.Exists() {
			mq.Remaining = q.Get("remainingFraction").Float()
			mq.Available = mq.Remaining > 0
			if reset := q.Get("resetTime").String(); reset != "" {
				if t, err := time.Parse(time.RFC3339, reset); err == nil {
					mq.ResetTime = t
				}
			}
		}
		out = append(out, mq)
		return true
	})
	return out, nil
}
