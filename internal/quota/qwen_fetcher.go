package quota

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

const qwenModelsPath = "/models"

// QwenFetcher calls DashScope's OpenAI-compatible /models listing to
// confirm the account's token is still live. DashScope exposes no
// quota/remaining-fraction field on this or any other documented endpoint,
// so every model the account can see is reported fully available; a 401/403
// here is the only quota-adjacent signal this provider gives us, and it
// surfaces as an error the caller treats as unavailable.
type QwenFetcher struct {
	HTTPClient *http.Client
}

func (f *QwenFetcher) Provider() auth.Provider { return auth.ProviderQwen }

func (f *QwenFetcher) FetchQuota(ctx context.Context, acc auth.Account) ([]ModelQuota, error) {
	q, ok := acc.(*auth.QwenAccount)
	if !ok {
		return nil, fmt.Errorf("qwen fetcher: unexpected account type")
	}

	base := strings.TrimSuffix(q.ResourceURL, "/")
	if base == "" {
		base = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+qwenModelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("qwen fetcher: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+q.AccessToken)

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qwen fetcher: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("qwen fetcher: upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("qwen fetcher: read body: %w", err)
	}

	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return nil, nil
	}

	var out []ModelQuota
	data.ForEach(func(_, model gjson.Result) bool {
		id := model.Get("id").String()
		if id == "" {
			return true
		}
		out = append(out, ModelQuota{ModelName: id, Remaining: 1, Available: true})
		return true
	})
	return out, nil
}
