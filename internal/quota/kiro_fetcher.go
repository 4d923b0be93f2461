package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

// kiroUsageTarget is the x-amz-target CodeWhisperer expects for the usage
// management call, distinct from the streaming generateAssistantResponse
// target the codec uses.
const kiroUsageTarget = "AmazonCodeWhispererService.GetUsageLimits"

// KiroFetcher retrieves quota via CodeWhisperer's usage-limits management
// API, which reports a single AGENTIC_REQUEST usage/limit pair rather than a
// per-model breakdown; the one snapshot is reported under every model name
// the account is otherwise eligible for.
type KiroFetcher struct {
	HTTPClient *http.Client
	BaseURL    string // e.g. "https://codewhisperer.us-east-1.amazonaws.com"
	Models     []string
}

func (f *KiroFetcher) Provider() auth.Provider { return auth.ProviderKiro }

func (f *KiroFetcher) FetchQuota(ctx context.Context, acc auth.Account) ([]ModelQuota, error) {
	k, ok := acc.(*auth.KiroAccount)
	if !ok {
		return nil, fmt.Errorf("kiro fetcher: unexpected account type")
	}

	payload, err := json.Marshal(map[string]any{
		"origin":       "AI_EDITOR",
		"profileArn":   k.ProfileARN,
		"resourceType": "AGENTIC_REQUEST",
	})
	if err != nil {
		return nil, fmt.Errorf("kiro fetcher: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("kiro fetcher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("x-amz-target", kiroUsageTarget)
	req.Header.Set("Authorization", "Bearer "+k.AccessToken)

	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro fetcher: do request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		SubscriptionInfo struct {
			SubscriptionTitle string `json:"subscriptionTitle"`
		} `json:"subscriptionInfo"`
		UsageBreakdownList []struct {
			CurrentUsageWithPrecision float64 `json:"currentUsageWithPrecision"`
			UsageLimitWithPrecision   float64 `json:"usageLimitWithPrecision"`
		} `json:"usageBreakdownList"`
		NextDateReset float64 `json:"nextDateReset"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("kiro fetcher: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kiro fetcher: upstream status %d", resp.StatusCode)
	}

	remaining := 1.0
	available := true
	if len(result.UsageBreakdownList) > 0 {
		used := result.UsageBreakdownList[0].CurrentUsageWithPrecision
		limit := result.UsageBreakdownList[0].UsageLimitWithPrecision
		if limit > 0 {
			remaining = (limit - used) / limit
			if remaining < 0 {
				remaining = 0
			}
			available = remaining > 0
		}
	}

	models := f.Models
	if len(models) == 0 {
		models = []string{"claude-sonnet-4"}
	}
	out := make([]ModelQuota, len(models))
	for i, m := range models {
		out[i] = ModelQuota{ModelName: m, Remaining: remaining, Available: available}
	}
	return out, nil
}
