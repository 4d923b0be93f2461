package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Antigravity's Cloud Code Companion API, used only to mint a GCP project
// id when an account has none or the upstream rejects the one on file
// (§4.5 Project-ID precondition). Grounded on the pack's own
// internal/auth/antigravity FetchProjectID/OnboardUser flow.
const (
	codeAssistEndpoint  = "https://cloudcode-pa.googleapis.com"
	codeAssistVersion   = "v1internal"
	codeAssistUserAgent = "google-api-nodejs-client/9.15.1"
	codeAssistAPIClient = "google-cloud-sdk vscode_cloudshelleditor/0.1"
	codeAssistMetadata  = `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`

	onboardMaxAttempts = 5
	onboardPollDelay   = 2 * time.Second
)

// mintProjectID resolves a usable GCP project id for accessToken: it first
// asks loadCodeAssist for an existing one, and if none is assigned, drives
// onboardUser's polling flow (done=true, up to 5 attempts, 2s apart) to
// provision one.
func mintProjectID(ctx context.Context, client *http.Client, accessToken string) (string, error) {
	loadBody, _ := json.Marshal(map[string]any{"metadata": rawMetadata()})
	resp, err := codeAssistPost(ctx, client, accessToken, "loadCodeAssist", loadBody)
	if err != nil {
		return "", err
	}

	if id := extractProjectID(resp); id != "" {
		return id, nil
	}

	tierID := defaultTier(resp)
	return onboardUser(ctx, client, accessToken, tierID)
}

func defaultTier(loadResp map[string]any) string {
	tierID := "legacy-tier"
	tiers, ok := loadResp["allowedTiers"].([]any)
	if !ok {
		return tierID
	}
	for _, raw := range tiers {
		tier, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if isDefault, _ := tier["isDefault"].(bool); isDefault {
			if id, ok := tier["id"].(string); ok && strings.TrimSpace(id) != "" {
				return strings.TrimSpace(id)
			}
		}
	}
	return tierID
}

func onboardUser(ctx context.Context, client *http.Client, accessToken, tierID string) (string, error) {
	body, _ := json.Marshal(map[string]any{"tierId": tierID, "metadata": rawMetadata()})

	for attempt := 1; attempt <= onboardMaxAttempts; attempt++ {
		resp, err := codeAssistPost(ctx, client, accessToken, "onboardUser", body)
		if err != nil {
			return "", err
		}
		done, _ := resp["done"].(bool)
		if !done {
			log.Debugf("dispatch: onboardUser attempt %d/%d not done yet", attempt, onboardMaxAttempts)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(onboardPollDelay):
			}
			continue
		}
		if id := extractOnboardProjectID(resp); id != "" {
			return id, nil
		}
		return "", fmt.Errorf("dispatch: onboardUser completed without a project id")
	}
	return "", fmt.Errorf("dispatch: onboardUser did not complete after %d attempts", onboardMaxAttempts)
}

func rawMetadata() map[string]string {
	var m map[string]string
	_ = json.Unmarshal([]byte(codeAssistMetadata), &m)
	return m
}

func codeAssistPost(ctx context.Context, client *http.Client, accessToken, method string, body []byte) (map[string]any, error) {
	url := fmt.Sprintf("%s/%s:%s", codeAssistEndpoint, codeAssistVersion, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("dispatch: build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", codeAssistUserAgent)
	req.Header.Set("X-Goog-Api-Client", codeAssistAPIClient)
	req.Header.Set("Client-Metadata", codeAssistMetadata)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: read %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dispatch: %s failed with status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("dispatch: decode %s response: %w", method, err)
	}
	return parsed, nil
}

func extractProjectID(loadResp map[string]any) string {
	if id, ok := loadResp["cloudaicompanionProject"].(string); ok {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	if m, ok := loadResp["cloudaicompanionProject"].(map[string]any); ok {
		if id, ok := m["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

func extractOnboardProjectID(onboardResp map[string]any) string {
	response, ok := onboardResp["response"].(map[string]any)
	if !ok {
		return ""
	}
	switch v := response["cloudaicompanionProject"].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
