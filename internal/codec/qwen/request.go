// Package qwen implements the Upstream Codec for the Alibaba Qwen provider,
// whose wire format is OpenAI-compatible chat/completions — the gateway
// passes the caller's JSON body through largely unmodified, only injecting
// the model name and resolving the endpoint from the account's resource_url.
package qwen

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

const defaultBaseURL = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"

// chatCompletionsPath is appended to the account's resource_url (or the
// default base URL, for accounts that have not yet had one assigned).
const chatCompletionsPath = "/chat/completions"

// BuildRequest assembles the upstream HTTP request. payload is the caller's
// OpenAI-shaped chat/completions body; BuildRequest only overwrites "model"
// and "stream" so the call matches what Dispatch decided for this attempt.
func BuildRequest(ctx context.Context, acc *auth.QwenAccount, modelName string, payload []byte, stream bool) (*http.Request, error) {
	body := string(payload)
	body, _ = sjson.Set(body, "model", modelName)
	body, _ = sjson.Set(body, "stream", stream)

	base := strings.TrimSuffix(acc.ResourceURL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+chatCompletionsPath, bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, fmt.Errorf("qwen: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}
