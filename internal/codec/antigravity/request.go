package antigravity

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

const (
	generateContentPath = ":generateContent"
	streamGeneratePath  = ":streamGenerateContent"
)

// ForceStream reports whether modelName must always be dispatched over SSE
// regardless of the caller's stream flag, matching upstream behavior for the
// gemini-3-pro and claude model families (§4.4).
func ForceStream(modelName string) bool {
	return strings.HasPrefix(modelName, "gemini-3-pro") || strings.HasPrefix(modelName, "claude")
}

// BuildRequest assembles the upstream HTTP request for one dispatch attempt.
// payload is the caller's request body translated into Antigravity's wire
// shape by the caller; BuildRequest injects project/session/request
// identifiers and the bearer token.
func BuildRequest(ctx context.Context, baseURL, accessToken, modelName, projectID string, payload []byte, stream bool) (*http.Request, error) {
	body := string(payload)
	body, _ = sjson.Set(body, "model", modelName)
	body, _ = sjson.Set(body, "userAgent", "antigravity")
	body, _ = sjson.Set(body, "requestType", "agent")
	if projectID != "" {
		body, _ = sjson.Set(body, "project", projectID)
	}
	body, _ = sjson.Set(body, "requestId", "agent-"+uuid.NewString())

	path := generateContentPath
	query := ""
	if stream {
		path = streamGeneratePath
		query = "?alt=sse"
	}
	url := strings.TrimSuffix(baseURL, "/") + path + query

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("antigravity: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

// BuildRequestForAccount is a convenience wrapper reading the access token
// and project id off an AntigravityAccount.
func BuildRequestForAccount(ctx context.Context, baseURL string, acc *auth.AntigravityAccount, modelName string, payload []byte, stream bool) (*http.Request, error) {
	return BuildRequest(ctx, baseURL, acc.AccessToken, modelName, acc.ProjectID, payload, stream)
}
