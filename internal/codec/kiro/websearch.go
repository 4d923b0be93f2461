package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// IsWebSearchTool reports whether name/toolType identify Kiro's built-in
// web_search tool, which the gateway executes itself via MCP rather than
// passing through as a model-declared function tool (§4.4 supplement).
func IsWebSearchTool(name, toolType string) bool {
	name = strings.ToLower(name)
	toolType = strings.ToLower(toolType)
	return name == "web_search" || strings.HasPrefix(toolType, "web_search")
}

// McpRequest is a JSON-RPC 2.0 call into Kiro's MCP web-search tool.
type McpRequest struct {
	ID      string    `json:"id"`
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  McpParams `json:"params"`
}

type McpParams struct {
	Name      string       `json:"name"`
	Arguments McpArguments `json:"arguments"`
}

type McpArguments struct {
	Query string `json:"query"`
}

// McpResponse is the JSON-RPC 2.0 response carrying search results as free
// text content, Kiro's MCP convention rather than structured JSON.
type McpResponse struct {
	ID      string     `json:"id"`
	JSONRPC string     `json:"jsonrpc"`
	Result  *McpResult `json:"result,omitempty"`
	Error   *McpError  `json:"error,omitempty"`
}

type McpResult struct {
	Content []McpContent `json:"content"`
	IsError bool         `json:"isError"`
}

type McpContent struct {
	ContentType string `json:"type"`
	Text        string `json:"text"`
}

type McpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CallWebSearch invokes Kiro's MCP web_search tool and returns the result
// text Dispatch hands back as the tool call's output.
func CallWebSearch(ctx context.Context, mcpEndpoint, accessToken, query string, client *http.Client) (string, error) {
	request := McpRequest{
		ID:      uuid.NewString(),
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  McpParams{Name: "web_search", Arguments: McpArguments{Query: query}},
	}
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("kiro: marshal mcp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mcpEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("kiro: build mcp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kiro: mcp request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("kiro: read mcp response: %w", err)
	}

	var parsed McpResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("kiro: parse mcp response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("kiro: mcp error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Result == nil || len(parsed.Result.Content) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, c := range parsed.Result.Content {
		sb.WriteString(c.Text)
	}
	return sb.String(), nil
}
