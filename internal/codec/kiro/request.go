package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/vantagehub/dispatchcore/internal/auth"
)

// Payload is the top-level Kiro API request body. Field order matches the
// upstream's expectation (chatTriggerType first within conversationState).
type Payload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn         string           `json:"profileArn,omitempty"`
}

type ConversationState struct {
	ChatTriggerType string           `json:"chatTriggerType"`
	ConversationID  string           `json:"conversationId"`
	CurrentMessage  CurrentMessage   `json:"currentMessage"`
	History         []HistoryMessage `json:"history,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type UserInputMessageContext struct {
	ToolResults []ToolResult  `json:"toolResults,omitempty"`
	Tools       []ToolWrapper `json:"tools,omitempty"`
}

type ToolResult struct {
	Content   []TextContent `json:"content"`
	Status    string        `json:"status"`
	ToolUseID string        `json:"toolUseId"`
}

type TextContent struct {
	Text string `json:"text"`
}

type ToolWrapper struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON any `json:"json"`
}

type AssistantResponseMessage struct {
	Content  string     `json:"content"`
	ToolUses []ToolUse  `json:"toolUses,omitempty"`
}

type ToolUse struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// Tool is the caller-supplied tool declaration before it is wrapped for the
// wire. AWS's schema rejects an empty description, so BuildPayload fills in
// a one-space placeholder rather than rejecting the call.
type Tool struct {
	Name        string
	Description string
	InputSchema any
}

// BuildPayload assembles one Kiro conversationState request. origin is
// "AI_EDITOR" for the CodeWhisperer endpoint or "CLI" for the Amazon Q
// endpoint, selected by which endpoint this dispatch attempt targets.
func BuildPayload(conversationID, content, modelID, origin, profileARN string, tools []Tool, toolResults []ToolResult) ([]byte, error) {
	var wrapped []ToolWrapper
	for _, t := range tools {
		desc := t.Description
		if desc == "" {
			desc = " "
		}
		wrapped = append(wrapped, ToolWrapper{ToolSpecification: ToolSpecification{
			Name:        t.Name,
			Description: desc,
			InputSchema: InputSchema{JSON: t.InputSchema},
		}})
	}

	var msgCtx *UserInputMessageContext
	if len(wrapped) > 0 || len(toolResults) > 0 {
		msgCtx = &UserInputMessageContext{Tools: wrapped, ToolResults: toolResults}
	}

	payload := Payload{
		ConversationState: ConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  conversationID,
			CurrentMessage: CurrentMessage{
				UserInputMessage: UserInputMessage{
					Content:                 content,
					ModelID:                 modelID,
					Origin:                  origin,
					UserInputMessageContext: msgCtx,
				},
			},
		},
		ProfileArn: profileARN,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("kiro: marshal payload: %w", err)
	}
	return body, nil
}

// NewConversationID mints a fresh conversation id for a dispatch attempt
// that is not continuing a prior turn.
func NewConversationID() string { return uuid.NewString() }

// BuildRequest constructs the streaming HTTP request for one Kiro dispatch
// attempt. endpoint is the already-selected base URL (CodeWhisperer or
// Amazon Q, picked by the caller based on auth method and region).
func BuildRequest(ctx context.Context, endpoint, accessToken string, payload []byte, machineID string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("kiro: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("x-amz-target", "AmazonCodeWhispererStreamingService.GenerateAssistantResponse")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if machineID != "" {
		req.Header.Set("x-amzn-codewhisperer-machine-id", machineID)
	}
	return req, nil
}

// BuildRequestForAccount is a convenience wrapper reading credentials off a
// KiroAccount.
func BuildRequestForAccount(ctx context.Context, endpoint string, acc *auth.KiroAccount, payload []byte) (*http.Request, error) {
	return BuildRequest(ctx, endpoint, acc.AccessToken, payload, acc.MachineID)
}
