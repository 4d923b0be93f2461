package kiro

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/vantagehub/dispatchcore/internal/codec"
)

// StreamDecoder turns decoded Frames into codec.Events, tracking the
// toolUseEvent input-buffering state: Kiro streams a tool call's JSON
// arguments across multiple toolUseEvent frames rather than sending it whole.
type StreamDecoder struct {
	toolUseID    string
	toolName     string
	toolInputBuf []byte
	inToolUse    bool
}

// NewStreamDecoder constructs an empty decoder.
func NewStreamDecoder() *StreamDecoder { return &StreamDecoder{} }

// Decode converts one Frame into zero or more Events. Unknown or
// UI-only event types (followupPromptEvent) are dropped.
func (d *StreamDecoder) Decode(f Frame) []codec.Event {
	if len(f.Payload) == 0 || !gjson.ValidBytes(f.Payload) {
		return nil
	}
	root := gjson.ParseBytes(f.Payload)

	switch f.EventType {
	case "followupPromptEvent", "metricsEvent", "meteringEvent":
		return nil

	case "supplementaryWebLinksEvent":
		in, out := root.Get("inputTokens"), root.Get("outputTokens")
		if !in.Exists() && !out.Exists() {
			return nil
		}
		return []codec.Event{codec.UsageEvent{InputTokens: in.Int(), OutputTokens: out.Int()}}

	case "assistantResponseEvent":
		var events []codec.Event
		if text := root.Get("content").String(); text != "" {
			events = append(events, codec.TextEvent{Text: text})
		}
		root.Get("toolUses").ForEach(func(_, tu gjson.Result) bool {
			events = append(events, codec.FunctionCallEvent{
				ID:        tu.Get("toolUseId").String(),
				Name:      tu.Get("name").String(),
				Arguments: tu.Get("input").Raw,
			})
			return true
		})
		return events

	case "reasoningContentEvent":
		if text := root.Get("content").String(); text != "" {
			return []codec.Event{codec.ReasoningEvent{Text: text}}
		}
		return nil

	case "toolUseEvent":
		return d.decodeToolUse(root)

	case "messageStopEvent", "message_stop":
		reason := root.Get("stop_reason").String()
		if reason == "" {
			reason = root.Get("stopReason").String()
		}
		return []codec.Event{codec.FinishEvent{Reason: reason}}

	case "messageMetadataEvent", "metadataEvent":
		usage := root.Get("tokenUsage")
		if !usage.Exists() {
			return nil
		}
		return []codec.Event{codec.UsageEvent{
			OutputTokens: usage.Get("outputTokens").Int(),
			InputTokens:  usage.Get("uncachedInputTokens").Int(),
			CachedTokens: usage.Get("cacheReadInputTokens").Int(),
		}}

	case "error", "exception", "internalServerException", "invalidStateEvent":
		return []codec.Event{codec.ErrorEvent{Message: root.Get("message").String()}}

	default:
		return nil
	}
}

// decodeToolUse buffers a tool call's JSON input across frames, flagged by
// the upstream's "stop" boolean on the final fragment.
func (d *StreamDecoder) decodeToolUse(root gjson.Result) []codec.Event {
	if id := root.Get("toolUseId").String(); id != "" {
		d.toolUseID = id
	}
	if name := root.Get("name").String(); name != "" {
		d.toolName = name
	}
	if frag := root.Get("input").String(); frag != "" {
		d.toolInputBuf = append(d.toolInputBuf, []byte(frag)...)
	}
	d.inToolUse = true

	if !root.Get("stop").Bool() {
		return nil
	}

	args := d.toolInputBuf
	if !json.Valid(args) {
		args = []byte("{}")
	}
	event := codec.FunctionCallEvent{ID: d.toolUseID, Name: d.toolName, Arguments: string(args)}
	d.toolUseID, d.toolName, d.toolInputBuf, d.inToolUse = "", "", nil, false
	return []codec.Event{event}
}
