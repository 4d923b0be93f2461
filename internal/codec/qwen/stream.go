package qwen

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/vantagehub/dispatchcore/internal/codec"
)

// StreamParser decodes OpenAI-compatible chat/completions SSE chunks
// ("data: {...}" lines, terminated by "data: [DONE]") into codec.Events.
// Unlike Antigravity, Qwen's chunk stream has no text/reasoning coalescing
// to do upstream — each delta already arrives as its own small fragment —
// so this parser emits one Event per delta.
type StreamParser struct {
	buf []byte
}

// NewStreamParser constructs an empty parser.
func NewStreamParser() *StreamParser { return &StreamParser{} }

// Feed appends a raw read and returns any events it completed.
func (p *StreamParser) Feed(chunk []byte) []codec.Event {
	p.buf = append(p.buf, chunk...)

	var events []codec.Event
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		events = append(events, p.processLine(line)...)
	}
	return events
}

func (p *StreamParser) processLine(line []byte) []codec.Event {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return nil
	}
	trimmed = bytes.TrimSpace(trimmed[len("data:"):])
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' || !gjson.ValidBytes(trimmed) {
		return nil
	}

	root := gjson.ParseBytes(trimmed)
	var events []codec.Event

	choice := root.Get("choices.0")
	if delta := choice.Get("delta.content"); delta.Exists() && delta.String() != "" {
		events = append(events, codec.TextEvent{Text: delta.String()})
	}
	if calls := choice.Get("delta.tool_calls"); calls.IsArray() {
		calls.ForEach(func(_, call gjson.Result) bool {
			events = append(events, codec.FunctionCallEvent{
				ID:        call.Get("id").String(),
				Name:      call.Get("function.name").String(),
				Arguments: call.Get("function.arguments").Raw,
			})
			return true
		})
	}
	if reason := choice.Get("finish_reason"); reason.Exists() && reason.String() != "" {
		events = append(events, codec.FinishEvent{Reason: reason.String()})
	}
	if usage := root.Get("usage"); usage.Exists() {
		events = append(events, codec.UsageEvent{
			InputTokens:  usage.Get("prompt_tokens").Int(),
			OutputTokens: usage.Get("completion_tokens").Int(),
			CachedTokens: usage.Get("prompt_tokens_details.cached_tokens").Int(),
		})
	}
	return events
}
