// Package antigravity implements the Upstream Codec for the Antigravity
// (Gemini-family) provider: request building and SSE response parsing.
package antigravity

import (
	"bytes"

	"github.com/tidwall/gjson"

	"github.com/vantagehub/dispatchcore/internal/codec"
)

// StreamParser turns a raw byte stream of Antigravity SSE frames into
// codec.Events. It buffers partial lines across Feed calls so callers can
// hand it arbitrarily-sized network reads, including reads that split a
// "data: {...}" line or a UTF-8 rune in half.
//
// Consecutive text parts (and consecutive reasoning parts) are coalesced
// into a single Event, matching how Antigravity streams a sentence across
// many small parts rather than one part per logical chunk.
type StreamParser struct {
	buf []byte

	pendingKind string // "", "text", or "reasoning"
	pendingText bytes.Buffer
	pendingSig  string

	finishReason string
}

// NewStreamParser constructs an empty parser.
func NewStreamParser() *StreamParser { return &StreamParser{} }

// Feed appends a raw read from the upstream connection and returns any
// events that became complete as a result.
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

// Finish flushes any coalesced text/reasoning run still buffered. Call it
// once the upstream connection closes, before the caller emits its own
// terminal FinishEvent — otherwise a run that never hit a kind boundary
// (the common case: the stream simply ends mid-sentence) is lost silently.
func (p *StreamParser) Finish() []codec.Event {
	return p.flushPending()
}

// FinishReason returns the last finishReason reported by the upstream, or
// "" if none was ever present (e.g. the stream errored before a candidate
// carried one).
func (p *StreamParser) FinishReason() string { return p.finishReason }

func (p *StreamParser) processLine(line []byte) []codec.Event {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil
	}
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		trimmed = bytes.TrimSpace(trimmed[len("data:"):])
	}
	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '{' || !gjson.ValidBytes(trimmed) {
		return nil
	}

	root := gjson.ParseBytes(trimmed)
	var events []codec.Event

	if finish := root.Get("response.candidates.0.finishReason"); finish.Exists() {
		p.finishReason = finish.String()
	}

	parts := root.Get("response.candidates.0.content.parts")
	if parts.IsArray() {
		parts.ForEach(func(_, part gjson.Result) bool {
			events = append(events, p.processPart(part)...)
			return true
		})
	}

	if usage := root.Get("response.usageMetadata"); usage.Exists() {
		events = append(events, p.flushPending()...)
		events = append(events, codec.UsageEvent{
			InputTokens:     usage.Get("promptTokenCount").Int(),
			OutputTokens:    usage.Get("candidatesTokenCount").Int(),
			ReasoningTokens: usage.Get("thoughtsTokenCount").Int(),
			CachedTokens:    usage.Get("cachedContentTokenCount").Int(),
		})
	}

	return events
}

func (p *StreamParser) processPart(part gjson.Result) []codec.Event {
	if fc := part.Get("functionCall"); fc.Exists() {
		events := p.flushPending()
		events = append(events, codec.FunctionCallEvent{
			Name:      fc.Get("name").String(),
			Arguments: fc.Get("args").Raw,
		})
		return events
	}

	if inline := part.Get("inlineData"); inline.Exists() {
		events := p.flushPending()
		events = append(events, codec.ImageEvent{
			MimeType: inline.Get("mimeType").String(),
			Data:     []byte(inline.Get("data").String()),
		})
		return events
	}

	text := part.Get("text").String()
	if text == "" {
		return nil
	}

	kind := "text"
	sig := ""
	if part.Get("thought").Bool() {
		kind = "reasoning"
		sig = part.Get("thoughtSignature").String()
	}

	var events []codec.Event
	if p.pendingKind != "" && p.pendingKind != kind {
		events = append(events, p.flushPending()...)
	}
	p.pendingKind = kind
	p.pendingText.WriteString(text)
	if sig != "" {
		p.pendingSig = sig
	}
	return events
}

func (p *StreamParser) flushPending() []codec.Event {
	if p.pendingKind == "" {
		return nil
	}
	text := p.pendingText.String()
	kind := p.pendingKind
	sig := p.pendingSig
	p.pendingKind = ""
	p.pendingText.Reset()
	p.pendingSig = ""

	if kind == "reasoning" {
		return []codec.Event{codec.ReasoningEvent{Text: text, Signature: sig}}
	}
	return []codec.Event{codec.TextEvent{Text: text}}
}
