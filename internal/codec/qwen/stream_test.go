package qwen

import (
	"testing"

	"github.com/vantagehub/dispatchcore/internal/codec"
)

func TestStreamParser_TextDelta(t *testing.T) {
	p := NewStreamParser()
	events := p.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n"))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	text, ok := events[0].(codec.TextEvent)
	if !ok || text.Text != "hi" {
		t.Fatalf("events[0] = %#v, want TextEvent{Text: \"hi\"}", events[0])
	}
}

func TestStreamParser_ToolCall(t *testing.T) {
	p := NewStreamParser()
	line := `data: {"choices":[{"delta":{"tool_calls":[{"id":"call-1","function":{"name":"lookup","arguments":"{\"q\":\"weather\"}"}}]}}]}` + "\n"
	events := p.Feed([]byte(line))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	call, ok := events[0].(codec.FunctionCallEvent)
	if !ok {
		t.Fatalf("events[0] = %#v, want FunctionCallEvent", events[0])
	}
	if call.ID != "call-1" || call.Name != "lookup" {
		t.Fatalf("call = %#v, want id=call-1 name=lookup", call)
	}
}

func TestStreamParser_FinishReasonAndUsage(t *testing.T) {
	p := NewStreamParser()
	line := `data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"prompt_tokens_details":{"cached_tokens":2}}}` + "\n"
	events := p.Feed([]byte(line))

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (finish + usage)", len(events))
	}
	finish, ok := events[0].(codec.FinishEvent)
	if !ok || finish.Reason != "stop" {
		t.Fatalf("events[0] = %#v, want FinishEvent{Reason: \"stop\"}", events[0])
	}
	usage, ok := events[1].(codec.UsageEvent)
	if !ok {
		t.Fatalf("events[1] = %#v, want UsageEvent", events[1])
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 5 || usage.CachedTokens != 2 {
		t.Fatalf("usage = %#v, want in=10 out=5 cached=2", usage)
	}
}

func TestStreamParser_DoneSentinelEmitsNothing(t *testing.T) {
	p := NewStreamParser()
	events := p.Feed([]byte("data: [DONE]\n"))
	if len(events) != 0 {
		t.Fatalf("got %d events for [DONE], want 0", len(events))
	}
}

func TestStreamParser_NonDataLinesAreIgnored(t *testing.T) {
	p := NewStreamParser()
	events := p.Feed([]byte(": keep-alive comment\n\n"))
	if len(events) != 0 {
		t.Fatalf("got %d events for a non-data line, want 0", len(events))
	}
}

// TestStreamParser_SplitAcrossChunks confirms a single SSE line split across
// two network reads still parses once the newline arrives, mirroring how a
// real net/http body delivers bytes in arbitrary increments.
func TestStreamParser_SplitAcrossChunks(t *testing.T) {
	p := NewStreamParser()
	full := []byte("data: {\"choices\":[{\"delta\":{\"content\":\"split\"}}]}\n")

	var events []codec.Event
	events = append(events, p.Feed(full[:20])...)
	events = append(events, p.Feed(full[20:])...)

	if len(events) != 1 {
		t.Fatalf("got %d events across split feed, want 1", len(events))
	}
	text, ok := events[0].(codec.TextEvent)
	if !ok || text.Text != "split" {
		t.Fatalf("events[0] = %#v, want TextEvent{Text: \"split\"}", events[0])
	}
}

func TestStreamParser_EmptyContentDeltaEmitsNothing(t *testing.T) {
	p := NewStreamParser()
	events := p.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"\"}}]}\n"))
	if len(events) != 0 {
		t.Fatalf("got %d events for an empty content delta, want 0", len(events))
	}
}
