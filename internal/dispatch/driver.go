package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/vantagehub/dispatchcore/internal/auth"
	"github.com/vantagehub/dispatchcore/internal/codec"
	"github.com/vantagehub/dispatchcore/internal/codec/antigravity"
	"github.com/vantagehub/dispatchcore/internal/codec/httpdecode"
	"github.com/vantagehub/dispatchcore/internal/codec/kiro"
	"github.com/vantagehub/dispatchcore/internal/codec/qwen"
)

// eventFeeder turns successive raw reads of an upstream response body into
// codec.Events, hiding the three providers' very different wire shapes
// (SSE text, AWS binary frames, OpenAI SSE) behind one incremental
// interface the engine's streaming loop can drive uniformly. Finish flushes
// whatever the underlying parser is still holding once the body is drained
// — for Kiro and Qwen that is always empty, but Antigravity coalesces
// consecutive text/reasoning parts and must flush the run in progress when
// the stream simply ends mid-run.
type eventFeeder interface {
	Feed(chunk []byte) []codec.Event
	Finish() []codec.Event
}

// antigravityFeeder adapts antigravity.StreamParser, adding the
// Finish-on-EOF flush the engine calls once the body is drained.
type antigravityFeeder struct{ p *antigravity.StreamParser }

func (f antigravityFeeder) Feed(chunk []byte) []codec.Event { return f.p.Feed(chunk) }
func (f antigravityFeeder) Finish() []codec.Event           { return f.p.Finish() }
func (f antigravityFeeder) FinishReason() string            { return f.p.FinishReason() }

// finishReasoner is implemented only by feeders whose wire format reports a
// finish reason out of band from the event stream itself (Antigravity's
// finishReason rides on the candidate object, not a dedicated event) —
// checked by the engine so its synthetic success FinishEvent carries the
// real reason instead of a bare "stop" when one is available.
type finishReasoner interface {
	FinishReason() string
}

// kiroFeeder chains the binary frame parser into the event decoder so the
// engine sees one Feed([]byte) []codec.Event surface like the other two
// providers, even though Kiro's wire format needs two decoding stages.
type kiroFeeder struct {
	frames  *kiro.FrameParser
	decoder *kiro.StreamDecoder
}

func (f *kiroFeeder) Feed(chunk []byte) []codec.Event {
	frames, _ := f.frames.Feed(chunk) // malformed-length resync is non-fatal; see FrameParser.Feed
	var events []codec.Event
	for _, fr := range frames {
		events = append(events, f.decoder.Decode(fr)...)
	}
	return events
}

// Finish is a no-op: every Kiro event is self-contained within its frame,
// so there is never a partial run left over at EOF.
func (f *kiroFeeder) Finish() []codec.Event { return nil }

// kiroWebSearchFeeder wraps a kiroFeeder and resolves calls against Kiro's
// built-in web_search tool itself rather than surfacing them to the caller
// as a FunctionCallEvent (§4.4 supplement) — the caller never declared this
// tool, so it has nothing to execute; the gateway owns the MCP round trip
// and hands back a ToolResultEvent in its place.
type kiroWebSearchFeeder struct {
	inner       *kiroFeeder
	ctx         context.Context
	client      *http.Client
	mcpEndpoint string
	accessToken string
}

func (f *kiroWebSearchFeeder) Feed(chunk []byte) []codec.Event {
	return f.resolveWebSearch(f.inner.Feed(chunk))
}

func (f *kiroWebSearchFeeder) Finish() []codec.Event { return f.inner.Finish() }

func (f *kiroWebSearchFeeder) resolveWebSearch(events []codec.Event) []codec.Event {
	out := make([]codec.Event, 0, len(events))
	for _, ev := range events {
		call, ok := ev.(codec.FunctionCallEvent)
		if !ok || !kiro.IsWebSearchTool(call.Name, "") {
			out = append(out, ev)
			continue
		}
		query := gjson.Get(call.Arguments, "query").String()
		result, err := kiro.CallWebSearch(f.ctx, f.mcpEndpoint, f.accessToken, query, f.client)
		if err != nil {
			out = append(out, codec.ToolResultEvent{ID: call.ID, Content: "web search failed: " + err.Error()})
			continue
		}
		out = append(out, codec.ToolResultEvent{ID: call.ID, Content: result})
	}
	return out
}

type qwenFeeder struct{ p *qwen.StreamParser }

func (f qwenFeeder) Feed(chunk []byte) []codec.Event { return f.p.Feed(chunk) }

// Finish is a no-op: Qwen's parser emits one event per delta with nothing
// buffered between calls.
func (f qwenFeeder) Finish() []codec.Event { return nil }

// buildRequest constructs the HTTP request for one attempt and a fresh
// feeder to decode its response, dispatching on provider.
func (e *Engine) buildRequest(ctx context.Context, req Request, acc auth.Account, ep endpointTarget) (*http.Request, eventFeeder, error) {
	switch req.Provider {
	case auth.ProviderAntigravity:
		a := acc.(*auth.AntigravityAccount)
		stream := req.Stream || antigravity.ForceStream(req.Model)
		httpReq, err := antigravity.BuildRequest(ctx, ep.baseURL, a.AccessToken, req.Model, a.ProjectID, req.Payload, stream)
		return httpReq, antigravityFeeder{p: antigravity.NewStreamParser()}, err

	case auth.ProviderKiro:
		k := acc.(*auth.KiroAccount)
		payload, err := kiro.BuildPayload(req.Kiro.ConversationID, req.Kiro.Content, req.Model, req.Kiro.Origin, k.ProfileARN, req.Kiro.Tools, req.Kiro.ToolResults)
		if err != nil {
			return nil, nil, err
		}
		httpReq, err := kiro.BuildRequest(ctx, ep.baseURL, k.AccessToken, payload, k.MachineID)
		feeder := &kiroWebSearchFeeder{
			inner:       &kiroFeeder{frames: kiro.NewFrameParser(), decoder: kiro.NewStreamDecoder()},
			ctx:         ctx,
			client:      e.HTTPClient,
			mcpEndpoint: ep.mcpBaseURL + "/mcp",
			accessToken: k.AccessToken,
		}
		return httpReq, feeder, err

	case auth.ProviderQwen:
		q := acc.(*auth.QwenAccount)
		httpReq, err := qwen.BuildRequest(ctx, q, req.Model, req.Payload, req.Stream)
		return httpReq, qwenFeeder{p: qwen.NewStreamParser()}, err

	default:
		return nil, nil, errUnknownProvider(req.Provider)
	}
}

// streamResponse reads resp.Body incrementally, feeding every chunk to
// feeder and forwarding each produced event to sink, exactly in arrival
// order (§5 ordering guarantee). It returns the raw bytes consumed (so
// non-200 responses can still be classified from the full error body) and
// whether the codec itself already emitted a codec.FinishEvent — Kiro's
// messageStopEvent and Qwen's finish_reason delta both carry the upstream's
// real stop reason, so the engine's own synthetic FinishEvent on classSuccess
// must be skipped rather than appending a second, less-informative one.
func streamResponse(resp *http.Response, feeder eventFeeder, sink Sink) (body []byte, sawFinish bool, err error) {
	defer resp.Body.Close()
	reader := httpdecode.Body(resp)

	wrapped := sink
	if resp.StatusCode == http.StatusOK {
		wrapped = func(ev codec.Event) {
			if _, ok := ev.(codec.FinishEvent); ok {
				sawFinish = true
			}
			sink(ev)
		}
	}

	var whole bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			whole.Write(chunk)
			if resp.StatusCode == http.StatusOK {
				for _, ev := range feeder.Feed(chunk) {
					wrapped(ev)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return whole.Bytes(), sawFinish, readErr
		}
	}
	if resp.StatusCode == http.StatusOK {
		for _, ev := range feeder.Finish() {
			wrapped(ev)
		}
	}
	return whole.Bytes(), sawFinish, nil
}
