// Package codec defines the upstream-agnostic streaming event model Dispatch
// hands back to callers, and the per-provider translators that produce it.
package codec

// Event is a closed sum type: every streaming chunk a provider codec emits
// is exactly one of the concrete types below. The unexported marker method
// prevents any type outside this package from satisfying Event, so a
// switch over it can omit a default case and still be exhaustive.
type Event interface {
	isEvent()
}

// TextEvent carries a run of assistant-visible text output.
type TextEvent struct {
	Text string
}

// ReasoningEvent carries a run of hidden reasoning/thought output. Some
// providers (Antigravity's gemini-3 family) attach an opaque signature that
// must be echoed back verbatim on the next turn.
type ReasoningEvent struct {
	Text      string
	Signature string
}

// ImageEvent carries inline generated image data.
type ImageEvent struct {
	MimeType string
	Data     []byte
}

// FunctionCallEvent carries one upstream tool/function invocation request.
type FunctionCallEvent struct {
	ID        string
	Name      string
	Arguments string // raw JSON object
}

// ToolResultEvent carries the result of a tool call the gateway executed on
// the upstream's behalf (e.g. Kiro's MCP web-search).
type ToolResultEvent struct {
	ID      string
	Content string
}

// UsageEvent reports the token accounting for the completed turn.
type UsageEvent struct {
	InputTokens     int64
	OutputTokens    int64
	ReasoningTokens int64
	CachedTokens    int64
}

// ErrorClass enumerates the terminal outcomes the dispatch retry matrix can
// classify an upstream response into. It lives here, rather than in the
// dispatch package that actually does the classifying, so ErrorEvent can
// carry a typed Class without codec importing dispatch.
type ErrorClass string

const (
	ErrorClassNetwork            ErrorClass = "network"
	ErrorClassQuotaExhausted     ErrorClass = "quota-exhausted"
	ErrorClassProjectInvalid     ErrorClass = "project-invalid"
	ErrorClassImageTooLarge      ErrorClass = "image-too-large"
	ErrorClassInvalidArgument    ErrorClass = "invalid-argument"
	ErrorClassIllegalPrompt      ErrorClass = "illegal-prompt"
	ErrorClassOtherBadRequest    ErrorClass = "other-bad-request"
	ErrorClassPermissionDenied   ErrorClass = "permission-denied-403"
	ErrorClassOther403           ErrorClass = "other-403"
	ErrorClassRateLimited        ErrorClass = "rate-limited"
	ErrorClassKiroBillingFatal   ErrorClass = "kiro-billing-fatal"
	ErrorClassRetryableServer    ErrorClass = "retryable-server"
	ErrorClassOutOfCapacity      ErrorClass = "out-of-capacity"
)

// ErrorEvent signals that the upstream terminated the stream with an error
// after already sending partial output. FinalStatusCode is the HTTP status
// the provider framed the error as, when known; Class gives callers an
// exhaustive switch instead of string-matching Message.
type ErrorEvent struct {
	Class           ErrorClass
	Message         string
	FinalStatusCode int
}

// FinishEvent marks normal stream termination and reports why.
type FinishEvent struct {
	Reason string
}

func (TextEvent) isEvent()         {}
func (ReasoningEvent) isEvent()    {}
func (ImageEvent) isEvent()        {}
func (FunctionCallEvent) isEvent() {}
func (ToolResultEvent) isEvent()   {}
func (UsageEvent) isEvent()        {}
func (ErrorEvent) isEvent()        {}
func (FinishEvent) isEvent()       {}
