package dispatch

import (
	"strings"

	"github.com/vantagehub/dispatchcore/internal/codec"
)

// ErrorClass is the outcome taxonomy the retry matrix dispatches on (§7).
// It is derived from the upstream HTTP status and response body, never
// from the account or request state — classification is a pure function
// of what the upstream actually said. The canonical enum lives in codec
// (ErrorEvent carries one) so this is a type alias rather than a distinct
// type: dispatch.ErrorClass and codec.ErrorClass are the same type.
type ErrorClass = codec.ErrorClass

const (
	// classSuccess is a 200 response; the caller stream proceeds normally.
	// It has no codec.ErrorEvent equivalent since success is never surfaced
	// as an error.
	classSuccess ErrorClass = "success"

	classQuotaExhausted   = codec.ErrorClassQuotaExhausted
	classProjectInvalid   = codec.ErrorClassProjectInvalid
	classImageTooLarge    = codec.ErrorClassImageTooLarge
	classInvalidArgument  = codec.ErrorClassInvalidArgument
	classIllegalPrompt    = codec.ErrorClassIllegalPrompt
	classOtherBadRequest  = codec.ErrorClassOtherBadRequest
	classPermissionDenied403 = codec.ErrorClassPermissionDenied
	classOther403         = codec.ErrorClassOther403
	classRateLimited      = codec.ErrorClassRateLimited
	classKiroBillingFatal = codec.ErrorClassKiroBillingFatal
	classRetryableServer  = codec.ErrorClassRetryableServer
	classNetwork          = codec.ErrorClassNetwork
	classOutOfCapacity    = codec.ErrorClassOutOfCapacity
)

// httpOutcome is the classification of one upstream HTTP attempt.
type httpOutcome struct {
	class ErrorClass
	// permissionDenied is set alongside classPermissionDenied403/classOther403
	// so the engine can latch the first 403's flavor across endpoint retries.
	permissionDenied bool
}

// classifyHTTP turns a status code and response body into an outcome. kiro
// is true when the calling attempt targeted the Kiro provider, which
// collapses 402/403 into one fatal class regardless of body content.
func classifyHTTP(status int, body []byte, kiro bool) httpOutcome {
	text := string(body)

	switch {
	case status == 200:
		return httpOutcome{class: classSuccess}

	case kiro && (status == 402 || status == 403):
		return httpOutcome{class: classKiroBillingFatal}

	case status == 400:
		switch {
		case containsAny(text, "quota", "RESOURCE_EXHAUSTED"):
			return httpOutcome{class: classQuotaExhausted}
		case strings.Contains(text, "RESOURCE_PROJECT_INVALID"):
			return httpOutcome{class: classProjectInvalid}
		case strings.Contains(text, "image exceeds 5 MB maximum"):
			return httpOutcome{class: classImageTooLarge}
		case containsAny(text, "INVALID_ARGUMENT", "invalid_request_error"):
			return httpOutcome{class: classInvalidArgument}
		default:
			return httpOutcome{class: classOtherBadRequest}
		}

	case status == 403:
		if containsAny(text, "The caller does not have permission", "PERMISSION_DENIED") {
			return httpOutcome{class: classPermissionDenied403, permissionDenied: true}
		}
		return httpOutcome{class: classOther403}

	case status == 429:
		return httpOutcome{class: classRateLimited}

	case status == 500:
		if strings.Contains(text, "Internal error encountered") {
			return httpOutcome{class: classIllegalPrompt}
		}
		return httpOutcome{class: classOtherBadRequest}

	case status == 503:
		return httpOutcome{class: classRetryableServer}

	default:
		return httpOutcome{class: classOtherBadRequest}
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
