package auth

// RefreshErrorKind classifies a token-refresh failure (§4.1).
type RefreshErrorKind string

const (
	// RefreshInvalidGrant is permanent: the refresh token itself is dead.
	RefreshInvalidGrant RefreshErrorKind = "invalid-grant"
	// RefreshFailed is transient: some other refresh error occurred.
	RefreshFailed RefreshErrorKind = "refresh-failed"
)

// RefreshError reports why a token refresh failed and how the caller should react.
type RefreshError struct {
	Kind    RefreshErrorKind
	Message string
}

func (e *RefreshError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// Permanent reports whether the account should be disabled outright.
func (e *RefreshError) Permanent() bool {
	return e != nil && e.Kind == RefreshInvalidGrant
}

// NewInvalidGrantError builds a permanent refresh-failure error.
func NewInvalidGrantError(message string) *RefreshError {
	return &RefreshError{Kind: RefreshInvalidGrant, Message: message}
}

// NewTransientRefreshError builds a soft refresh-failure error (mark needs-reauth, don't disable).
func NewTransientRefreshError(message string) *RefreshError {
	return &RefreshError{Kind: RefreshFailed, Message: message}
}
