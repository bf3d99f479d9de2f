package syncledger

import "strings"

// Error types recorded on reconciliation attempts. The type drives retry
// policy: transient infrastructure trouble is retried, anything needing a
// credential or human decision is not.
const (
	ErrTypeAuthentication = "authentication"
	ErrTypePermission     = "permission"
	ErrTypeRateLimit      = "rate_limit"
	ErrTypeNetwork        = "network"
	ErrTypeConflict       = "conflict"
	ErrTypeNotFound       = "not_found"
	ErrTypeUnknown        = "unknown"
)

// Classify maps an error from an external system into a type by message
// inspection. Matching is ordered: the more specific signals win over the
// generic network bucket.
func Classify(err error) string {
	if err == nil {
		return ErrTypeUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case contains(msg, "401", "unauthorized", "authentication failed", "invalid credentials", "bad credentials", "token expired"):
		return ErrTypeAuthentication
	case contains(msg, "403", "forbidden", "permission denied", "access denied"):
		return ErrTypePermission
	case contains(msg, "429", "rate limit", "too many requests", "quota exceeded"):
		return ErrTypeRateLimit
	case contains(msg, "409", "conflict", "non-fast-forward", "merge conflict"):
		return ErrTypeConflict
	case contains(msg, "404", "not found", "no such", "does not exist"):
		return ErrTypeNotFound
	case contains(msg, "timeout", "timed out", "connection refused", "connection reset", "no route to host", "dns", "eof", "broken pipe", "network", "unavailable", "502", "503", "504"):
		return ErrTypeNetwork
	default:
		return ErrTypeUnknown
	}
}

// Retryable reports whether automatic retry can plausibly fix an error of
// this type. Authentication, permission and not-found need operator action;
// everything else may clear on its own.
func Retryable(errType string) bool {
	switch errType {
	case ErrTypeAuthentication, ErrTypePermission, ErrTypeNotFound:
		return false
	default:
		return true
	}
}

func contains(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
