package syncledger

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"remote: HTTP 401 unauthorized", ErrTypeAuthentication},
		{"fatal: Authentication failed for repo", ErrTypeAuthentication},
		{"token expired, refresh required", ErrTypeAuthentication},
		{"403 Forbidden", ErrTypePermission},
		{"permission denied (publickey)", ErrTypePermission},
		{"API rate limit exceeded", ErrTypeRateLimit},
		{"429 Too Many Requests", ErrTypeRateLimit},
		{"updates were rejected: non-fast-forward", ErrTypeConflict},
		{"409 Conflict on resource version", ErrTypeConflict},
		{"repository not found", ErrTypeNotFound},
		{"404 page missing", ErrTypeNotFound},
		{"dial tcp: connection refused", ErrTypeNetwork},
		{"request timed out after 30s", ErrTypeNetwork},
		{"upstream returned 503", ErrTypeNetwork},
		{"something inexplicable happened", ErrTypeUnknown},
	}
	for _, tc := range cases {
		if got := Classify(errors.New(tc.msg)); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.msg, got, tc.want)
		}
	}
	if got := Classify(nil); got != ErrTypeUnknown {
		t.Errorf("Classify(nil) = %s, want unknown", got)
	}
}

func TestRetryable(t *testing.T) {
	nonRetryable := []string{ErrTypeAuthentication, ErrTypePermission, ErrTypeNotFound}
	for _, et := range nonRetryable {
		if Retryable(et) {
			t.Errorf("%s should not be retryable", et)
		}
	}
	retryable := []string{ErrTypeRateLimit, ErrTypeNetwork, ErrTypeConflict, ErrTypeUnknown}
	for _, et := range retryable {
		if !Retryable(et) {
			t.Errorf("%s should be retryable", et)
		}
	}
}
