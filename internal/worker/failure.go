package worker

import "errors"

// terminalError marks a business failure: the job ran to a deterministic
// negative outcome and retrying cannot change it. The pool acks and records
// the failure instead of scheduling a retry.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the pool treats it as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries the terminal mark anywhere in its
// chain.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
