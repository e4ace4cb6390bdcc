package retry

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks a failure that is always worth retrying.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the default predicate retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError marks a failure that must surface immediately.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the default predicate never retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// StatusError is implemented by errors carrying an HTTP status code.
type StatusError interface {
	error
	StatusCode() int
}

// HTTPError is a minimal StatusError for clients that only have a code and a body.
type HTTPError struct {
	Code    int
	Message string
}

func (e *HTTPError) Error() string   { return e.Message }
func (e *HTTPError) StatusCode() int { return e.Code }

var retryableErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ETIMEDOUT,
	syscall.ECONNRESET,
}

var retryableSubstrings = []string{"timeout", "network", "rate limit"}

// IsRetryable is the default predicate. It matches connection refused/reset,
// timed out and host-not-found errors, HTTP 429 and 5xx responses, and
// messages mentioning a timeout, the network or a rate limit.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}

	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsNotFound || dnsErr.IsTimeout) {
		return true
	}

	var statusErr StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		if code == 429 || code >= 500 {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
