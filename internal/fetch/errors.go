package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
)

// Kind classifies a fetch failure.
type Kind int

const (
	KindNonRetryable Kind = iota
	KindTimeout
	KindRetryableHTTP
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRetryableHTTP:
		return "retryable_http"
	default:
		return "non_retryable"
	}
}

// Retryable reports whether failures of this kind are retried.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindRetryableHTTP
}

// Error is returned by Fetcher.Fetch once retries are exhausted or a
// non-retryable failure occurs.
type Error struct {
	Kind     Kind
	URL      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetching %s (%s after %d attempt(s)): %v", e.URL, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps an attempt error to a Kind using the configured retry codes.
func classify(err error, retryCodes []int) Kind {
	var se *StatusError
	if errors.As(err, &se) {
		if slices.Contains(retryCodes, se.Code) {
			return KindRetryableHTTP
		}
		return KindNonRetryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var dnsErr *net.DNSError
	if errors.Is(err, ErrNameNotResolved) || errors.As(err, &dnsErr) {
		return KindNonRetryable
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, ErrConnection) {
		return KindRetryableHTTP
	}
	return KindNonRetryable
}
