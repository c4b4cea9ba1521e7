package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Class categorizes a failure for retry decisions.
type Class int

const (
	// ClassNetwork covers transport failures: refused connections,
	// dropped sockets, DNS errors.
	ClassNetwork Class = iota

	// ClassServer covers 5xx-style failures on the backend.
	ClassServer

	// ClassValidation covers business-rule rejections (insufficient
	// funds, invalid symbol, market closed). Never retried.
	ClassValidation

	// ClassTimeout covers deadline expiry on a single attempt.
	ClassTimeout

	// ClassRateLimit covers 429 responses, optionally carrying a
	// server-provided retry-after hint.
	ClassRateLimit
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassServer:
		return "server"
	case ClassValidation:
		return "validation"
	case ClassTimeout:
		return "timeout"
	case ClassRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// Recoverable reports whether a failure of this class may be retried.
// Validation failures are terminal; everything else defaults to retryable.
func (c Class) Recoverable() bool {
	return c != ClassValidation
}

// Error is a classified failure. It wraps the underlying cause and
// carries an optional server-provided retry-after duration.
type Error struct {
	Class      Class
	RetryAfter time.Duration // rate-limit hint, 0 if none
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NetworkError wraps err as a network-class failure.
func NetworkError(err error) *Error {
	return &Error{Class: ClassNetwork, Err: err}
}

// ServerError wraps err as a server-class failure.
func ServerError(err error) *Error {
	return &Error{Class: ClassServer, Err: err}
}

// ValidationError wraps err as a non-recoverable validation failure.
func ValidationError(err error) *Error {
	return &Error{Class: ClassValidation, Err: err}
}

// TimeoutError wraps err as a timeout-class failure.
func TimeoutError(err error) *Error {
	return &Error{Class: ClassTimeout, Err: err}
}

// RateLimitError wraps err as a rate-limit failure with an optional
// server-provided retry-after hint.
func RateLimitError(err error, retryAfter time.Duration) *Error {
	return &Error{Class: ClassRateLimit, RetryAfter: retryAfter, Err: err}
}

// Classify determines the class of an arbitrary error. Pre-classified
// errors keep their class; context and net timeouts map to ClassTimeout;
// everything else defaults to ClassNetwork.
func Classify(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}

	return ClassNetwork
}

// retryAfterHint extracts a server-provided retry-after duration, or 0.
func retryAfterHint(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
