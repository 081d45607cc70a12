package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// Kind classifies a failure so that retry and fallback decisions are made on
// structured data rather than on error text.
type Kind int

const (
	// KindPermanent is a failure that retrying cannot fix (4xx other than
	// those classified below).
	KindPermanent Kind = iota
	// KindTransient covers timeouts, 5xx responses, and connection resets.
	KindTransient
	// KindRateLimit covers 429 and 503 responses.
	KindRateLimit
	// KindAuthGrant is a revoked or invalid credential. Terminal for that
	// credential.
	KindAuthGrant
	// KindCircuitOpen means a breaker rejected the call.
	KindCircuitOpen
	// KindCapacity means the cache could not make room for a write.
	KindCapacity
	// KindValidation means a result failed its quality check.
	KindValidation
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate limited"
	case KindAuthGrant:
		return "auth grant rejected"
	case KindCircuitOpen:
		return "circuit open"
	case KindCapacity:
		return "capacity exceeded"
	case KindValidation:
		return "validation failed"
	default:
		return "unknown"
	}
}

// Error is the typed failure produced at transport boundaries.
type Error struct {
	Kind Kind

	// Op is the operation or breaker name, when known.
	Op string

	// StatusCode is the upstream HTTP status, when there was one.
	StatusCode int

	// Code is a provider error code such as "invalid_grant".
	Code string

	// RetryAfter is the upstream's requested wait for rate limits.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("resilience: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind. A target carrying a Code must
// match it too, so ErrTimeout is narrower than ErrTransient.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Sentinel errors for use with errors.Is.
var (
	ErrTransient   = &Error{Kind: KindTransient}
	ErrRateLimited = &Error{Kind: KindRateLimit}
	ErrAuthGrant   = &Error{Kind: KindAuthGrant}
	ErrCircuitOpen = &Error{Kind: KindCircuitOpen}
	ErrCapacity    = &Error{Kind: KindCapacity}
	ErrValidation  = &Error{Kind: KindValidation}
	ErrPermanent   = &Error{Kind: KindPermanent}

	// ErrTimeout is the transient error produced when an attempt's deadline
	// elapses.
	ErrTimeout = &Error{Kind: KindTransient, Code: "timeout"}

	// ErrInvalidOption is returned when a call option does not fit the
	// operation's result type.
	ErrInvalidOption = errors.New("resilience: invalid option")
)

// Transient wraps err as a retryable transient failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// RateLimited wraps err as a rate-limit failure. retryAfter may be zero.
func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimit, Op: op, RetryAfter: retryAfter, Err: err}
}

// AuthGrant wraps err as a terminal credential failure.
func AuthGrant(op, code string, err error) *Error {
	return &Error{Kind: KindAuthGrant, Op: op, Code: code, Err: err}
}

// CircuitOpen reports that the breaker for name rejected the call.
func CircuitOpen(name string) *Error {
	return &Error{Kind: KindCircuitOpen, Op: name}
}

// Capacity reports that a write could not be admitted.
func Capacity(op string, err error) *Error {
	return &Error{Kind: KindCapacity, Op: op, Err: err}
}

// Validation reports a result whose quality fell below the threshold.
func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func timeoutError(op string, d time.Duration) *Error {
	return &Error{
		Kind: KindTransient,
		Op:   op,
		Code: "timeout",
		Err:  fmt.Errorf("attempt exceeded %s", d),
	}
}

// FromStatus classifies an upstream HTTP response. code is the provider's
// error code, if the body carried one. A 2xx/3xx status with a nil err
// returns nil.
func FromStatus(op string, status int, code string, err error) error {
	if status < 400 && err == nil {
		return nil
	}
	e := &Error{Op: op, StatusCode: status, Code: code, Err: err}
	switch {
	case IsAuthGrantCode(code) && (status == 400 || status == 401 || status == 0):
		e.Kind = KindAuthGrant
	case status == 429 || status == 503:
		e.Kind = KindRateLimit
	case status == 408 || status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}
	return e
}

var authGrantCodes = map[string]struct{}{
	"invalid_grant":         {},
	"invalid_client":        {},
	"unauthorized_client":   {},
	"invalid_refresh_token": {},
}

// IsAuthGrantCode reports whether an OAuth error code means the grant itself
// is unusable.
func IsAuthGrantCode(code string) bool {
	_, ok := authGrantCodes[strings.ToLower(strings.TrimSpace(code))]
	return ok
}

// IsAuthGrant reports whether err is a terminal credential failure.
func IsAuthGrant(err error) bool {
	return errors.Is(err, ErrAuthGrant)
}

// KindOf returns the kind of the first *Error in err's chain. Errors that
// are not typed report KindTransient when IsRetryable and KindPermanent
// otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsRetryable(err) {
		return KindTransient
	}
	return KindPermanent
}

// IsRetryable reports whether err is worth retrying. Classification uses
// only structured data: the error kind, net.Error timeouts, connection
// resets, and deadline expiry.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient || e.Kind == KindRateLimit
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// FallbackError is returned when both the primary operation and its
// fallback failed.
type FallbackError struct {
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("resilience: primary failed: %v; fallback failed: %v", e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}
