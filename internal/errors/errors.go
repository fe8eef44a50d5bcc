package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound       = errors.New("not found")
	ErrTimeout        = errors.New("timeout")
	ErrInvalidInput   = errors.New("invalid input")
	ErrStaleState     = errors.New("stale subscription state")
	ErrInsufficient   = errors.New("insufficient funds")
	ErrMalformed      = errors.New("malformed account data")
	ErrIdentityFailed = errors.New("signing identity unavailable")
)

// Kind is the category of a collector failure. It decides log level,
// metric label and whether the item is looked at again on the next tick.
type Kind string

const (
	KindTransient Kind = "transient" // RPC/network trouble, retried next tick
	KindDecode    Kind = "decode"    // malformed account bytes, skipped
	KindStale     Kind = "stale"     // another collector already settled it
	KindFunding   Kind = "funding"   // subscriber cannot cover the charge
	KindRejected  Kind = "rejected"  // program rejected for another reason
	KindTimeout   Kind = "timeout"   // outcome unknown after confirmation wait
	KindNotFound  Kind = "not_found" // account closed between scan and settle
	KindFatal     Kind = "fatal"     // configuration/identity, stops the process
	KindInternal  Kind = "internal"
)

// CollectorError is a structured error for scan and settlement operations.
type CollectorError struct {
	Kind         Kind
	Op           string // operation that failed, e.g. "scan", "build", "submit"
	Subscription string // subscription address if applicable
	Err          error
	Timestamp    time.Time
	Retryable    bool
}

func (e *CollectorError) Error() string {
	if e.Subscription != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Subscription, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CollectorError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *CollectorError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrStaleState:
		return e.Kind == KindStale
	case ErrInsufficient:
		return e.Kind == KindFunding
	case ErrMalformed:
		return e.Kind == KindDecode
	case ErrIdentityFailed:
		return e.Kind == KindFatal
	}

	return errors.Is(e.Err, target)
}

// New creates a CollectorError.
func New(kind Kind, op string, err error) *CollectorError {
	return &CollectorError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// WithSubscription adds the subscription address to the error.
func (e *CollectorError) WithSubscription(address string) *CollectorError {
	e.Subscription = address
	return e
}

// isRetryable reports whether a later tick may succeed where this one failed.
// Stale and not-found items are not retried as such: the next scan simply
// will not return them again.
func isRetryable(kind Kind) bool {
	switch kind {
	case KindTransient, KindTimeout, KindFunding, KindInternal:
		return true
	default:
		return false
	}
}

// Helper functions

// Transient wraps an infrastructure error.
func Transient(op string, err error) error {
	return New(KindTransient, op, err)
}

// Decode wraps a malformed-record error.
func Decode(op string, err error) error {
	return New(KindDecode, op, err)
}

// Fatal wraps an error that must stop the process before scheduling starts.
func Fatal(op string, err error) error {
	return New(KindFatal, op, err)
}

// KindOf returns the Kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var colErr *CollectorError
	if errors.As(err, &colErr) {
		return colErr.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}

// IsRetryableError checks if an error should be retried on a later tick.
func IsRetryableError(err error) bool {
	var colErr *CollectorError
	if errors.As(err, &colErr) {
		return colErr.Retryable
	}
	return errors.Is(err, ErrTimeout)
}

// IsFatal reports whether err must stop the process.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}
