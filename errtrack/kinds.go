package errtrack

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jonwraymond/futuresfeed/resilience"
)

// Kind is a stable error category string. Kinds are part of the operational
// surface: the retry classifier, the tracker counters, and the error
// monitor all key on them.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindRateLimit      Kind = "rate_limit"
	KindExchangeServer Kind = "exchange_server"
	KindExchangeClient Kind = "exchange_client"
	KindValidation     Kind = "validation"
	KindCircuitOpen    Kind = "circuit_open"
	KindStorage        Kind = "storage"
	KindConfig         Kind = "config"
	KindUnknown        Kind = "unknown"
)

// Retryable reports whether failures of this kind may be retried.
// Storage failures are retryable exactly once; that budget is enforced by
// the caller's retry configuration, not here.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindExchangeServer, KindStorage:
		return true
	default:
		return false
	}
}

// kindError attaches a Kind to an error.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error {
	return e.err
}

// E wraps err with the given kind. A nil err returns nil.
func E(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Ef wraps a formatted error with the given kind.
func Ef(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf classifies an error. Explicitly wrapped kinds win; otherwise the
// resilience sentinels and common transport errors are recognized.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, resilience.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, resilience.ErrRateLimitExceeded):
		return KindRateLimit
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindUnknown
}

// IsRetryable reports whether the error's kind permits a retry.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
