// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure this module can produce. It is a sum
// type: exactly one kind applies to any given PanelError.
type ErrorKind int

const (
	// KindAuth is a 401/403 response from G2. Retriable exactly once, via
	// a forced re-authentication, handled by the retry engine rather than
	// by the transient-kind list below.
	KindAuth ErrorKind = iota
	// KindValidation is a response-schema mismatch or bad caller input.
	KindValidation
	// KindUnexpectedStatus is an HTTP status outside an endpoint's declared set.
	KindUnexpectedStatus
	// KindServerError is a 500 response.
	KindServerError
	// KindRetriableHTTP is a 502/503/504 response. Transient.
	KindRetriableHTTP
	// KindNetworkConnect is a connection failure. Transient.
	KindNetworkConnect
	// KindTimeout is a per-request deadline exceeded. Transient.
	KindTimeout
	// KindGrpcError is a G3 channel or decode failure.
	KindGrpcError
	// KindGrpcConnect is a G3 connect failure. Transient only during the
	// factory's auto-detect probe.
	KindGrpcConnect
	// KindCodecError is a malformed wire frame.
	KindCodecError
	// KindTopologyMismatch is a G3 discovery N/M length disagreement.
	KindTopologyMismatch
	// KindConfigError is an invalid simulation configuration or client option.
	KindConfigError
	// KindNoTransport is a factory auto-detect failure: neither transport responded.
	KindNoTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindValidation:
		return "ValidationError"
	case KindUnexpectedStatus:
		return "UnexpectedStatus"
	case KindServerError:
		return "ServerError"
	case KindRetriableHTTP:
		return "RetriableHttp"
	case KindNetworkConnect:
		return "NetworkConnect"
	case KindTimeout:
		return "Timeout"
	case KindGrpcError:
		return "GrpcError"
	case KindGrpcConnect:
		return "GrpcConnect"
	case KindCodecError:
		return "CodecError"
	case KindTopologyMismatch:
		return "TopologyMismatch"
	case KindConfigError:
		return "ConfigError"
	case KindNoTransport:
		return "NoTransport"
	default:
		return fmt.Sprintf("UnknownErrorKind(%d)", int(k))
	}
}

// Transient reports whether the retry engine should retry this kind with
// exponential backoff (§4.C / §7). KindAuth is handled separately: it is
// retried at most once via forced re-authentication, never via backoff.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindRetriableHTTP, KindNetworkConnect, KindTimeout:
		return true
	default:
		return false
	}
}

// sentinels for errors.Is matching against ErrorKind, independent of any
// particular operation or message.
var (
	ErrAuth             = &PanelError{Kind: KindAuth}
	ErrValidation       = &PanelError{Kind: KindValidation}
	ErrUnexpectedStatus = &PanelError{Kind: KindUnexpectedStatus}
	ErrServerError      = &PanelError{Kind: KindServerError}
	ErrRetriableHTTP    = &PanelError{Kind: KindRetriableHTTP}
	ErrNetworkConnect   = &PanelError{Kind: KindNetworkConnect}
	ErrTimeout          = &PanelError{Kind: KindTimeout}
	ErrGrpcError        = &PanelError{Kind: KindGrpcError}
	ErrGrpcConnect      = &PanelError{Kind: KindGrpcConnect}
	ErrCodecError       = &PanelError{Kind: KindCodecError}
	ErrTopologyMismatch = &PanelError{Kind: KindTopologyMismatch}
	ErrConfigError      = &PanelError{Kind: KindConfigError}
	ErrNoTransport      = &PanelError{Kind: KindNoTransport}
)

// PanelError is the single error type this module returns. It carries the
// classified ErrorKind, the operation that failed, how many retries were
// consumed, and an optional wrapped cause.
type PanelError struct {
	Kind      ErrorKind
	Operation string
	Message   string
	Retries   int
	Cause     error
}

func (e *PanelError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Retries > 0 {
		return fmt.Sprintf("panel: %s: %s failed: %s (retries: %d)", e.Kind, e.Operation, msg, e.Retries)
	}
	return fmt.Sprintf("panel: %s: %s failed: %s", e.Kind, e.Operation, msg)
}

// Unwrap exposes the wrapped cause for errors.Unwrap/errors.As.
func (e *PanelError) Unwrap() error { return e.Cause }

// Is matches another *PanelError by Kind alone, so that callers can write
// errors.Is(err, panel.ErrAuth) without caring about operation or message.
func (e *PanelError) Is(target error) bool {
	var other *PanelError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// newError constructs a *PanelError for the given kind/operation, wrapping
// cause if non-nil.
func newError(kind ErrorKind, operation, message string, cause error) *PanelError {
	return &PanelError{Kind: kind, Operation: operation, Message: message, Cause: cause}
}
