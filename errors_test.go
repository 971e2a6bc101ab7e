// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestErrorKindTransient tests which kinds the retry engine treats as
// backoff-eligible
func TestErrorKindTransient(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindRetriableHTTP, true},
		{KindNetworkConnect, true},
		{KindTimeout, true},
		{KindAuth, false},
		{KindValidation, false},
		{KindGrpcError, false},
		{KindTopologyMismatch, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Transient(); got != tt.want {
			t.Errorf("%v.Transient() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

// TestPanelErrorIs tests that errors.Is matches on Kind alone, ignoring
// Operation and Message
func TestPanelErrorIs(t *testing.T) {
	err := newError(KindAuth, "Authenticate", "bad credentials", nil)
	if !errors.Is(err, ErrAuth) {
		t.Error("expected errors.Is(err, ErrAuth) to match")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("did not expect errors.Is(err, ErrTimeout) to match")
	}
}

// TestPanelErrorUnwrap tests that the wrapped cause is reachable via
// errors.Unwrap/errors.As
func TestPanelErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := newError(KindNetworkConnect, "Connect", "could not reach panel", cause)
	if !errors.Is(err, cause) {
		t.Error("expected the wrapped cause to be reachable via errors.Is")
	}
}

// TestPanelErrorMessage tests the rendered error string for both the
// plain and retried cases
func TestPanelErrorMessage(t *testing.T) {
	err := newError(KindServerError, "Status", "internal error", nil)
	if got := err.Error(); got == "" {
		t.Error("Error() returned empty string")
	}

	err.Retries = 2
	got := err.Error()
	if !strings.Contains(got, "retries: 2") {
		t.Errorf("Error() = %q, want it to mention retries: 2", got)
	}
}

// TestErrorKindString tests that every declared kind renders a known name
// rather than falling through to the unknown-kind fallback
func TestErrorKindString(t *testing.T) {
	kinds := []ErrorKind{
		KindAuth, KindValidation, KindUnexpectedStatus, KindServerError,
		KindRetriableHTTP, KindNetworkConnect, KindTimeout, KindGrpcError,
		KindGrpcConnect, KindCodecError, KindTopologyMismatch, KindConfigError,
		KindNoTransport,
	}
	for _, k := range kinds {
		if got := k.String(); got == "" || got[:7] == "Unknown" {
			t.Errorf("%d.String() = %q, want a known name", int(k), got)
		}
	}
}
