// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"context"
	"errors"
	"testing"
	"time"
)

var _ Client = (*G2Client)(nil)
var _ Client = (*G3Client)(nil)
var _ Pinger = (*G2Client)(nil)
var _ Pinger = (*G3Client)(nil)
var _ CircuitController = (*G2Client)(nil)
var _ EnergySource = (*G2Client)(nil)
var _ Streamer = (*G3Client)(nil)

// TestNewClientForcedG2SkipsProbing tests that WithGeneration(GenG2) returns
// a G2Client without any network probing (§4.H).
func TestNewClientForcedG2SkipsProbing(t *testing.T) {
	client, err := NewClient(context.Background(), "10.0.0.5", WithGeneration(GenG2))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*G2Client); !ok {
		t.Errorf("got %T, want *G2Client", client)
	}
}

// TestNewClientUnknownGenerationOverride tests that an unrecognized forced
// generation value fails with KindConfigError rather than silently falling
// through to auto-detect.
func TestNewClientUnknownGenerationOverride(t *testing.T) {
	_, err := NewClient(context.Background(), "10.0.0.5", WithGeneration(Generation("bogus")))
	if err == nil {
		t.Fatal("expected an error for an unrecognized generation override")
	}
	if !errors.Is(err, ErrConfigError) {
		t.Errorf("error = %v, want ErrConfigError", err)
	}
}

// TestNewClientForcedG2EmptyHostFails tests that the forced-G2 path still
// runs G2's own validation rather than bypassing it.
func TestNewClientForcedG2EmptyHostFails(t *testing.T) {
	_, err := NewClient(context.Background(), "", WithGeneration(GenG2))
	if err == nil {
		t.Fatal("expected an error for an empty host")
	}
}

// TestNewClientNeitherTransportRespondsFails tests the S6 boundary: when
// auto-detect probes find nothing listening on either port, NewClient
// surfaces ErrNoTransport rather than returning a client for a dead panel.
func TestNewClientNeitherTransportRespondsFails(t *testing.T) {
	_, err := NewClient(context.Background(), "127.0.0.1",
		Port(1), ProbeTimeout(500*time.Millisecond))
	if err == nil {
		t.Fatal("expected an error when neither transport responds")
	}
	if !errors.Is(err, ErrNoTransport) {
		t.Errorf("error = %v, want ErrNoTransport", err)
	}
}
