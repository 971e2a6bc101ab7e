// SPDX-License-Identifier: MPL-2.0

package panel

import "testing"

// TestCapabilityHas tests bit-set membership checks
func TestCapabilityHas(t *testing.T) {
	c := CapRelayControl | CapBattery
	if !c.Has(CapRelayControl) {
		t.Error("expected CapRelayControl to be present")
	}
	if !c.Has(CapRelayControl | CapBattery) {
		t.Error("expected both bits to be present")
	}
	if c.Has(CapSolar) {
		t.Error("did not expect CapSolar to be present")
	}
	if c.Has(CapRelayControl | CapSolar) {
		t.Error("Has should require every requested bit")
	}
}

// TestCapGen2FullExcludesPushStreaming tests that the G2 capability set
// does not advertise the G3-only streaming bit
func TestCapGen2FullExcludesPushStreaming(t *testing.T) {
	if CapGen2Full.Has(CapPushStreaming) {
		t.Error("CapGen2Full must not include CapPushStreaming")
	}
}

// TestCapGen3InitialIsStreamingOnly tests that G3's current capability set
// is exactly push streaming
func TestCapGen3InitialIsStreamingOnly(t *testing.T) {
	if CapGen3Initial != CapPushStreaming {
		t.Errorf("CapGen3Initial = %v, want CapPushStreaming only", CapGen3Initial)
	}
}

// TestCapabilityString tests the human-readable rendering, including the
// empty case
func TestCapabilityString(t *testing.T) {
	if got := Capability(0).String(); got != "NONE" {
		t.Errorf("String() = %q, want NONE", got)
	}
	got := CapRelayControl.String()
	if got != "RELAY_CONTROL" {
		t.Errorf("String() = %q, want RELAY_CONTROL", got)
	}
}
