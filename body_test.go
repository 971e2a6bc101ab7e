// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"errors"
	"strings"
	"testing"
)

// TestBodySetChainsMultipleFields tests that repeated Set calls build up a
// single JSON object.
func TestBodySetChainsMultipleFields(t *testing.T) {
	got, err := Body{}.Set("name", "eth0").Set("enabled", true).Set("mtu", 1500).String()
	if err != nil {
		t.Fatalf("String: %v", err)
	}
	for _, want := range []string{`"name":"eth0"`, `"enabled":true`, `"mtu":1500`} {
		if !strings.Contains(got, want) {
			t.Errorf("body %q missing %q", got, want)
		}
	}
}

// TestBodySetShortCircuitsAfterError tests that once the builder is in an
// error state, subsequent Set calls are no-ops that preserve it.
func TestBodySetShortCircuitsAfterError(t *testing.T) {
	want := errors.New("boom")
	b := Body{str: `{"name":"eth0"}`, err: want}
	b = b.Set("description", "temp")
	if _, err := b.String(); err != want {
		t.Fatalf("String() err = %v, want %v", err, want)
	}
	if got, _ := b.String(); got != `{"name":"eth0"}` {
		t.Errorf("Set should be a no-op once in an error state, got %q", got)
	}
}

// TestBodyBytesReturnsErrorOnErrorState tests that Bytes surfaces the
// stored error instead of returning a partial payload.
func TestBodyBytesReturnsErrorOnErrorState(t *testing.T) {
	want := errors.New("boom")
	b := Body{str: `{"name":"eth0"}`, err: want}
	got, err := b.Bytes()
	if err != want {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if got != nil {
		t.Errorf("Bytes() = %q, want nil after an error", got)
	}
}

// TestBodyBytesMatchesString tests that Bytes returns the same content as
// String, just as a byte slice.
func TestBodyBytesMatchesString(t *testing.T) {
	b := Body{}.Set("name", "eth0")
	str, err := b.String()
	if err != nil {
		t.Fatalf("String: %v", err)
	}
	bytes, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(bytes) != str {
		t.Errorf("Bytes() = %q, want %q", string(bytes), str)
	}
}
