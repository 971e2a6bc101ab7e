// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"fmt"

	"github.com/tidwall/sjson"
)

// Body provides a fluent interface for building the JSON request bodies
// the G2 HTTP API expects, using sjson for path-based manipulation instead
// of marshaling a generated struct.
//
// The Body builder tracks errors internally to enable method chaining
// while providing error checking through String().
//
// Example:
//
//	body := panel.Body{}.
//	    Set("relayState", "CLOSED").
//	    Set("priority", "MUST_HAVE")
//
//	value, err := body.String()
//	if err != nil {
//	    log.Fatal(err)
//	}
type Body struct {
	// str contains the JSON string being built
	str string
	// err tracks the first error encountered during building
	err error
}

// Set sets a value at the specified JSON path and returns a new Body
//
// The path uses dot notation for nested fields (e.g., "config.name").
// The value can be any type that sjson supports (string, number, bool, etc.).
//
// If an error occurs, the error is stored and returned by String() or Bytes().
// Once an error occurs, all subsequent operations are no-ops that preserve the error.
//
// Example:
//
//	body := panel.Body{}.
//	    Set("config.name", "eth0").
//	    Set("config.enabled", true).
//	    Set("config.mtu", 1500)
//	json, err := body.String()
//
// Returns the Body for method chaining.
func (b Body) Set(path string, value any) Body {
	// Short-circuit if already in error state
	if b.err != nil {
		return b
	}

	result, err := sjson.Set(b.str, path, value)
	if err != nil {
		// Store error and return body with error state
		return Body{str: b.str, err: fmt.Errorf("Set(%q): %w", path, err)}
	}
	return Body{str: result, err: nil}
}

// String returns the JSON string representation and any error encountered during building
//
// This method returns both the JSON string and any error that occurred during the building process.
// If an error occurred during any Set operation, the error will be returned here.
//
// Example:
//
//	body := panel.Body{}.Set("config.hostname", "router1")
//	json, err := body.String()
//	if err != nil {
//	    log.Fatal(err)
//	}
func (b Body) String() (string, error) {
	return b.str, b.err
}

// Bytes returns the JSON byte slice representation and any error encountered
// during building. doRequest takes the request body as []byte directly, so
// every write operation (Authenticate, SetCircuitRelay, SetCircuitPriority)
// builds its payload with Bytes() rather than String().
//
// Example:
//
//	body := panel.Body{}.Set("name", "eth0")
//	jsonBytes, err := body.Bytes()
//	if err != nil {
//	    log.Fatal(err)
//	}
func (b Body) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return []byte(b.str), nil
}
