package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxBytes is the default oversize ceiling from spec §4.2.
const DefaultMaxBytes = 1 << 20 // 1 MiB

// ErrTooLarge is returned by Parse when a frame exceeds the configured
// byte ceiling. The caller maps this to a system/error of class
// payload_too_large without closing the connection.
var ErrTooLarge = errors.New("envelope: frame exceeds size ceiling")

// Parse decodes a raw websocket frame into an Envelope, enforcing the
// oversize policy before attempting to unmarshal. It does not call
// Validate; callers apply Validate separately so they can distinguish
// "too large" from "structurally invalid" for error reporting.
func Parse(frame []byte, maxBytes int) (Envelope, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(frame) > maxBytes {
		return Envelope{}, ErrTooLarge
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: invalid JSON: %w", err)
	}
	return env, nil
}

// Serialize encodes an Envelope back to its wire form.
func Serialize(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
