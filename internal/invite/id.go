package invite

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newInviteID returns a cryptographically random invite identifier, used
// both as the token's "jti" claim and as the single-use redemption key.
func newInviteID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("crypto/rand failed: %w", err))
	}
	return hex.EncodeToString(b)
}
