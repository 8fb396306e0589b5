package app

import (
	"errors"

	"github.com/rjcorwin/mew-gateway/internal/sectoken"
)

// ValidateSecurityConfig enforces the gateway's security policy at startup.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC {
		return nil
	}

	// Minimum 32 bytes recommended for HMAC-SHA256 secret; measured in bytes
	// since the key is used as raw bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: MEW_REQUIRE_TOKEN_HMAC=true but MEW_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: MEW_REQUIRE_TOKEN_HMAC=true but MEW_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	if !token.HMACEnabled() {
		return errors.New("security policy: MEW_REQUIRE_TOKEN_HMAC=true but token fingerprinter is not in HMAC mode")
	}

	return nil
}
