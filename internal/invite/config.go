package invite

import (
	"os"
	"time"
)

// Config defines all runtime configuration for the Invite Service.
//
// It controls invite-token TTL, clock skew tolerance, and the PASETO v4
// signing key used to issue and verify pending-invite tokens.
type Config struct {
	// Issuer is the value set in the "iss" claim of invite tokens.
	Issuer string

	// TokenTTL defines how long an issued invite remains redeemable.
	TokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key used to
	// sign PASETO v4.public invite tokens.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns a secure default configuration suitable for
// development.
func DefaultConfig() Config {
	return Config{
		Issuer:    "mew-gateway",
		TokenTTL:  24 * time.Hour,
		ClockSkew: 30 * time.Second,
	}
}

// LoadConfigFromEnv loads Invite Service configuration from environment
// variables.
//
// Required:
//   - MEW_INVITE_PASETO_V4_SECRET_KEY_HEX
//
// Optional:
//   - MEW_INVITE_ISSUER
//   - MEW_INVITE_TOKEN_TTL
//   - MEW_INVITE_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("MEW_INVITE_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("MEW_INVITE_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TokenTTL = d
	}

	if v := os.Getenv("MEW_INVITE_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = os.Getenv("MEW_INVITE_PASETO_V4_SECRET_KEY_HEX")
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
