package invite

import "errors"

var (
	// ErrInvalidInput indicates invalid invite input or configuration.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates the invite token hash was not found.
	ErrNotFound = errors.New("invite not found")
	// ErrNotActive indicates the invite is expired, revoked, or out of uses.
	ErrNotActive = errors.New("invite not active")
	// ErrConfig is returned for invalid Invite Service configuration.
	ErrConfig = errors.New("invalid config")
	// ErrInvalidToken is returned when an invite token fails verification.
	ErrInvalidToken = errors.New("invalid invite token")
	// ErrAlreadyRedeemed is returned when a single-use invite token has
	// already been consumed.
	ErrAlreadyRedeemed = errors.New("invite already redeemed")
	// ErrCapabilityEscalation is returned when an invite would grant
	// capabilities the inviter does not itself possess.
	ErrCapabilityEscalation = errors.New("invite capabilities exceed inviter's own capabilities")
)
