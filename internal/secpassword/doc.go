// Package password provides Argon2id hashing and verification for bearer
// tokens stored at rest in space configuration: a space operator may list
// `token_hashes` instead of plaintext `tokens`, and this package both
// produces those hashes (offline) and verifies a presented bearer token
// against them at join time.
//
// It implements Argon2id hashing using a PHC-like encoded string format and includes:
// - Configurable Argon2id parameters (via environment variables)
// - Token policy validation
// - Strict hash decoding and verification with anti-DoS bounds
//
// Security notes:
// - Hash strings are treated as untrusted input during Verify and are validated accordingly.
// - Verification refuses hashes with parameters that exceed reasonable bounds.
package password
