// Package token: see token.go for the hashing/fingerprinting API.
//
// Design goals:
// - Default dev mode: SHA-256(token) when no HMAC key is configured.
// - Production-enforced mode: HMAC-SHA256(token, key) when policy requires it.
// - Stable 64-char hex output for storage and audit-log embedding.
//
// Environment:
//   - MEW_TOKEN_HMAC_KEY: when set, enables HMAC mode.
//   - If RequireTokenHMAC=true, callers MUST enforce a minimum key size
//     (>= 32 bytes) and MUST use HMAC (no SHA fallback).
package token
