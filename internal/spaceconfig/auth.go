package spaceconfig

import (
	"crypto/subtle"
	"sync"

	"github.com/rjcorwin/mew-gateway/internal/pattern"
	secpassword "github.com/rjcorwin/mew-gateway/internal/secpassword"
)

// Authenticator resolves a bearer token against a space's participant
// table (spec §4.5 join step 2). It is safe for concurrent use; SetConfig
// lets a DynamicLoader swap in a freshly polled table without requiring
// callers to re-resolve a new Authenticator.
type Authenticator struct {
	hashPol secpassword.Config

	mu  sync.RWMutex
	cfg Config
}

// NewAuthenticator builds an Authenticator over cfg using hashPol's Argon2id
// parameters to verify any token_hashes entries.
func NewAuthenticator(cfg Config, hashPol secpassword.Config) *Authenticator {
	return &Authenticator{cfg: cfg, hashPol: hashPol}
}

// SetConfig atomically replaces the participant table, e.g. after a
// DynamicLoader poll picks up added/revoked participants.
func (a *Authenticator) SetConfig(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Authenticate looks up token against every participant's plaintext tokens
// (constant-time compared) and Argon2id token_hashes, returning the
// matching participant's id and initial capability set.
func (a *Authenticator) Authenticate(token string) (participantID string, caps []pattern.Capability, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for id, p := range a.cfg.Participants {
		for _, t := range p.Tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				return id, p.Capabilities, true
			}
		}
		for _, h := range p.TokenHashes {
			if match, err := a.hashPol.Verify(h, token); err == nil && match {
				return id, p.Capabilities, true
			}
		}
	}
	return "", nil, false
}
