package invite

import (
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"github.com/rjcorwin/mew-gateway/internal/pattern"
)

func testManager(t *testing.T, ttl time.Duration) Manager {
	t.Helper()
	secret := paseto.NewV4AsymmetricSecretKey()

	cfg := DefaultConfig()
	cfg.TokenTTL = ttl
	cfg.PasetoV4SecretKeyHex = secret.ExportHex()

	m, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	return m
}

func TestIssueThenRedeemRoundTrip(t *testing.T) {
	t.Parallel()

	m := testManager(t, time.Hour)
	now := time.Now().UTC()
	caps := []pattern.Capability{{Kind: "chat"}}

	token, exp, err := m.Issue("space-1", "alice", "carol", caps, nil, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected expiration after issue time, got %v", exp)
	}

	claims, err := m.Redeem(token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if claims.SpaceID != "space-1" || claims.Inviter != "alice" || claims.ParticipantID != "carol" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Capabilities) != 1 || claims.Capabilities[0].Kind != "chat" {
		t.Fatalf("unexpected capabilities: %+v", claims.Capabilities)
	}
}

func TestRedeemTwiceRejectsReplay(t *testing.T) {
	t.Parallel()

	m := testManager(t, time.Hour)
	now := time.Now().UTC()

	token, _, err := m.Issue("space-1", "alice", "", nil, nil, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := m.Redeem(token, now); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if _, err := m.Redeem(token, now); err != ErrAlreadyRedeemed {
		t.Fatalf("expected ErrAlreadyRedeemed on replay, got %v", err)
	}
}

func TestRedeemExpiredTokenRejected(t *testing.T) {
	t.Parallel()

	m := testManager(t, time.Minute)
	now := time.Now().UTC()

	token, _, err := m.Issue("space-1", "alice", "", nil, nil, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := m.Redeem(token, now.Add(time.Hour)); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestIssueRefusesCapabilityEscalation(t *testing.T) {
	t.Parallel()

	m := testManager(t, time.Hour)
	now := time.Now().UTC()

	// alice only possesses "chat", but tries to invite with "mcp/request" too.
	possesses := func(c pattern.Capability) bool {
		return c.Kind == "chat"
	}
	caps := []pattern.Capability{{Kind: "chat"}, {Kind: "mcp/request"}}

	if _, _, err := m.Issue("space-1", "alice", "", caps, possesses, now); err != ErrCapabilityEscalation {
		t.Fatalf("expected ErrCapabilityEscalation, got %v", err)
	}
}
