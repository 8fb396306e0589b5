package invite

import (
	"encoding/json"
	"sync"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"github.com/rjcorwin/mew-gateway/internal/pattern"
)

// Claims is the identity and capability grant carried by a pending invite.
type Claims struct {
	InviteID string
	SpaceID  string
	Inviter  string
	// ParticipantID, when non-empty, pins the joining participant to a
	// specific id; when empty the gateway assigns a generated
	// "guest-<ULID>" id at redemption.
	ParticipantID string
	Capabilities  []pattern.Capability
	ExpiresAt     time.Time
	IssuedAt      time.Time
	Issuer        string
}

// Manager issues and redeems single-use PASETO v4.public invite tokens.
type Manager interface {
	// Issue mints an invite token scoped to caps, refusing to mint one
	// that would grant the inviter capabilities it does not itself
	// possess (spec §3.2's delegation rule, applied at invite time).
	// possesses, when non-nil, reports whether the inviter's own
	// capability set covers a given capability; callers pass nil to skip
	// the check (e.g. an admin-issued invite with no possessing identity).
	Issue(spaceID, inviter, participantID string, caps []pattern.Capability, possesses func(pattern.Capability) bool, now time.Time) (token string, exp time.Time, err error)
	// Redeem verifies and consumes a token. A token may only be redeemed
	// once; a second call with the same invite ID returns ErrAlreadyRedeemed.
	Redeem(token string, now time.Time) (Claims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey

	mu       sync.Mutex
	redeemed map[string]struct{}
}

// NewPasetoV4PublicManager builds a Manager based on PASETO v4.public.
//
// It uses an Ed25519 asymmetric keypair and enforces issuer and expiration
// rules. Clock skew is applied during verification via ValidAt to tolerate
// minor clock differences. Redeemed invite IDs are tracked in memory for
// the lifetime of the process; a restarted gateway relies on the token's
// own expiration to bound replay, not on the redeemed set surviving.
func NewPasetoV4PublicManager(cfg Config) (Manager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}

	public := secret.Public()

	return &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.TokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    public,
		redeemed:  make(map[string]struct{}),
	}, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(spaceID, inviter, participantID string, caps []pattern.Capability, possesses func(pattern.Capability) bool, now time.Time) (string, time.Time, error) {
	if possesses != nil {
		for _, c := range caps {
			if !possesses(c) {
				return "", time.Time{}, ErrCapabilityEscalation
			}
		}
	}

	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return "", time.Time{}, ErrInvalidInput
	}

	inviteID := newInviteID()
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("jti", inviteID)
	_ = tok.Set("space", spaceID)
	_ = tok.Set("inviter", inviter)
	_ = tok.Set("pid", participantID)
	_ = tok.Set("caps", string(capsJSON))

	signed := tok.V4Sign(m.secret, nil)
	return signed, exp, nil
}

func (m *pasetoV4PublicManager) Redeem(token string, now time.Time) (Claims, error) {
	// Clock-skew tolerance: validate slightly in the future so "nbf" does
	// not fail when clocks differ.
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	jti, err := parsed.GetString("jti")
	if err != nil || jti == "" {
		return Claims{}, ErrInvalidToken
	}

	m.mu.Lock()
	if _, used := m.redeemed[jti]; used {
		m.mu.Unlock()
		return Claims{}, ErrAlreadyRedeemed
	}
	m.redeemed[jti] = struct{}{}
	m.mu.Unlock()

	spaceID, _ := parsed.GetString("space")
	inviter, _ := parsed.GetString("inviter")
	participantID, _ := parsed.GetString("pid")

	capsJSON, err := parsed.GetString("caps")
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var caps []pattern.Capability
	if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
		return Claims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return Claims{
		InviteID:      jti,
		SpaceID:       spaceID,
		Inviter:       inviter,
		ParticipantID: participantID,
		Capabilities:  caps,
		ExpiresAt:     exp,
		IssuedAt:      iat,
		Issuer:        iss,
	}, nil
}
