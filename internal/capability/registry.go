package capability

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rjcorwin/mew-gateway/internal/pattern"
	"github.com/rjcorwin/mew-gateway/shared/envelope"
)

// ErrUnknownParticipant is returned when an operation targets a participant
// the registry has no set for.
var ErrUnknownParticipant = errors.New("capability: unknown participant")

// ErrDelegationViolation is returned by Grant when the granter does not
// itself possess the capability it is trying to grant (spec §4.3, §7
// delegation_violation).
var ErrDelegationViolation = errors.New("capability: delegation violation")

// ErrSystemCapability is returned when a caller attempts to grant (or
// load) a capability in the reserved system/* namespace (spec §4.3
// invariant).
var ErrSystemCapability = errors.New("capability: system/* capabilities cannot be granted")

// Decision is the result of Check: either an allow (with the capability id
// that matched, if any) or a deny with the reason the router reports back
// to the sender.
type Decision struct {
	Allowed            bool
	MatchedCapabilityID string
	YourCapabilities   []pattern.Capability
}

// Registry holds every connected participant's capability set and applies
// grant/revoke mutations (spec §4.3). All mutations are serialized by mu's
// write lock; Check holds the read lock for its whole scan, so concurrent
// checks run side by side and none observes a half-applied grant or revoke.
type Registry struct {
	mu   sync.RWMutex
	sets map[string]*Set
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sets: make(map[string]*Set)}
}

// Load installs a participant's initial capability set at join time (spec
// §4.3 "load(participant, initial_caps)").
func (r *Registry) Load(participant string, initial []pattern.Capability) error {
	for _, c := range initial {
		if envelope.IsSystemKind(strings.TrimPrefix(c.Kind, "!")) {
			return fmt.Errorf("%w: participant=%s kind=%s", ErrSystemCapability, participant, c.Kind)
		}
	}
	set, err := NewSet(initial)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[participant] = set
	return nil
}

// Drop removes a participant's capability set entirely (on disconnect).
func (r *Registry) Drop(participant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sets, participant)
}

// Check decides whether participant may send env (spec §4.3 "check()").
// Short-circuits on the first allow match when the set holds no deny
// (negated) capabilities; otherwise performs a full scan, per spec §4.1
// Performance.
func (r *Registry) Check(participant string, env envelope.Envelope) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.sets[participant]
	if !ok {
		return Decision{Allowed: false}
	}

	for _, d := range set.deny {
		if pattern.Matches(d, env) {
			return Decision{Allowed: false, YourCapabilities: set.Snapshot()}
		}
	}

	for _, a := range set.allow {
		if pattern.Matches(a, env) {
			return Decision{Allowed: true, MatchedCapabilityID: a.Cap.ID}
		}
	}

	return Decision{Allowed: false, YourCapabilities: set.Snapshot()}
}

// CheckResponse decides whether participant may send an mcp/response
// envelope that correlates to a request request was directly addressed by
// (spec §9 Open Question 1): a participant may always respond to a request
// it was asked to handle, even without an explicit mcp/response capability,
// as long as the response's correlation_id references that request and the
// response is addressed back only to the request's sender. Any other
// mcp/response falls through to the ordinary capability check.
func (r *Registry) CheckResponse(participant string, env envelope.Envelope, request envelope.Envelope) Decision {
	if env.Kind == envelope.KindMCPResponse &&
		request.Kind == envelope.KindMCPRequest &&
		request.AddressedTo(participant) &&
		env.ReferencesID(request.ID) &&
		len(env.To) == 1 && env.To[0] == request.From {
		return Decision{Allowed: true}
	}
	return r.Check(participant, env)
}

// Snapshot returns an immutable copy of a participant's current
// capabilities, used for system/welcome and deny-error payloads (spec
// §4.3 "snapshot for audits").
func (r *Registry) Snapshot(participant string) ([]pattern.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[participant]
	if !ok {
		return nil, ErrUnknownParticipant
	}
	return set.Snapshot(), nil
}

// Covers reports whether participant's own capability set is broad enough
// to cover cap, without mutating anything. Its shape fits the possesses
// callback of invite.Manager.Issue, which refuses an invite broader than
// its issuer's own capabilities (spec §3.2/§4.3 delegation rule, applied
// before a grant exists).
func (r *Registry) Covers(participant string, cap pattern.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.sets[participant]
	if !ok {
		return false
	}
	return set.covers(cap)
}

// Grant appends capabilities to recipient's set on granter's behalf,
// enforcing the delegation rule and the system-namespace invariant (spec
// §4.3). It is atomic: either every capability in caps is granted, or none
// are (the first delegation violation aborts the whole call).
func (r *Registry) Grant(granter, recipient string, caps []pattern.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	granterSet, ok := r.sets[granter]
	if !ok {
		return fmt.Errorf("%w: granter=%s", ErrUnknownParticipant, granter)
	}
	recipientSet, ok := r.sets[recipient]
	if !ok {
		return fmt.Errorf("%w: recipient=%s", ErrUnknownParticipant, recipient)
	}

	for _, c := range caps {
		if envelope.IsSystemKind(strings.TrimPrefix(c.Kind, "!")) {
			return fmt.Errorf("%w: kind=%s", ErrSystemCapability, c.Kind)
		}
		if !granterSet.covers(c) {
			return fmt.Errorf("%w: granter=%s lacks kind=%s", ErrDelegationViolation, granter, c.Kind)
		}
		if _, err := pattern.Compile(c); err != nil {
			return err
		}
	}

	for _, c := range caps {
		if err := recipientSet.add(c); err != nil {
			return err
		}
	}
	return nil
}

// RevokeByID removes every capability with the given id from recipient's
// set. Returns the number of capabilities removed.
func (r *Registry) RevokeByID(recipient, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[recipient]
	if !ok {
		return 0, fmt.Errorf("%w: recipient=%s", ErrUnknownParticipant, recipient)
	}
	return set.removeByID(id), nil
}

// RevokeByPattern removes every capability structurally equal to target
// from recipient's set. Returns the number of capabilities removed.
func (r *Registry) RevokeByPattern(recipient string, target pattern.Capability) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sets[recipient]
	if !ok {
		return 0, fmt.Errorf("%w: recipient=%s", ErrUnknownParticipant, recipient)
	}
	return set.removeByPattern(target), nil
}
