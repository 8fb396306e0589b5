package gateway

import (
	"log/slog"
	"sync"

	"github.com/rjcorwin/mew-gateway/shared/envelope"
)

// Space is an in-memory participant-membership and broadcast-fanout
// primitive for one named space (spec §3.3, §4.5, §5).
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast/Unicast.
// - Fan-out never blocks the router: a full recipient queue is reported back
//   to the caller as an overflow rather than silently dropped, so the
//   Connection Manager can enforce spec §5's backpressure-disconnect policy
//   (WS close 1013) instead of quietly losing frames.
type Space struct {
	log *slog.Logger
	ID  string

	mu      sync.RWMutex
	members map[string]*Participant
}

// NewSpace constructs a Space.
func NewSpace(log *slog.Logger, id string) *Space {
	return &Space{log: log, ID: id, members: make(map[string]*Participant)}
}

// Join adds a participant to membership.
func (s *Space) Join(p *Participant) {
	if s == nil || p == nil || p.ID == "" {
		return
	}

	s.mu.Lock()
	s.members[p.ID] = p
	s.mu.Unlock()

	s.log.Info("space.member.join", "space_id", s.ID, "participant_id", p.ID)
}

// Leave removes a participant from membership and signals shutdown for it.
func (s *Space) Leave(participantID string) {
	if s == nil || participantID == "" {
		return
	}

	var p *Participant

	s.mu.Lock()
	p = s.members[participantID]
	delete(s.members, participantID)
	s.mu.Unlock()

	// Signal shutdown after removing from membership, so a concurrent
	// broadcaster never holds a pointer past the point membership changed.
	if p != nil {
		p.Close()
	}

	s.log.Info("space.member.leave", "space_id", s.ID, "participant_id", participantID)
}

// Kick signals the named participant's connection to close (spec §3.3
// "destroyed on disconnect or space/kick"). Returns false if the
// participant is not currently joined — the caller logs that as
// undeliverable rather than treating it as an error.
func (s *Space) Kick(participantID string) bool {
	if s == nil {
		return false
	}

	s.mu.RLock()
	p, ok := s.members[participantID]
	s.mu.RUnlock()

	if !ok || p == nil {
		return false
	}
	p.SignalKick()
	return true
}

// Members returns a snapshot of currently joined participant ids, used for
// system/welcome's participant list.
func (s *Space) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	return out
}

// Broadcast fans env out to every member except the sender (spec §4.6 "the
// gateway never echoes the envelope back to its sender"). Returns the ids of
// members whose send queue was full (overflow) for the caller to act on.
func (s *Space) Broadcast(env envelope.Envelope, exceptID string) (overflowed []string) {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, m := range s.members {
		if id == exceptID || m == nil {
			continue
		}
		if !trySend(m, env) {
			overflowed = append(overflowed, id)
		}
	}
	return overflowed
}

// Unicast delivers env to exactly the participant ids in to, present or not.
// Ids not currently joined are reported in undeliverable (spec §4.6
// "silently drop names not currently connected ... but log as
// undeliverable"); ids whose queue was full are reported in overflowed.
func (s *Space) Unicast(env envelope.Envelope, to []string) (overflowed, undeliverable []string) {
	if s == nil {
		return nil, to
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range to {
		m, ok := s.members[id]
		if !ok || m == nil {
			undeliverable = append(undeliverable, id)
			continue
		}
		if !trySend(m, env) {
			overflowed = append(overflowed, id)
		}
	}
	return overflowed, undeliverable
}

// trySend is a non-blocking send that also treats an already-shutting-down
// participant as undeliverable rather than racing its teardown.
func trySend(p *Participant, env envelope.Envelope) bool {
	select {
	case <-p.Done():
		return false
	default:
	}

	select {
	case p.Send <- env:
		return true
	default:
		p.SignalOverflow()
		return false
	}
}
