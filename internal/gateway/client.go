package gateway

import (
	"sync"

	"github.com/rjcorwin/mew-gateway/shared/envelope"
)

// Participant represents one connected WebSocket session bound to an
// authenticated identity (spec §3.3).
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Participant struct {
	ID string

	Send chan envelope.Envelope

	// Overflow is signalled once (non-blocking) when a fan-out attempt
	// finds Send full; the Connection Manager watches it to enforce spec
	// §5's backpressure-disconnect policy (WS close 1013).
	Overflow chan struct{}

	// Kick is signalled once (non-blocking) when a capable participant
	// sends space/kick naming this participant; the Connection Manager
	// watches it to force-close the connection (spec §3.3 "destroyed on
	// disconnect or space/kick").
	Kick chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewParticipant constructs a Participant with a bounded send queue (spec §5
// backpressure: default 1000 envelopes, enforced by the caller via
// sendQueueSize).
func NewParticipant(id string, sendQueueSize int) *Participant {
	if sendQueueSize <= 0 {
		sendQueueSize = 1000
	}
	return &Participant{
		ID:       id,
		Send:     make(chan envelope.Envelope, sendQueueSize),
		Overflow: make(chan struct{}, 1),
		Kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SignalOverflow marks the participant for a backpressure disconnect. Safe
// to call more than once; only the first signal is observed.
func (p *Participant) SignalOverflow() {
	select {
	case p.Overflow <- struct{}{}:
	default:
	}
}

// SignalKick marks the participant for a space/kick disconnect. Safe to
// call more than once; only the first signal is observed.
func (p *Participant) SignalKick() {
	select {
	case p.Kick <- struct{}{}:
	default:
	}
}

// Done returns a channel that is closed when the participant is shutting down.
func (p *Participant) Done() <-chan struct{} {
	if p == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.done
}

// Close signals the participant's goroutines to stop (idempotent). It does
// NOT close Send to keep concurrent fan-out safe.
func (p *Participant) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		close(p.done)
	})
}
