// Package proposal tracks the mcp/proposal lifecycle: open, withdrawn,
// rejected, fulfilled (spec §4.4). It observes envelopes as the router
// forwards them and never blocks the router on its own I/O.
package proposal

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// State is one point in a proposal's lifecycle. All states but Open are
// terminal: once reached, further transitions for the same id are ignored.
type State string

const (
	Open      State = "open"
	Withdrawn State = "withdrawn"
	Rejected  State = "rejected"
	Fulfilled State = "fulfilled"
)

// Record is the tracked state of one mcp/proposal envelope.
type Record struct {
	ID        string
	Proposer  string
	Recipient []string
	State     State
}

const (
	defaultOpenCapacity   = 10_000
	defaultClosedCapacity = 100_000
)

// Tracker holds proposal records bounded by two LRU caches (open and
// closed) so long-running spaces cannot accumulate unbounded memory from
// proposals nobody ever resolves (spec §4.4).
type Tracker struct {
	mu     sync.Mutex
	open   *lru.Cache[string, *Record]
	closed *lru.Cache[string, *Record]
}

// NewTracker constructs a Tracker with the given open/closed capacities. A
// capacity of 0 uses the spec's default (10,000 open / 100,000 closed).
func NewTracker(openCapacity, closedCapacity int) (*Tracker, error) {
	if openCapacity <= 0 {
		openCapacity = defaultOpenCapacity
	}
	if closedCapacity <= 0 {
		closedCapacity = defaultClosedCapacity
	}
	open, err := lru.New[string, *Record](openCapacity)
	if err != nil {
		return nil, err
	}
	closed, err := lru.New[string, *Record](closedCapacity)
	if err != nil {
		return nil, err
	}
	return &Tracker{open: open, closed: closed}, nil
}

// Propose opens a new proposal record. Evicting an older open proposal from
// the LRU under memory pressure is acceptable per spec §4.4: its eventual
// withdraw/reject/fulfill simply has no side-effect. The router ignores the
// false result and does not log such envelopes as uncorrelated.
func (t *Tracker) Propose(id, proposer string, recipient []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open.Get(id); ok {
		return
	}
	if _, ok := t.closed.Get(id); ok {
		return
	}
	t.open.Add(id, &Record{ID: id, Proposer: proposer, Recipient: recipient, State: Open})
}

// Withdraw transitions id to Withdrawn if from matches the original
// proposer and the proposal is still open. Reports whether the transition
// happened.
func (t *Tracker) Withdraw(id, from string) bool {
	return t.transition(id, Withdrawn, func(r *Record) bool { return r.Proposer == from })
}

// Reject transitions id to Rejected regardless of who rejects it — spec
// §4.4 allows "any capable participant" to reject (the capability check
// for mcp/reject itself happens upstream in the Router).
func (t *Tracker) Reject(id string) bool {
	return t.transition(id, Rejected, nil)
}

// Fulfill transitions id to Fulfilled. Callers must have already verified
// the fulfilling participant holds the capability the proposal requested
// (spec §4.4) before calling this.
func (t *Tracker) Fulfill(id string) bool {
	return t.transition(id, Fulfilled, nil)
}

// transition moves an open record to a terminal state if guard passes (or
// guard is nil). Moves the record from the open cache to the closed cache.
// Returns false if the id was not open (already terminal, evicted, or
// unknown) or the guard rejected the transition.
func (t *Tracker) transition(id string, to State, guard func(*Record) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.open.Get(id)
	if !ok {
		return false
	}
	if guard != nil && !guard(rec) {
		return false
	}

	t.open.Remove(id)
	moved := &Record{ID: rec.ID, Proposer: rec.Proposer, Recipient: rec.Recipient, State: to}
	t.closed.Add(id, moved)
	return true
}

// Lookup returns the current record for id, checking the open cache first,
// then the closed cache. The second return value is false if id is unknown
// (including previously-evicted ids).
func (t *Tracker) Lookup(id string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.open.Get(id); ok {
		return rec, true
	}
	if rec, ok := t.closed.Get(id); ok {
		return rec, true
	}
	return nil, false
}

// IsOpen reports whether id is currently tracked in the open state.
func (t *Tracker) IsOpen(id string) bool {
	rec, ok := t.Lookup(id)
	return ok && rec.State == Open
}

// WithdrawAllByProposer transitions every currently open proposal authored
// by proposer to Withdrawn, used by the Connection Manager on disconnect
// (spec §4.5 "terminate any open proposals authored by this participant
// with state withdrawn"). Returns the ids withdrawn.
func (t *Tracker) WithdrawAllByProposer(proposer string) []string {
	t.mu.Lock()
	keys := t.open.Keys()
	t.mu.Unlock()

	var withdrawn []string
	for _, id := range keys {
		if t.Withdraw(id, proposer) {
			withdrawn = append(withdrawn, id)
		}
	}
	return withdrawn
}
