package proposal

import "testing"

func TestProposeThenFulfillTerminal(t *testing.T) {
	t.Parallel()

	tr, err := NewTracker(0, 0)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	tr.Propose("P1", "proposer", []string{"calculator"})
	if !tr.IsOpen("P1") {
		t.Fatalf("expected P1 to be open")
	}

	if !tr.Fulfill("P1") {
		t.Fatalf("expected fulfill to succeed")
	}
	rec, ok := tr.Lookup("P1")
	if !ok || rec.State != Fulfilled {
		t.Fatalf("expected P1 fulfilled, got %+v ok=%v", rec, ok)
	}

	// Terminal: a second transition is ignored.
	if tr.Withdraw("P1", "proposer") {
		t.Fatalf("expected withdraw after fulfill to be a no-op")
	}
	rec, _ = tr.Lookup("P1")
	if rec.State != Fulfilled {
		t.Fatalf("expected state to remain fulfilled, got %s", rec.State)
	}
}

func TestWithdrawRequiresMatchingProposer(t *testing.T) {
	t.Parallel()

	tr, err := NewTracker(0, 0)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	tr.Propose("P1", "proposer", nil)
	if tr.Withdraw("P1", "someone-else") {
		t.Fatalf("expected withdraw from a non-proposer to fail")
	}
	if !tr.IsOpen("P1") {
		t.Fatalf("expected P1 to remain open after a rejected withdraw attempt")
	}
	if !tr.Withdraw("P1", "proposer") {
		t.Fatalf("expected withdraw from the original proposer to succeed")
	}
}

func TestRejectByAnyParticipant(t *testing.T) {
	t.Parallel()

	tr, err := NewTracker(0, 0)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	tr.Propose("P1", "proposer", nil)
	if !tr.Reject("P1") {
		t.Fatalf("expected reject to succeed")
	}
	rec, _ := tr.Lookup("P1")
	if rec.State != Rejected {
		t.Fatalf("expected rejected state, got %s", rec.State)
	}
}

func TestLookupUnknownID(t *testing.T) {
	t.Parallel()

	tr, err := NewTracker(0, 0)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if _, ok := tr.Lookup("never-seen"); ok {
		t.Fatalf("expected unknown id to be not-ok")
	}
}

func TestWithdrawAllByProposer(t *testing.T) {
	t.Parallel()

	tr, err := NewTracker(0, 0)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	tr.Propose("P1", "alice", nil)
	tr.Propose("P2", "alice", nil)
	tr.Propose("P3", "bob", nil)

	withdrawn := tr.WithdrawAllByProposer("alice")
	if len(withdrawn) != 2 {
		t.Fatalf("expected 2 proposals withdrawn, got %d (%v)", len(withdrawn), withdrawn)
	}

	rec, ok := tr.Lookup("P1")
	if !ok || rec.State != Withdrawn {
		t.Fatalf("expected P1 withdrawn, got %+v ok=%v", rec, ok)
	}
	rec, ok = tr.Lookup("P2")
	if !ok || rec.State != Withdrawn {
		t.Fatalf("expected P2 withdrawn, got %+v ok=%v", rec, ok)
	}
	if !tr.IsOpen("P3") {
		t.Fatalf("expected bob's proposal to remain open")
	}

	// Calling again with nothing left open is a no-op, not an error.
	if withdrawn := tr.WithdrawAllByProposer("alice"); len(withdrawn) != 0 {
		t.Fatalf("expected no further withdrawals, got %v", withdrawn)
	}
}

func TestSmallOpenCapacityEvicts(t *testing.T) {
	t.Parallel()

	tr, err := NewTracker(1, 1)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tr.Propose("P1", "proposer", nil)
	tr.Propose("P2", "proposer", nil)

	// P1 should have been evicted by the size-1 open cache.
	if _, ok := tr.Lookup("P1"); ok {
		t.Fatalf("expected P1 to be evicted")
	}
	if !tr.IsOpen("P2") {
		t.Fatalf("expected P2 to remain open")
	}
}
