// Package capability holds per-participant capability sets and applies
// grant/revoke mutations against them (spec §4.3).
package capability

import (
	"strings"

	"github.com/rjcorwin/mew-gateway/internal/pattern"
)

// Set is an unordered collection of compiled capability patterns for one
// participant, split by polarity so Check can apply spec §3.2's rule in one
// pass: "allowed iff at least one capability matches AND no negation in the
// set matches it".
type Set struct {
	allow []*pattern.Compiled
	deny  []*pattern.Compiled
}

// NewSet compiles a list of raw capabilities, returning an error on the
// first malformed pattern (fatal configuration error, spec §4.1).
func NewSet(caps []pattern.Capability) (*Set, error) {
	s := &Set{}
	for _, cap := range caps {
		if err := s.add(cap); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// add compiles and appends cap, deduping structural duplicates within the
// same polarity bucket (spec §3.2 "duplicates deduped by structural
// equality").
func (s *Set) add(cap pattern.Capability) error {
	compiled, err := pattern.Compile(cap)
	if err != nil {
		return err
	}

	bucket := &s.allow
	if compiled.Negated {
		bucket = &s.deny
	}
	for _, existing := range *bucket {
		if pattern.StructuralEqual(existing.Cap, compiled.Cap) {
			return nil
		}
	}
	*bucket = append(*bucket, compiled)
	return nil
}

// Snapshot returns an immutable copy of the raw capabilities in this set,
// safe to embed in audit records or a system/welcome payload without
// exposing internal compiled state (spec §4.3 "snapshot for audits").
func (s *Set) Snapshot() []pattern.Capability {
	out := make([]pattern.Capability, 0, len(s.allow)+len(s.deny))
	for _, c := range s.allow {
		out = append(out, c.Cap)
	}
	for _, c := range s.deny {
		out = append(out, c.Cap)
	}
	return out
}

// removeByID removes every capability (either polarity) whose ID equals id.
// Reports how many were removed.
func (s *Set) removeByID(id string) int {
	removed := 0
	s.allow, removed = filterOutID(s.allow, id, removed)
	s.deny, removed = filterOutID(s.deny, id, removed)
	return removed
}

func filterOutID(list []*pattern.Compiled, id string, removed int) ([]*pattern.Compiled, int) {
	kept := list[:0]
	for _, c := range list {
		if c.Cap.ID != "" && c.Cap.ID == id {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	return kept, removed
}

// removeByPattern removes every capability whose raw pattern is
// structurally equal to target, in either polarity bucket.
func (s *Set) removeByPattern(target pattern.Capability) int {
	removed := 0
	s.allow, removed = filterOutPattern(s.allow, target, removed)
	s.deny, removed = filterOutPattern(s.deny, target, removed)
	return removed
}

func filterOutPattern(list []*pattern.Compiled, target pattern.Capability, removed int) ([]*pattern.Compiled, int) {
	kept := list[:0]
	for _, c := range list {
		if pattern.StructuralEqual(c.Cap, target) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	return kept, removed
}

// covers reports whether this set's existing grants are broad enough to
// cover cap — the delegation rule's "possession" test (spec §4.3: "MUST
// refuse to grant any capability the granter does not itself possess").
//
// Full pattern-containment between two arbitrary glob/JSONPath shapes is
// not decidable in general, so this applies a practical approximation: a
// granter capability covers cap if its kind pattern would match cap's kind
// (literal kinds are tested directly against the granter's compiled
// matcher; pattern-shaped kinds fall back to an exact or full-wildcard
// check) and its payload restriction is either absent or structurally
// identical to cap's. This is exact for the common cases (an unrestricted
// or wildcard-kind granter delegating a narrower capability) and
// conservative otherwise.
// Covers exports covers for callers outside this package that need to test
// possession without performing a grant (such as a possesses callback for
// invite.Manager.Issue).
func (s *Set) Covers(cap pattern.Capability) bool {
	return s.covers(cap)
}

func (s *Set) covers(cap pattern.Capability) bool {
	for _, c := range s.allow {
		if !kindCovers(c, cap.Kind) {
			continue
		}
		if c.Cap.Payload == nil || pattern.PayloadEqual(c.Cap.Payload, cap.Payload) {
			return true
		}
	}
	return false
}

func kindCovers(granter *pattern.Compiled, candidateKind string) bool {
	if !isPatternShaped(candidateKind) {
		return granter.MatchesKind(candidateKind)
	}
	return granter.Cap.Kind == candidateKind || granter.Cap.Kind == "*" || granter.Cap.Kind == "**"
}

func isPatternShaped(kind string) bool {
	if strings.ContainsAny(kind, "*") {
		return true
	}
	if len(kind) >= 2 && kind[0] == '/' && kind[len(kind)-1] == '/' {
		return true
	}
	return strings.HasPrefix(kind, "!")
}
