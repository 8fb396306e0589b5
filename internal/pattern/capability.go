// Package pattern implements the MEW capability pattern matcher: the pure
// decision engine that decides whether a participant may send a given
// envelope (spec §4.1). It holds no connection or registry state — callers
// own the participant's capability set and call Matches per capability.
package pattern

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Capability is a declarative pattern describing a shape envelopes must
// match (spec §3.2). Payload, when present, decodes to the same shapes
// JSON/YAML unmarshalling into `any` produces: map[string]any, []any,
// string, float64, bool, or nil.
type Capability struct {
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`
	Kind    string `json:"kind" yaml:"kind"`
	Payload any    `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// PayloadEqual reports whether two payload pattern trees are structurally
// identical, independent of any enclosing Capability.
func PayloadEqual(a, b any) bool {
	return structuralEqualAny(a, b)
}

// MatchesKind reports whether kind satisfies c's compiled kind pattern in
// isolation (no payload check) — used by the capability registry's
// delegation rule to test whether a granter's pattern is broad enough to
// cover a narrower kind it is about to delegate.
func (c *Compiled) MatchesKind(kind string) bool {
	return c.kindMatch(kind)
}

// StructuralEqual reports whether two capabilities describe the same
// pattern, ignoring ID — grants dedupe structural duplicates (spec §3.2),
// and revokes may target a capability "by exact structural match".
func StructuralEqual(a, b Capability) bool {
	return a.Kind == b.Kind && structuralEqualAny(a.Payload, b.Payload)
}

func structuralEqualAny(a, b any) bool {
	ab, err1 := json.Marshal(canonicalize(a))
	bb, err2 := json.Marshal(canonicalize(b))
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}

// canonicalize produces a deterministic representation for structural
// comparison: map keys sorted (encoding/json already sorts map[string]any
// keys on Marshal), nested structures recursed into unchanged otherwise.
func canonicalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = canonicalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = canonicalize(vv)
		}
		return out
	default:
		return x
	}
}

// Compiled is a Capability with its kind matcher validated and ready to
// evaluate. Compilation failures (malformed glob/regex) are fatal
// configuration errors raised here, at load time, never during Matches.
type Compiled struct {
	Cap     Capability
	Negated bool

	kindMatch func(string) bool
}

// Compile validates a Capability's kind pattern and every string leaf in
// its payload pattern, returning a Compiled ready for repeated evaluation.
func Compile(cap Capability) (*Compiled, error) {
	kindPattern := cap.Kind
	negated := strings.HasPrefix(kindPattern, "!")
	if negated {
		kindPattern = kindPattern[1:]
	}
	if strings.TrimSpace(kindPattern) == "" {
		return nil, errors.New("pattern: capability kind is empty")
	}

	matcher, err := compileStringMatcher(kindPattern)
	if err != nil {
		return nil, fmt.Errorf("pattern: invalid kind %q: %w", cap.Kind, err)
	}

	if err := validatePatternTree(cap.Payload); err != nil {
		return nil, fmt.Errorf("pattern: invalid payload for kind %q: %w", cap.Kind, err)
	}

	return &Compiled{Cap: cap, Negated: negated, kindMatch: matcher}, nil
}

// validatePatternTree walks a payload pattern and pre-compiles (and caches)
// every string leaf's glob/regex form, surfacing malformed patterns eagerly.
func validatePatternTree(pattern any) error {
	switch p := pattern.(type) {
	case map[string]any:
		for k, v := range p {
			if strings.HasPrefix(k, "$") {
				// The key itself is a JSONPath expression, not a pattern to
				// compile; only its value is a pattern.
				if err := validatePatternTree(v); err != nil {
					return err
				}
				continue
			}
			if err := validatePatternTree(v); err != nil {
				return err
			}
		}
		return nil
	case []any:
		// Arrays denote a set of acceptable literals: no glob/regex compilation.
		return nil
	case string:
		_, err := compileStringMatcher(p)
		return err
	default:
		return nil
	}
}
