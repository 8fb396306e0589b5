package pattern

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rjcorwin/mew-gateway/shared/envelope"
)

// Envelope is an alias of the wire struct envelope.Envelope, the value the
// matcher evaluates.
type Envelope = envelope.Envelope

// Matches decides whether env satisfies c's pattern (spec §4.1). It never
// panics on malformed envelope payloads: a shape mismatch is simply false.
func Matches(c *Compiled, env Envelope) bool {
	if c == nil {
		return false
	}
	if !c.kindMatch(env.Kind) {
		return false
	}
	if c.Cap.Payload == nil {
		return true
	}

	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return false
		}
	}

	st := &matchState{root: env.Payload}
	return st.matchValue(c.Cap.Payload, payload)
}

type matchState struct {
	root json.RawMessage
}

func (st *matchState) matchValue(pattern, value any) bool {
	switch p := pattern.(type) {
	case map[string]any:
		obj, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for k, sub := range p {
			switch {
			case k == "*":
				if !st.matchAnyKey(obj, sub) {
					return false
				}
			case k == "**":
				if !st.matchAnyDescendant(value, sub) {
					return false
				}
			case strings.HasPrefix(k, "$"):
				if !st.matchJSONPath(k, sub) {
					return false
				}
			default:
				v, present := obj[k]
				if !present || !st.matchValue(sub, v) {
					return false
				}
			}
		}
		return true

	case []any:
		for _, lit := range p {
			if literalEqual(lit, value) {
				return true
			}
		}
		return false

	case string:
		s, ok := value.(string)
		if !ok {
			return false
		}
		matcher, err := compileStringMatcher(p)
		if err != nil {
			return false
		}
		return matcher(s)

	case float64:
		v, ok := value.(float64)
		return ok && v == p

	case bool:
		v, ok := value.(bool)
		return ok && v == p

	case nil:
		return value == nil

	default:
		return false
	}
}

// matchAnyKey implements "*" as an object key: the wildcard matches any
// single direct child whose value satisfies sub (spec §4.1/§3.2).
func (st *matchState) matchAnyKey(obj map[string]any, sub any) bool {
	for _, v := range obj {
		if st.matchValue(sub, v) {
			return true
		}
	}
	return false
}

// matchAnyDescendant implements "**": it checks value itself and every
// nested value beneath it, short-circuiting true on the first match
// (spec §3.2/§4.1).
func (st *matchState) matchAnyDescendant(value, sub any) bool {
	if st.matchValue(sub, value) {
		return true
	}
	switch v := value.(type) {
	case map[string]any:
		for _, vv := range v {
			if st.matchAnyDescendant(vv, sub) {
				return true
			}
		}
	case []any:
		for _, vv := range v {
			if st.matchAnyDescendant(vv, sub) {
				return true
			}
		}
	}
	return false
}

// matchJSONPath implements a "$…" pattern key: the path is evaluated
// against the envelope's raw payload (from the root, not the current
// traversal position) and the match is existential over any results
// (spec §3.2, §4.1 step 2).
func (st *matchState) matchJSONPath(key string, sub any) bool {
	path := strings.TrimPrefix(key, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" || len(st.root) == 0 {
		return false
	}

	res := gjson.GetBytes(st.root, path)
	if !res.Exists() {
		return false
	}

	if res.IsArray() {
		matched := false
		res.ForEach(func(_, v gjson.Result) bool {
			if st.matchValue(sub, v.Value()) {
				matched = true
				return false
			}
			return true
		})
		return matched
	}

	return st.matchValue(sub, res.Value())
}

func literalEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return false
	}
}
