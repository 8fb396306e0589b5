package pattern

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// regexCache holds compiled regexes keyed by their source (glob-translated
// or raw literal), shared across all capabilities in the process. Patterns
// are immutable once compiled, so concurrent reads from many connections'
// capability checks are safe (spec §4.1 Performance, §5 "Pattern Matcher
// holds only immutable compiled patterns; its caches are per-capability and
// safe to share").
var regexCache sync.Map // map[string]*regexp.Regexp

// compileStringMatcher builds a matcher function for one pattern string,
// dispatching between an exact-match glob translation and a `/…/` regex
// literal. It is the single place kind- and leaf-value-pattern compilation
// happens, so both forms share one cache and one failure path.
func compileStringMatcher(pattern string) (func(string) bool, error) {
	if inner, ok := regexLiteral(pattern); ok {
		// Unanchored: a `/…/` literal is a search, not a full-string match —
		// spec.md §8 Scenario F's {"**":"/dangerous/"} must match a payload
		// string that merely *contains* "/dangerous/" (e.g. "potential
		// /dangerous/ command"), not only a string equal to it. Callers that
		// want full-string semantics write their own `^`/`$` into inner, as
		// the kind-pattern tests do.
		re, err := cachedRegexCompile("re:"+inner, inner)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", inner, err)
		}
		return re.MatchString, nil
	}

	if !strings.ContainsAny(pattern, "*") {
		literal := pattern
		return func(s string) bool { return s == literal }, nil
	}

	// A bare "*" has no segment delimiter to be scoped within, so it
	// degenerates to the same "match anything, any number of segments"
	// behavior as "**" — this is what spec.md §8 Scenario B's unrestricted
	// admin capability ({kind:"*"}) and the capability example {kind:"*"}
	// require: a standalone wildcard must cover multi-segment kinds like
	// "mcp/request", not just slash-free ones like "chat".
	if pattern == "*" {
		return func(string) bool { return true }, nil
	}

	re, err := cachedRegexCompile("glob:"+pattern, globToRegex(pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
	}
	return re.MatchString, nil
}

// regexLiteral reports whether s is a `/…/`-wrapped regex literal and
// returns its inner expression.
func regexLiteral(s string) (string, bool) {
	if len(s) >= 2 && s[0] == '/' && s[len(s)-1] == '/' {
		return s[1 : len(s)-1], true
	}
	return "", false
}

// globToRegex translates a MEW glob ("*" within a "/"-delimited segment,
// "**" across segments) into an anchored regex source.
func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}
	b.WriteString("$")
	return b.String()
}

func cachedRegexCompile(cacheKey, source string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(cacheKey); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(source)
	if err != nil {
		return nil, err
	}
	actual, _ := regexCache.LoadOrStore(cacheKey, re)
	return actual.(*regexp.Regexp), nil
}
