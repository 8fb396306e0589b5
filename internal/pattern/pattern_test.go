package pattern

import (
	"encoding/json"
	"testing"

	"github.com/rjcorwin/mew-gateway/shared/envelope"
)

func mustCompile(t *testing.T, cap Capability) *Compiled {
	t.Helper()
	c, err := Compile(cap)
	if err != nil {
		t.Fatalf("Compile(%+v): %v", cap, err)
	}
	return c
}

func env(kind string, payload string) envelope.Envelope {
	return envelope.Envelope{
		Protocol: envelope.Protocol,
		ID:       "id-1",
		TS:       "2026-07-31T00:00:00Z",
		From:     "alice",
		Kind:     kind,
		Payload:  json.RawMessage(payload),
	}
}

func TestExactKind(t *testing.T) {
	t.Parallel()
	c := mustCompile(t, Capability{Kind: "chat"})
	if !Matches(c, env("chat", "{}")) {
		t.Fatalf("expected chat to match")
	}
	if Matches(c, env("mcp/request", "{}")) {
		t.Fatalf("expected mcp/request to not match")
	}
}

func TestGlobKind(t *testing.T) {
	t.Parallel()
	c := mustCompile(t, Capability{Kind: "mcp/*"})
	if !Matches(c, env("mcp/request", "{}")) {
		t.Fatalf("expected mcp/request to match mcp/*")
	}
	if Matches(c, env("mcp/request/extra", "{}")) {
		t.Fatalf("single * must not cross /")
	}

	deep := mustCompile(t, Capability{Kind: "mcp/**"})
	if !Matches(deep, env("mcp/request/extra", "{}")) {
		t.Fatalf("** should cross /")
	}
}

// TestBareWildcardKindMatchesEverything mirrors spec.md §8 Scenario B: an
// admin holding only {kind:"*"} must be unrestricted, covering multi-
// segment kinds like mcp/request, not just slash-free ones like chat.
func TestBareWildcardKindMatchesEverything(t *testing.T) {
	t.Parallel()
	c := mustCompile(t, Capability{Kind: "*"})
	if !Matches(c, env("chat", "{}")) {
		t.Fatalf("expected bare * to match chat")
	}
	if !Matches(c, env("mcp/request", "{}")) {
		t.Fatalf("expected bare * to match mcp/request")
	}
	if !Matches(c, env("mcp/request/extra", "{}")) {
		t.Fatalf("expected bare * to match even deeply nested kinds")
	}
}

func TestRegexKind(t *testing.T) {
	t.Parallel()
	c := mustCompile(t, Capability{Kind: "/^reasoning\\/.+/"})
	if !Matches(c, env("reasoning/thought", "{}")) {
		t.Fatalf("expected regex kind to match")
	}
	if Matches(c, env("chat", "{}")) {
		t.Fatalf("expected regex kind to not match chat")
	}
}

func TestNegatedKind(t *testing.T) {
	t.Parallel()
	c := mustCompile(t, Capability{Kind: "!system/*"})
	if Matches(c, env("system/welcome", "{}")) {
		t.Fatalf("negated pattern should not match the negated shape")
	}
	if !Matches(c, env("chat", "{}")) {
		t.Fatalf("negated pattern should match anything else")
	}
	if !c.Negated {
		t.Fatalf("expected Negated to be true")
	}
}

// TestScenarioFPatternFidelity mirrors spec.md §8 Scenario F.
func TestScenarioFPatternFidelity(t *testing.T) {
	t.Parallel()

	toolCap := mustCompile(t, Capability{
		Kind: "mcp/request",
		Payload: map[string]any{
			"method": "tools/call",
			"params": map[string]any{"name": "read_*"},
		},
	})

	readEnv := env("mcp/request", `{"method":"tools/call","params":{"name":"read_file"}}`)
	if !Matches(toolCap, readEnv) {
		t.Fatalf("expected read_file to be allowed")
	}

	writeEnv := env("mcp/request", `{"method":"tools/call","params":{"name":"write_file"}}`)
	if Matches(toolCap, writeEnv) {
		t.Fatalf("expected write_file to be denied")
	}

	deepCap := mustCompile(t, Capability{
		Kind:    "mcp/proposal",
		Payload: map[string]any{"**": "/dangerous/"},
	})

	dangerous := env("mcp/proposal", `{"a":{"b":"potential /dangerous/ command"}}`)
	if !Matches(deepCap, dangerous) {
		t.Fatalf("expected nested dangerous string to match **")
	}

	benign := env("mcp/proposal", `{"a":{"b":"all clear"}}`)
	if Matches(deepCap, benign) {
		t.Fatalf("expected benign payload to not match **")
	}
}

func TestWildcardKeyAndLiteralList(t *testing.T) {
	t.Parallel()

	anyKeyCap := mustCompile(t, Capability{
		Kind:    "chat",
		Payload: map[string]any{"*": "hello"},
	})
	if !Matches(anyKeyCap, env("chat", `{"greeting":"hello"}`)) {
		t.Fatalf("expected wildcard key to match")
	}
	if Matches(anyKeyCap, env("chat", `{"greeting":"goodbye"}`)) {
		t.Fatalf("expected wildcard key mismatch to fail")
	}

	listCap := mustCompile(t, Capability{
		Kind:    "mcp/request",
		Payload: map[string]any{"method": []any{"tools/list", "tools/call"}},
	})
	if !Matches(listCap, env("mcp/request", `{"method":"tools/list"}`)) {
		t.Fatalf("expected literal list match")
	}
	if Matches(listCap, env("mcp/request", `{"method":"tools/delete"}`)) {
		t.Fatalf("expected literal list mismatch")
	}
}

func TestJSONPathKey(t *testing.T) {
	t.Parallel()

	c := mustCompile(t, Capability{
		Kind:    "mcp/request",
		Payload: map[string]any{"$params.name": "read_*"},
	})
	if !Matches(c, env("mcp/request", `{"params":{"name":"read_file"}}`)) {
		t.Fatalf("expected JSONPath key to match")
	}
	if Matches(c, env("mcp/request", `{"params":{"name":"write_file"}}`)) {
		t.Fatalf("expected JSONPath key mismatch to fail")
	}
}

func TestMalformedPayloadNeverPanics(t *testing.T) {
	t.Parallel()

	c := mustCompile(t, Capability{Kind: "chat", Payload: map[string]any{"text": "hi"}})
	malformed := env("chat", `not json`)

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Matches panicked on malformed payload: %v", r)
		}
	}()
	if Matches(c, malformed) {
		t.Fatalf("expected malformed payload to not match")
	}
}

func TestCompileRejectsMalformedRegex(t *testing.T) {
	t.Parallel()
	if _, err := Compile(Capability{Kind: "/[/"}); err == nil {
		t.Fatalf("expected malformed regex to fail at compile time")
	}
}

func TestStructuralEqual(t *testing.T) {
	t.Parallel()

	a := Capability{ID: "G1", Kind: "chat", Payload: map[string]any{"x": "y"}}
	b := Capability{ID: "G2", Kind: "chat", Payload: map[string]any{"x": "y"}}
	c := Capability{ID: "G3", Kind: "chat", Payload: map[string]any{"x": "z"}}

	if !StructuralEqual(a, b) {
		t.Fatalf("expected a and b to be structurally equal (ID must not matter)")
	}
	if StructuralEqual(a, c) {
		t.Fatalf("expected a and c to differ")
	}
}
