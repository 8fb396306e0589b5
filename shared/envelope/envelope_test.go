package envelope

import (
	"encoding/json"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() Envelope {
		return Envelope{
			Protocol: Protocol,
			ID:       "01ARZ3NDEKTSV4RRFFQ69G5FAV",
			TS:       "2026-07-31T00:00:00Z",
			From:     "alice",
			Kind:     KindChat,
			Payload:  json.RawMessage(`{"text":"hi"}`),
		}
	}

	cases := []struct {
		name    string
		mutate  func(Envelope) Envelope
		wantErr bool
	}{
		{name: "valid", mutate: func(e Envelope) Envelope { return e }, wantErr: false},
		{name: "missing protocol", mutate: func(e Envelope) Envelope { e.Protocol = ""; return e }, wantErr: true},
		{name: "missing id", mutate: func(e Envelope) Envelope { e.ID = ""; return e }, wantErr: true},
		{name: "missing ts", mutate: func(e Envelope) Envelope { e.TS = ""; return e }, wantErr: true},
		{name: "missing kind", mutate: func(e Envelope) Envelope { e.Kind = ""; return e }, wantErr: true},
		{name: "unknown kind", mutate: func(e Envelope) Envelope { e.Kind = "bogus/thing"; return e }, wantErr: true},
		{name: "missing payload", mutate: func(e Envelope) Envelope { e.Payload = nil; return e }, wantErr: true},
		{name: "payload not object", mutate: func(e Envelope) Envelope { e.Payload = json.RawMessage(`"str"`); return e }, wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.mutate(base()).Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestIsSystemKind(t *testing.T) {
	t.Parallel()

	if !IsSystemKind(KindSystemWelcome) {
		t.Fatalf("expected %q to be a system kind", KindSystemWelcome)
	}
	if IsSystemKind(KindChat) {
		t.Fatalf("expected %q to not be a system kind", KindChat)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	env := Envelope{
		Protocol:      Protocol,
		ID:            "id-1",
		TS:            "2026-07-31T00:00:00Z",
		From:          "alice",
		To:            []string{"bob"},
		Kind:          KindMCPRequest,
		CorrelationID: []string{"id-0"},
		Context:       "thread/a",
		Payload:       json.RawMessage(`{"method":"tools/call"}`),
	}

	b, err := Serialize(env)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := Parse(b, 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	b2, err := Serialize(got)
	if err != nil {
		t.Fatalf("Serialize(round-tripped): %v", err)
	}

	if string(b) != string(b2) {
		t.Fatalf("round-trip not byte-identical:\n first=%s\nsecond=%s", b, b2)
	}
}

func TestParseTooLarge(t *testing.T) {
	t.Parallel()

	frame := make([]byte, 10)
	if _, err := Parse(frame, 4); err != ErrTooLarge {
		t.Fatalf("Parse() err=%v want=%v", err, ErrTooLarge)
	}
}

func TestAddressedToAndReferencesID(t *testing.T) {
	t.Parallel()

	env := Envelope{To: []string{"bob", "carol"}, CorrelationID: []string{"req-1"}}
	if !env.AddressedTo("bob") {
		t.Fatalf("expected bob to be addressed")
	}
	if env.AddressedTo("dave") {
		t.Fatalf("expected dave to not be addressed")
	}
	if !env.ReferencesID("req-1") {
		t.Fatalf("expected correlation match")
	}
	if env.ReferencesID("req-2") {
		t.Fatalf("expected no correlation match")
	}
	if !(Envelope{}).IsBroadcast() {
		t.Fatalf("expected empty To to be a broadcast")
	}
}
