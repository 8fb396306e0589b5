package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rjcorwin/mew-gateway/internal/audit"
	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/metrics"
	"github.com/rjcorwin/mew-gateway/internal/proposal"
	secpassword "github.com/rjcorwin/mew-gateway/internal/secpassword"
	"github.com/rjcorwin/mew-gateway/internal/spaceconfig"
	"github.com/rjcorwin/mew-gateway/shared/envelope"
)

const testSpaceYAML = `
space:
  id: test-space
  name: Test Space
participants:
  alice:
    tokens: ["alice-token"]
    capabilities:
      - kind: "chat"
      - kind: "mcp/request"
  bob:
    tokens: ["bob-token"]
    capabilities:
      - kind: "chat"
  admin:
    tokens: ["admin-token"]
    capabilities:
      - kind: "*"
`

func newTestConnectionManager(t *testing.T) *ConnectionManager {
	t.Helper()

	cfg, err := spaceconfig.Parse([]byte(testSpaceYAML))
	if err != nil {
		t.Fatalf("spaceconfig.Parse: %v", err)
	}

	hashPol, err := secpassword.FromEnv()
	if err != nil {
		t.Fatalf("secpassword.FromEnv: %v", err)
	}
	authn := spaceconfig.NewAuthenticator(cfg, hashPol)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	auditor, err := audit.NewWriter(dir, 0, log)
	if err != nil {
		t.Fatalf("audit.NewWriter: %v", err)
	}
	t.Cleanup(func() { _ = auditor.Close() })

	reg := capability.NewRegistry()
	tracker, err := proposal.NewTracker(0, 0)
	if err != nil {
		t.Fatalf("proposal.NewTracker: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())

	space := NewSpace(log, cfg.SpaceID)
	router := NewRouter(space, reg, tracker, auditor, m)

	return NewConnectionManager(
		log,
		cfg.SpaceID,
		space,
		authn,
		nil,
		reg,
		tracker,
		router,
		m,
		auditor,
		50*time.Millisecond,
		16,
		0,
	)
}

func startGatewayTestServer(t *testing.T, cm *ConnectionManager) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", cm.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialGateway(t *testing.T, baseURL, bearer string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(bearer) != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
		HTTPHeader:   h,
	})
}

func writeTestEnvelope(t *testing.T, conn *websocket.Conn, env envelope.Envelope) {
	t.Helper()
	if env.Protocol == "" {
		env.Protocol = envelope.Protocol
	}
	if env.TS == "" {
		env.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilKind(t *testing.T, conn *websocket.Conn, kind string, maxReads int) envelope.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env envelope.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Kind == kind {
			return env
		}
	}
	t.Fatalf("did not receive envelope kind %q", kind)
	return envelope.Envelope{}
}

func rawPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}

func TestHandleWS_UnauthorizedRejected(t *testing.T) {
	cm := newTestConnectionManager(t)
	ts := startGatewayTestServer(t, cm)

	conn, resp, err := dialGateway(t, ts.URL, "not-a-real-token")
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("expected the upgrade to succeed before the policy close, got err=%v", err)
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected close 1008 for an unknown token, got err=%v", err)
	}
}

func TestHandleWS_JoinSendsWelcomeAndPresence(t *testing.T) {
	cm := newTestConnectionManager(t)
	ts := startGatewayTestServer(t, cm)

	alice, resp, err := dialGateway(t, ts.URL, "alice-token")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	defer alice.Close(websocket.StatusNormalClosure, "bye")

	welcome := readUntilKind(t, alice, envelope.KindSystemWelcome, 3)
	var welcomePayload struct {
		You struct {
			ID string `json:"id"`
		} `json:"you"`
	}
	if err := json.Unmarshal(welcome.Payload, &welcomePayload); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if welcomePayload.You.ID != "alice" {
		t.Fatalf("expected welcome you.id=alice, got %q", welcomePayload.You.ID)
	}

	bob, resp, err := dialGateway(t, ts.URL, "bob-token")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	defer bob.Close(websocket.StatusNormalClosure, "bye")

	presence := readUntilKind(t, alice, envelope.KindSystemPresence, 3)
	var presPayload struct {
		Event         string `json:"event"`
		ParticipantID string `json:"participant_id"`
	}
	if err := json.Unmarshal(presence.Payload, &presPayload); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if presPayload.Event != "join" || presPayload.ParticipantID != "bob" {
		t.Fatalf("expected join presence for bob, got %+v", presPayload)
	}
}

func TestHandleWS_CapabilityViolationReturnsSystemError(t *testing.T) {
	cm := newTestConnectionManager(t)
	ts := startGatewayTestServer(t, cm)

	bob, resp, err := dialGateway(t, ts.URL, "bob-token")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	defer bob.Close(websocket.StatusNormalClosure, "bye")

	_ = readUntilKind(t, bob, envelope.KindSystemWelcome, 3)

	// bob only has "chat"; mcp/request should be denied.
	writeTestEnvelope(t, bob, envelope.Envelope{
		ID:      "req-1",
		From:    "bob",
		Kind:    envelope.KindMCPRequest,
		Payload: rawPayload(t, map[string]any{"method": "tools/call"}),
	})

	errEnv := readUntilKind(t, bob, envelope.KindSystemError, 3)
	var errPayload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(errEnv.Payload, &errPayload); err != nil {
		t.Fatalf("decode system/error: %v", err)
	}
	if errPayload.Error != "capability_violation" {
		t.Fatalf("expected capability_violation, got %q", errPayload.Error)
	}
}

func TestHandleWS_SystemNamespaceOriginationRejected(t *testing.T) {
	cm := newTestConnectionManager(t)
	ts := startGatewayTestServer(t, cm)

	alice, resp, err := dialGateway(t, ts.URL, "alice-token")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	defer alice.Close(websocket.StatusNormalClosure, "bye")

	_ = readUntilKind(t, alice, envelope.KindSystemWelcome, 3)

	writeTestEnvelope(t, alice, envelope.Envelope{
		ID:      "sneaky-1",
		From:    "alice",
		Kind:    envelope.KindSystemWelcome,
		Payload: rawPayload(t, map[string]any{}),
	})

	errEnv := readUntilKind(t, alice, envelope.KindSystemError, 3)
	var errPayload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(errEnv.Payload, &errPayload); err != nil {
		t.Fatalf("decode system/error: %v", err)
	}
	if errPayload.Error != "system_namespace_violation" {
		t.Fatalf("expected system_namespace_violation, got %q", errPayload.Error)
	}
}

func TestHandleWS_ChatBroadcastDelivered(t *testing.T) {
	cm := newTestConnectionManager(t)
	ts := startGatewayTestServer(t, cm)

	alice, resp, err := dialGateway(t, ts.URL, "alice-token")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("alice dial: %v", err)
	}
	defer alice.Close(websocket.StatusNormalClosure, "bye")
	_ = readUntilKind(t, alice, envelope.KindSystemWelcome, 3)

	bob, resp, err := dialGateway(t, ts.URL, "bob-token")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	defer bob.Close(websocket.StatusNormalClosure, "bye")
	_ = readUntilKind(t, bob, envelope.KindSystemWelcome, 3)
	_ = readUntilKind(t, alice, envelope.KindSystemPresence, 3)

	writeTestEnvelope(t, alice, envelope.Envelope{
		ID:      "chat-1",
		From:    "alice",
		Kind:    envelope.KindChat,
		Payload: rawPayload(t, map[string]any{"text": "hello space"}),
	})

	got := readUntilKind(t, bob, envelope.KindChat, 3)
	if got.From != "alice" || got.ID != "chat-1" {
		t.Fatalf("expected broadcast chat from alice id=chat-1, got %+v", got)
	}
}

// TestHandleWS_SpaceKickDisconnectsTarget exercises spec §3.3's "destroyed
// on disconnect or space/kick" lifecycle rule: an admin sending space/kick
// naming bob must force bob's connection closed and broadcast a leave
// presence event.
func TestHandleWS_SpaceKickDisconnectsTarget(t *testing.T) {
	cm := newTestConnectionManager(t)
	ts := startGatewayTestServer(t, cm)

	bob, resp, err := dialGateway(t, ts.URL, "bob-token")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("bob dial: %v", err)
	}
	defer bob.Close(websocket.StatusNormalClosure, "bye")
	_ = readUntilKind(t, bob, envelope.KindSystemWelcome, 3)

	admin, resp, err := dialGateway(t, ts.URL, "admin-token")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("admin dial: %v", err)
	}
	defer admin.Close(websocket.StatusNormalClosure, "bye")
	_ = readUntilKind(t, admin, envelope.KindSystemWelcome, 3)
	_ = readUntilKind(t, bob, envelope.KindSystemPresence, 3) // admin's join

	writeTestEnvelope(t, admin, envelope.Envelope{
		ID:      "kick-1",
		From:    "admin",
		To:      []string{"bob"},
		Kind:    envelope.KindSpaceKick,
		Payload: rawPayload(t, map[string]any{"recipient": "bob"}),
	})

	leave := readUntilKind(t, admin, envelope.KindSystemPresence, 3)
	var presPayload struct {
		Event         string `json:"event"`
		ParticipantID string `json:"participant_id"`
	}
	if err := json.Unmarshal(leave.Payload, &presPayload); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if presPayload.Event != "leave" || presPayload.ParticipantID != "bob" {
		t.Fatalf("expected leave presence for bob, got %+v", presPayload)
	}

	// bob's connection must close after being kicked; it may first observe
	// the space/kick envelope itself (delivered like any other routed
	// envelope) before the close races in, so allow a couple of reads.
	closed := false
	for i := 0; i < 3 && !closed; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _, err := bob.Read(ctx)
		cancel()
		if err != nil {
			closed = true
		}
	}
	if !closed {
		t.Fatalf("expected bob's connection to be closed after kick")
	}
}
