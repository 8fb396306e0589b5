package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rjcorwin/mew-gateway/internal/audit"
	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/invite"
	"github.com/rjcorwin/mew-gateway/internal/metrics"
	"github.com/rjcorwin/mew-gateway/internal/pattern"
	"github.com/rjcorwin/mew-gateway/internal/proposal"
	"github.com/rjcorwin/mew-gateway/internal/spaceconfig"
	token "github.com/rjcorwin/mew-gateway/internal/sectoken"
	"github.com/rjcorwin/mew-gateway/shared/envelope"
)

// wsSubprotocol is negotiated over Sec-WebSocket-Protocol (SPEC_FULL.md §6
// "/ws upgrade subprotocol"); a client that does not offer it is still
// accepted, since the "protocol" field inside each envelope is the
// authoritative version tag, not the WS subprotocol.
const wsSubprotocol = "mew.v0_4"

// systemFrom is the "from" identity the Connection Manager stamps on every
// gateway-originated envelope (system/welcome, system/presence,
// system/error). Spec §3.1 only forbids participants from originating
// system/* kinds; it does not mandate a specific sender id for the
// gateway's own envelopes.
const systemFrom = "gateway"

// ConnectionManager implements spec §4.5: WebSocket acceptance,
// authentication against the Space Config Loader (or a redeemed invite
// token), heartbeat, presence broadcast, and the steady-state read loop
// that feeds every envelope into the Router.
type ConnectionManager struct {
	log *slog.Logger

	spaceID string
	space   *Space
	authn   *spaceconfig.Authenticator
	invites invite.Manager // nil disables invite-token join

	registry *capability.Registry
	tracker  *proposal.Tracker
	router   *Router
	metrics  *metrics.Metrics
	auditor  *audit.Writer

	heartbeatInterval time.Duration
	sendQueueSize     int
	maxFrameBytes     int
}

// NewConnectionManager constructs a ConnectionManager for a single space.
// invites may be nil, in which case only static space-config tokens are
// accepted at join.
func NewConnectionManager(
	log *slog.Logger,
	spaceID string,
	space *Space,
	authn *spaceconfig.Authenticator,
	invites invite.Manager,
	registry *capability.Registry,
	tracker *proposal.Tracker,
	router *Router,
	m *metrics.Metrics,
	auditor *audit.Writer,
	heartbeatInterval time.Duration,
	sendQueueSize int,
	maxFrameBytes int,
) *ConnectionManager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	return &ConnectionManager{
		log:               log,
		spaceID:           spaceID,
		space:             space,
		authn:             authn,
		invites:           invites,
		registry:          registry,
		tracker:           tracker,
		router:            router,
		metrics:           m,
		auditor:           auditor,
		heartbeatInterval: heartbeatInterval,
		sendQueueSize:     sendQueueSize,
		maxFrameBytes:     maxFrameBytes,
	}
}

// HandleWS implements spec §4.5 join / steady-state / leave for GET
// /ws?space=<name>.
func (cm *ConnectionManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	spaceParam := r.URL.Query().Get("space")
	if spaceParam != "" && spaceParam != cm.spaceID {
		http.Error(w, "unknown space", http.StatusNotFound)
		return
	}

	participantID, caps, ok := cm.authenticate(r)
	if !ok {
		if cm.auditor != nil {
			cm.auditor.WriteFailedAuth(token.FingerprintHex(bearerToken(r)))
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:       []string{wsSubprotocol},
			InsecureSkipVerify: true,
		})
		if err != nil {
			cm.log.Error("ws.accept.fail", "err", err)
			return
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
		// Authorization here is a bearer token the client must deliberately
		// attach, not an ambient cookie, so the browser same-origin check
		// coder/websocket otherwise enforces protects against a threat this
		// gateway does not have.
		InsecureSkipVerify: true,
	})
	if err != nil {
		cm.log.Error("ws.accept.fail", "err", err)
		return
	}
	conn.SetReadLimit(int64(cm.maxFrameBytes) + 4096)

	if err := cm.registry.Load(participantID, caps); err != nil {
		cm.log.Info("ws.join.reject", "participant_id", participantID, "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "capability load failed")
		return
	}

	participant := NewParticipant(participantID, cm.sendQueueSize)
	cm.space.Join(participant)
	if cm.metrics != nil {
		cm.metrics.ActiveConnections.Inc()
	}

	cm.log.Info("ws.join", "space_id", cm.spaceID, "participant_id", participantID, "subprotocol", conn.Subprotocol())

	cm.sendWelcome(participant)
	cm.broadcastPresence(participantID, "join")

	limiter := NewRateLimiter(rateLimitEvents, rateLimitWindow)

	ctx, cancel := context.WithCancel(r.Context())
	var closeOnce sync.Once
	shutdown := func(status websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			_ = conn.Close(status, reason)
			cancel()
		})
	}
	defer shutdown(websocket.StatusNormalClosure, "bye")

	writerDone := make(chan struct{})
	go cm.writeLoop(ctx, conn, participant, shutdown, writerDone)

	heartbeatDone := make(chan struct{})
	go cm.heartbeatLoop(ctx, conn, participant, shutdown, heartbeatDone)

	cm.readLoop(ctx, conn, participant, limiter, shutdown)

	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(2 * time.Second):
	}

	cm.space.Leave(participantID)
	cm.registry.Drop(participantID)
	withdrawn := cm.tracker.WithdrawAllByProposer(participantID)
	if cm.metrics != nil {
		cm.metrics.ActiveConnections.Dec()
		cm.metrics.ProposalsWithdrawn.Add(float64(len(withdrawn)))
	}
	cm.broadcastPresence(participantID, "leave")
	cm.log.Info("ws.leave", "space_id", cm.spaceID, "participant_id", participantID)
}

// authenticate extracts a bearer token from the Authorization header or a
// "token" query parameter and resolves it against the static space config
// first, then (if configured) against the Invite Service (SPEC_FULL.md
// §4.5 "Invite-token join"). Delegation is already enforced at invite-issue
// time, so a successfully redeemed invite's capabilities are trusted here.
func (cm *ConnectionManager) authenticate(r *http.Request) (participantID string, caps []pattern.Capability, ok bool) {
	token := bearerToken(r)
	if token == "" {
		return "", nil, false
	}

	if id, c, ok := cm.authn.Authenticate(token); ok {
		return id, c, true
	}

	if cm.invites == nil {
		return "", nil, false
	}

	claims, err := cm.invites.Redeem(token, time.Now().UTC())
	if err != nil {
		return "", nil, false
	}
	if claims.SpaceID != "" && claims.SpaceID != cm.spaceID {
		return "", nil, false
	}

	id := claims.ParticipantID
	if id == "" {
		id = "guest-" + NewULID()
	}
	return id, claims.Capabilities, true
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, found := strings.CutPrefix(auth, "Bearer "); found {
			return strings.TrimSpace(rest)
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return ""
}

func (cm *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, participant *Participant, limiter *RateLimiter, shutdown func(websocket.StatusCode, string)) {
	for {
		frame, err := readFrame(ctx, conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose, readErrConnClosed:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			default:
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		if !limiter.Allow(time.Now()) {
			cm.log.Info("ws.rate_limit.disconnect", "participant_id", participant.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limit exceeded")
			return
		}

		env, perr := envelope.Parse(frame, cm.maxFrameBytes)
		if perr != nil {
			if errors.Is(perr, envelope.ErrTooLarge) {
				cm.sendError(participant, "", "", "payload_too_large", "envelope exceeds size ceiling", nil)
			} else {
				cm.sendError(participant, "", "", "invalid_envelope", perr.Error(), nil)
			}
			continue
		}

		if verr := env.Validate(); verr != nil {
			cm.sendError(participant, env.ID, env.Kind, "invalid_envelope", verr.Error(), nil)
			continue
		}

		denial, allowed := cm.router.Route(participant.ID, env)
		if !allowed {
			cm.sendError(participant, env.ID, env.Kind, denial.Class, denial.Detail, denial.YourCapabilities)
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (cm *ConnectionManager) writeLoop(ctx context.Context, conn *websocket.Conn, participant *Participant, shutdown func(websocket.StatusCode, string), done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-participant.Overflow:
			if cm.metrics != nil {
				cm.metrics.BackpressureDisconnects.Inc()
			}
			cm.log.Info("ws.backpressure.disconnect", "participant_id", participant.ID)
			shutdown(websocket.StatusCode(1013), "backpressure")
			return
		case <-participant.Kick:
			cm.log.Info("ws.kick.disconnect", "participant_id", participant.ID)
			shutdown(websocket.StatusNormalClosure, "kicked")
			return
		case env, ok := <-participant.Send:
			if !ok {
				return
			}
			if err := writeFrame(ctx, conn, env, heartbeatWriteTimeout); err != nil {
				cm.log.Info("ws.write.fail", "participant_id", participant.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (cm *ConnectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn, participant *Participant, shutdown func(websocket.StatusCode, string), done chan struct{}) {
	defer close(done)

	t := time.NewTicker(cm.heartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*cm.heartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				cm.log.Info("ws.heartbeat.timeout", "participant_id", participant.ID, "err", err)
				shutdown(websocket.StatusInternalError, "heartbeat timeout")
				return
			}
		}
	}
}

// sendWelcome implements spec §4.5 join step 4: system/welcome addressed
// only to the joiner, carrying its own id/capabilities and the current
// member list.
func (cm *ConnectionManager) sendWelcome(participant *Participant) {
	caps, _ := cm.registry.Snapshot(participant.ID)
	payload := struct {
		You struct {
			ID           string                `json:"id"`
			Capabilities []pattern.Capability  `json:"capabilities"`
		} `json:"you"`
		Participants []string `json:"participants"`
	}{
		Participants: cm.space.Members(),
	}
	payload.You.ID = participant.ID
	payload.You.Capabilities = caps

	env, err := cm.systemEnvelope(envelope.KindSystemWelcome, []string{participant.ID}, nil, payload)
	if err != nil {
		cm.log.Error("ws.welcome.marshal.fail", "err", err)
		return
	}
	trySend(participant, env)
	cm.auditDelivered(env, []string{participant.ID})
}

// broadcastPresence implements spec §4.5 join step 5 / leave "broadcast
// system/presence event: leave".
func (cm *ConnectionManager) broadcastPresence(participantID, event string) {
	payload := struct {
		Event         string `json:"event"`
		ParticipantID string `json:"participant_id"`
	}{Event: event, ParticipantID: participantID}

	env, err := cm.systemEnvelope(envelope.KindSystemPresence, nil, nil, payload)
	if err != nil {
		cm.log.Error("ws.presence.marshal.fail", "err", err)
		return
	}
	cm.space.Broadcast(env, participantID)

	recipients := make([]string, 0, len(cm.space.Members()))
	for _, id := range cm.space.Members() {
		if id != participantID {
			recipients = append(recipients, id)
		}
	}
	cm.auditDelivered(env, recipients)
}

// sendError implements spec §7: a system/error addressed to the sender
// only, correlated to the offending envelope id when known.
func (cm *ConnectionManager) sendError(participant *Participant, offendingID, attemptedKind, class, detail string, yourCaps []pattern.Capability) {
	var corr []string
	if offendingID != "" {
		corr = []string{offendingID}
	}

	payload := struct {
		Error            string                `json:"error"`
		AttemptedKind    string                `json:"attempted_kind,omitempty"`
		Detail           string                `json:"detail,omitempty"`
		YourCapabilities []pattern.Capability  `json:"your_capabilities,omitempty"`
	}{
		Error:            class,
		AttemptedKind:    attemptedKind,
		Detail:           detail,
		YourCapabilities: yourCaps,
	}

	env, err := cm.systemEnvelope(envelope.KindSystemError, []string{participant.ID}, corr, payload)
	if err != nil {
		cm.log.Error("ws.error.marshal.fail", "err", err)
		return
	}
	trySend(participant, env)
	cm.auditDelivered(env, []string{participant.ID})
}

// auditDelivered records a gateway-originated system/* envelope in
// envelope-history.jsonl (spec §4.7: every envelope delivered to a
// participant is audited, not only those passing through Router.Route —
// system/* envelopes are simply never routed through a capability check
// or capability-decision log entry, per spec §7 "Error envelopes
// themselves are never routed through capability checks and are never
// logged under capability-decisions").
func (cm *ConnectionManager) auditDelivered(env envelope.Envelope, participants []string) {
	cm.auditor.WriteEnvelopeHistory(audit.EnvelopeHistoryRecord{
		Event: "delivered",
		Envelope: audit.EnvelopeSummary{
			ID:            env.ID,
			From:          env.From,
			To:            env.To,
			Kind:          env.Kind,
			CorrelationID: env.CorrelationID,
		},
		Participants: participants,
	})
}

func (cm *ConnectionManager) systemEnvelope(kind string, to, corr []string, payload any) (envelope.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Envelope{
		Protocol:      envelope.Protocol,
		ID:            NewULID(),
		TS:            time.Now().UTC().Format(time.RFC3339Nano),
		From:          systemFrom,
		To:            to,
		Kind:          kind,
		CorrelationID: corr,
		Payload:       b,
	}, nil
}

// ---- frame I/O ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, env envelope.Envelope, d time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, d)
	defer cancel()
	b, err := envelope.Serialize(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) {
		return readErrConnClosed
	}
	s := err.Error()
	if strings.Contains(s, "use of closed network connection") || strings.Contains(s, "broken pipe") {
		return readErrConnClosed
	}
	return readErrUnknown
}
