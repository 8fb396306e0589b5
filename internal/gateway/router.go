package gateway

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rjcorwin/mew-gateway/internal/audit"
	"github.com/rjcorwin/mew-gateway/internal/capability"
	"github.com/rjcorwin/mew-gateway/internal/metrics"
	"github.com/rjcorwin/mew-gateway/internal/pattern"
	"github.com/rjcorwin/mew-gateway/internal/proposal"
	"github.com/rjcorwin/mew-gateway/shared/envelope"
)

// pendingRequest is the minimal shape of a recently forwarded mcp/request
// kept around so a later mcp/response can be evaluated against Open
// Question 1's implicit allowance (spec §9, capability.Registry.CheckResponse)
// and so spec §3.1's "gateway's recent-id set" invariant has a concrete
// backing store.
type pendingRequest struct {
	ID   string
	From string
	To   []string
}

const recentRequestCapacity = 10_000

// Router implements the single inbound-envelope pipeline spec §4.6
// describes: identity rewrite, system-namespace guard, capability check,
// side-effect hooks, fan-out, dual audit.
type Router struct {
	space    *Space
	registry *capability.Registry
	tracker  *proposal.Tracker
	auditor  *audit.Writer
	metrics  *metrics.Metrics

	recent *lru.Cache[string, pendingRequest]
}

// NewRouter constructs a Router for one space.
func NewRouter(space *Space, registry *capability.Registry, tracker *proposal.Tracker, auditor *audit.Writer, m *metrics.Metrics) *Router {
	recent, _ := lru.New[string, pendingRequest](recentRequestCapacity)
	return &Router{
		space:    space,
		registry: registry,
		tracker:  tracker,
		auditor:  auditor,
		metrics:  m,
		recent:   recent,
	}
}

// grantPayload is the payload shape of a capability/grant envelope.
type grantPayload struct {
	Recipient    string                `json:"recipient"`
	Capabilities []pattern.Capability  `json:"capabilities"`
}

type revokePayload struct {
	Recipient  string              `json:"recipient"`
	GrantID    string              `json:"grant_id,omitempty"`
	Capability *pattern.Capability `json:"capability,omitempty"`
}

type kickPayload struct {
	Recipient string `json:"recipient"`
}

// Denial describes why Route refused to forward an envelope, carried back
// to the Connection Manager so it can build a system/error reply (spec
// §4.6.3, §7).
type Denial struct {
	Class              string
	Detail             string
	YourCapabilities   []pattern.Capability
}

// Route runs one envelope through the full pipeline. from is the
// authenticated identity of the sending connection (never the client-
// supplied env.From, which Route overwrites per spec §4.6 step 1).
// On success it returns (nil, true). On refusal it returns the Denial and
// false; the caller is responsible for turning that into a system/error
// envelope addressed back to the sender.
func (r *Router) Route(from string, env envelope.Envelope) (*Denial, bool) {
	env.From = from

	if envelope.IsSystemKind(env.Kind) {
		return &Denial{Class: "system_namespace_violation", Detail: "participants may not originate system/* kinds"}, false
	}

	decision := r.check(from, env)
	if !decision.Allowed {
		r.auditor.WriteCapabilityDecision(audit.CapabilityDecisionRecord{
			EnvelopeID:  env.ID,
			Participant: from,
			Result:      "denied",
		})
		if r.metrics != nil {
			r.metrics.EnvelopesDenied.Inc()
		}
		return &Denial{
			Class:            "capability_violation",
			Detail:           "no capability matched this envelope",
			YourCapabilities: decision.YourCapabilities,
		}, false
	}
	r.auditor.WriteCapabilityDecision(audit.CapabilityDecisionRecord{
		EnvelopeID:          env.ID,
		Participant:         from,
		Result:              "allowed",
		MatchedCapabilityID: decision.MatchedCapabilityID,
	})

	// Side-effect hooks, in order: Proposal Tracker, then Capability
	// Registry (spec §4.6 step 4).
	r.applyProposalEffects(from, env)
	if err := r.applyCapabilityEffects(from, env); err != nil {
		return &Denial{Class: "delegation_violation", Detail: err.Error()}, false
	}
	r.applyMembershipEffects(env)

	if env.Kind == envelope.KindMCPRequest {
		r.recent.Add(env.ID, pendingRequest{ID: env.ID, From: env.From, To: env.To})
	}

	r.fanOut(env)

	if r.metrics != nil {
		r.metrics.EnvelopesRouted.WithLabelValues(env.Kind).Inc()
	}
	return nil, true
}

// check applies the ordinary capability decision, special-casing
// mcp/response against the recent-request set for Open Question 1.
func (r *Router) check(from string, env envelope.Envelope) capability.Decision {
	if env.Kind == envelope.KindMCPResponse {
		for _, cid := range env.CorrelationID {
			pr, ok := r.recent.Get(cid)
			if !ok {
				continue
			}
			req := envelope.Envelope{ID: pr.ID, Kind: envelope.KindMCPRequest, From: pr.From, To: pr.To}
			if d := r.registry.CheckResponse(from, env, req); d.Allowed {
				return d
			}
		}
	}
	return r.registry.Check(from, env)
}

// applyProposalEffects drives the Proposal Tracker's state machine off the
// envelope kinds that mutate it (spec §4.4).
func (r *Router) applyProposalEffects(from string, env envelope.Envelope) {
	switch env.Kind {
	case envelope.KindMCPProposal:
		r.tracker.Propose(env.ID, from, env.To)
		if r.metrics != nil {
			r.metrics.ProposalsOpened.Inc()
		}
	case envelope.KindMCPWithdraw:
		for _, id := range env.CorrelationID {
			if r.tracker.Withdraw(id, from) && r.metrics != nil {
				r.metrics.ProposalsWithdrawn.Inc()
			}
		}
	case envelope.KindMCPReject:
		for _, id := range env.CorrelationID {
			if r.tracker.Reject(id) && r.metrics != nil {
				r.metrics.ProposalsRejected.Inc()
			}
		}
	case envelope.KindMCPRequest:
		// A request whose correlation_id names an open proposal fulfills
		// it — this envelope already passed the capability check above,
		// which is the "currently holding the capability the proposal
		// payload would have required" test spec §4.4 asks for.
		for _, id := range env.CorrelationID {
			if r.tracker.IsOpen(id) && r.tracker.Fulfill(id) && r.metrics != nil {
				r.metrics.ProposalsFulfilled.Inc()
			}
		}
	}
}

// applyCapabilityEffects applies capability/grant and capability/revoke
// mutations to the recipient's set (spec §4.3, §4.6 step 4).
func (r *Router) applyCapabilityEffects(from string, env envelope.Envelope) error {
	switch env.Kind {
	case envelope.KindCapabilityGrant:
		var p grantPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid capability/grant payload: %w", err)
		}
		if p.Recipient == "" {
			return fmt.Errorf("capability/grant: missing recipient")
		}
		return r.registry.Grant(from, p.Recipient, p.Capabilities)

	case envelope.KindCapabilityRevoke:
		var p revokePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid capability/revoke payload: %w", err)
		}
		if p.Recipient == "" {
			return fmt.Errorf("capability/revoke: missing recipient")
		}
		switch {
		case p.GrantID != "":
			_, err := r.registry.RevokeByID(p.Recipient, p.GrantID)
			return err
		case p.Capability != nil:
			_, err := r.registry.RevokeByPattern(p.Recipient, *p.Capability)
			return err
		default:
			return fmt.Errorf("capability/revoke: missing grant_id or capability")
		}
	}
	return nil
}

// applyMembershipEffects drives space/kick's side effect (spec §3.3
// "destroyed on disconnect or space/kick"). Membership mutation is
// best-effort: a kick naming a participant who already left is simply
// logged as undeliverable by the normal fan-out path below, not an error
// back to the kicker.
func (r *Router) applyMembershipEffects(env envelope.Envelope) {
	if env.Kind != envelope.KindSpaceKick {
		return
	}
	var p kickPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Recipient == "" {
		return
	}
	r.space.Kick(p.Recipient)
}

// fanOut delivers env per spec §4.6 step 5 and records one envelope-history
// entry per step 6.
func (r *Router) fanOut(env envelope.Envelope) {
	if env.IsBroadcast() {
		r.space.Broadcast(env, env.From)
		r.auditor.WriteEnvelopeHistory(audit.EnvelopeHistoryRecord{
			Event:        "delivered",
			Envelope:     summarize(env),
			Participants: r.space.Members(),
		})
		return
	}

	_, undeliverable := r.space.Unicast(env, env.To)
	if len(undeliverable) > 0 && r.metrics != nil {
		r.metrics.EnvelopesUndeliverable.Add(float64(len(undeliverable)))
	}

	event := "delivered"
	if len(undeliverable) == len(env.To) {
		event = "undeliverable"
	}
	r.auditor.WriteEnvelopeHistory(audit.EnvelopeHistoryRecord{
		Event:        event,
		Envelope:     summarize(env),
		Participants: env.To,
	})
}

func summarize(env envelope.Envelope) audit.EnvelopeSummary {
	return audit.EnvelopeSummary{
		ID:            env.ID,
		From:          env.From,
		To:            env.To,
		Kind:          env.Kind,
		CorrelationID: env.CorrelationID,
	}
}
