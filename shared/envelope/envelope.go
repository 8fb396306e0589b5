// Package envelope defines the MEW wire protocol contract.
//
// This package is intentionally stable and dependency-light. It is shared
// between the gateway and any future client/bridge so the wire protocol
// stays authoritative in one place.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Protocol is the fixed tag every envelope carries in its "protocol" field.
const Protocol = "mew/v0.4"

// Kind constants (wire-stable). This is the closed set the core recognises;
// an envelope carrying any other kind fails Validate.
const (
	KindMCPRequest  = "mcp/request"
	KindMCPResponse = "mcp/response"
	KindMCPProposal = "mcp/proposal"
	KindMCPWithdraw = "mcp/withdraw"
	KindMCPReject   = "mcp/reject"

	KindReasoningStart      = "reasoning/start"
	KindReasoningThought    = "reasoning/thought"
	KindReasoningConclusion = "reasoning/conclusion"

	KindChat = "chat"

	KindCapabilityGrant    = "capability/grant"
	KindCapabilityRevoke   = "capability/revoke"
	KindCapabilityGrantAck = "capability/grant-ack"

	KindSpaceInvite = "space/invite"
	KindSpaceKick   = "space/kick"

	KindSystemWelcome  = "system/welcome"
	KindSystemPresence = "system/presence"
	KindSystemError    = "system/error"
)

// SystemNamespace is the reserved prefix no participant may originate.
const SystemNamespace = "system/"

var knownKinds = map[string]struct{}{
	KindMCPRequest:          {},
	KindMCPResponse:         {},
	KindMCPProposal:         {},
	KindMCPWithdraw:         {},
	KindMCPReject:           {},
	KindReasoningStart:      {},
	KindReasoningThought:    {},
	KindReasoningConclusion: {},
	KindChat:                {},
	KindCapabilityGrant:     {},
	KindCapabilityRevoke:    {},
	KindCapabilityGrantAck:  {},
	KindSpaceInvite:         {},
	KindSpaceKick:           {},
	KindSystemWelcome:       {},
	KindSystemPresence:      {},
	KindSystemError:         {},
}

// IsKnownKind reports whether kind is in the closed enumerated set.
func IsKnownKind(kind string) bool {
	_, ok := knownKinds[kind]
	return ok
}

// IsSystemKind reports whether kind lives in the reserved system/* namespace.
func IsSystemKind(kind string) bool {
	return strings.HasPrefix(kind, SystemNamespace)
}

// Envelope is the canonical wire wrapper for every MEW message (spec §3.1).
type Envelope struct {
	Protocol      string          `json:"protocol"`
	ID            string          `json:"id"`
	TS            string          `json:"ts"`
	From          string          `json:"from"`
	To            []string        `json:"to,omitempty"`
	Kind          string          `json:"kind"`
	CorrelationID []string        `json:"correlation_id,omitempty"`
	Context       string          `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Validate performs the structural checks spec §4.2 requires of the codec.
// It never inspects payload contents beyond confirming it decodes as an
// object — that is left to capability pattern matching.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Protocol) == "" {
		return errors.New("missing field: protocol")
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("missing field: id")
	}
	if strings.TrimSpace(e.TS) == "" {
		return errors.New("missing field: ts")
	}
	if strings.TrimSpace(e.Kind) == "" {
		return errors.New("missing field: kind")
	}
	if !IsKnownKind(e.Kind) {
		return fmt.Errorf("unknown kind: %q", e.Kind)
	}
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &obj); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if obj == nil {
		return errors.New("payload must be a JSON object: got null")
	}
	return nil
}

// IsBroadcast reports whether the envelope has no explicit recipient list.
func (e Envelope) IsBroadcast() bool {
	return len(e.To) == 0
}

// AddressedTo reports whether id appears in the envelope's To list.
func (e Envelope) AddressedTo(id string) bool {
	for _, t := range e.To {
		if t == id {
			return true
		}
	}
	return false
}

// ReferencesID reports whether id appears in the envelope's correlation chain.
func (e Envelope) ReferencesID(id string) bool {
	for _, c := range e.CorrelationID {
		if c == id {
			return true
		}
	}
	return false
}
