// Package message implements the typed envelope model shared by every
// transport, topology, and mod in the fabric: direct, broadcast, and
// mod-scoped messages, their wire encoding, and their thread keys.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Type discriminates the three envelope variants.
type Type string

const (
	TypeDirect    Type = "direct"
	TypeBroadcast Type = "broadcast"
	TypeMod       Type = "mod_message"
)

// Direction describes which side of a mod conversation a mod message
// belongs to.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionBoth     Direction = "both"
)

// Envelope is the common wire shape for all three message variants. Only
// the fields relevant to a given MessageType are populated; see
// NewDirectMessage, NewBroadcastMessage, and NewModMessage.
type Envelope struct {
	MessageID          string                 `json:"message_id"`
	SenderID           string                 `json:"sender_id"`
	Timestamp          float64                `json:"timestamp"`
	MessageType        Type                   `json:"message_type"`
	Protocol           string                 `json:"protocol,omitempty"`
	TextRepresentation string                 `json:"text_representation,omitempty"`
	RequiresResponse   bool                   `json:"requires_response,omitempty"`
	Content            map[string]any         `json:"content,omitempty"`
	Metadata           map[string]any         `json:"metadata,omitempty"`

	// Direct-only.
	TargetAgentID string `json:"target_agent_id,omitempty"`

	// Mod-only.
	Mod             string    `json:"mod,omitempty"`
	Direction       Direction `json:"direction,omitempty"`
	RelevantAgentID string    `json:"relevant_agent_id,omitempty"`
}

// BadEnvelope reports an envelope that fails validation per spec §4.A.
type BadEnvelope struct {
	Reason string
}

func (e *BadEnvelope) Error() string { return "bad envelope: " + e.Reason }

// NewDirectMessage builds a direct envelope addressed to targetAgentID.
func NewDirectMessage(senderID, targetAgentID string, content map[string]any, now float64) *Envelope {
	return &Envelope{
		MessageID:     uuid.NewString(),
		SenderID:      senderID,
		Timestamp:     now,
		MessageType:   TypeDirect,
		Content:       content,
		TargetAgentID: targetAgentID,
	}
}

// NewBroadcastMessage builds a broadcast envelope with no target.
func NewBroadcastMessage(senderID string, content map[string]any, now float64) *Envelope {
	return &Envelope{
		MessageID:   uuid.NewString(),
		SenderID:    senderID,
		Timestamp:   now,
		MessageType: TypeBroadcast,
		Content:     content,
	}
}

// NewModMessage builds a mod-scoped envelope.
func NewModMessage(senderID, mod string, direction Direction, relevantAgentID string, content map[string]any, now float64) *Envelope {
	return &Envelope{
		MessageID:       uuid.NewString(),
		SenderID:        senderID,
		Timestamp:       now,
		MessageType:     TypeMod,
		Mod:             mod,
		Direction:       direction,
		RelevantAgentID: relevantAgentID,
		Content:         content,
	}
}

// Validate checks the invariants from spec §4.A. It never validates
// message_id uniqueness -- that is the caller's (topology's) job, since
// uniqueness is a cross-envelope property this type can't see.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return &BadEnvelope{Reason: "message_id is required"}
	}
	if e.SenderID == "" {
		return &BadEnvelope{Reason: "sender_id is required"}
	}
	switch e.MessageType {
	case TypeDirect:
		if e.TargetAgentID == "" {
			return &BadEnvelope{Reason: "direct message requires target_agent_id"}
		}
	case TypeBroadcast:
		// no extra fields required
	case TypeMod:
		if e.Mod == "" {
			return &BadEnvelope{Reason: "mod message requires mod"}
		}
		if e.RelevantAgentID == "" {
			return &BadEnvelope{Reason: "mod message requires relevant_agent_id"}
		}
	default:
		return &BadEnvelope{Reason: fmt.Sprintf("unknown message_type %q", e.MessageType)}
	}
	return nil
}

// Parse discriminates a wire-format map on message_type and flattens a
// nested "payload" key into the envelope body before validation, per
// spec §4.A (mod messages sometimes wrap their body under "payload").
func Parse(wire map[string]any) (*Envelope, error) {
	flattened := flattenPayload(wire)

	raw, err := json.Marshal(flattened)
	if err != nil {
		return nil, &BadEnvelope{Reason: "not serialisable: " + err.Error()}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &BadEnvelope{Reason: "malformed envelope: " + err.Error()}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// flattenPayload returns a shallow copy of wire with any nested "payload"
// object's fields merged into the top level, payload fields taking
// precedence over duplicates at the outer level.
func flattenPayload(wire map[string]any) map[string]any {
	payload, ok := wire["payload"].(map[string]any)
	if !ok {
		return wire
	}
	out := make(map[string]any, len(wire)+len(payload))
	for k, v := range wire {
		if k == "payload" {
			continue
		}
		out[k] = v
	}
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// ThreadKey computes the thread identity an envelope belongs to from the
// perspective of selfID, per spec §3.
func ThreadKey(e *Envelope, selfID string) string {
	switch e.MessageType {
	case TypeDirect:
		peer := e.TargetAgentID
		if e.SenderID != selfID {
			peer = e.SenderID
		}
		return "direct_message:" + peer
	case TypeMod:
		return "mod_message:" + e.Mod
	default:
		return "broadcast_message"
	}
}
