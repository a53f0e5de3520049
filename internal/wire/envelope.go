// Package wire defines the tagged-variant wire envelope exchanged between
// lobby peers and the structural validation applied to it on receipt.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the tag of a wire envelope. The set is closed: anything else is a
// structural validation failure.
type Type string

const (
	TypeJoinRequest  Type = "join-request"
	TypeJoinAccepted Type = "join-accepted"
	TypeJoinRejected Type = "join-rejected"
	TypeJoinPending  Type = "join-pending"
	TypeJoinApproved Type = "join-approved"
	TypeJoinDenied   Type = "join-denied"
	TypePlayerJoined Type = "player-joined"
	TypePlayerLeft   Type = "player-left"
	TypePlayerReady  Type = "player-ready"
	TypePlayerKicked Type = "player-kicked"
	TypeHostLeft     Type = "host-left"
	TypeLobbySettings Type = "lobby-settings"
	TypeGameSelected Type = "game-selected"
	TypeGameStart    Type = "game-start"
	TypeGameMessage  Type = "game-message"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
)

var knownTypes = map[Type]bool{
	TypeJoinRequest:   true,
	TypeJoinAccepted:  true,
	TypeJoinRejected:  true,
	TypeJoinPending:   true,
	TypeJoinApproved:  true,
	TypeJoinDenied:    true,
	TypePlayerJoined:  true,
	TypePlayerLeft:    true,
	TypePlayerReady:   true,
	TypePlayerKicked:  true,
	TypeHostLeft:      true,
	TypeLobbySettings: true,
	TypeGameSelected:  true,
	TypeGameStart:     true,
	TypeGameMessage:   true,
	TypePing:          true,
	TypePong:          true,
}

// Envelope is the wire-level shape every message takes, regardless of
// payload. Payload is left raw so that validation can happen in two
// phases: structural (this package), then variant-specific (callers).
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"sender_id"`
	Timestamp int64           `json:"timestamp"`
}

// Encode marshals a typed payload into a fresh envelope with the given
// sender and the current wall-clock time in epoch milliseconds.
func Encode(typ Type, senderID string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ENCODE_FAILED: marshal payload for %s: %w", typ, err)
	}
	env := Envelope{
		Type:      typ,
		Payload:   raw,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ENCODE_FAILED: marshal envelope for %s: %w", typ, err)
	}
	return out, nil
}

// Decode performs structural validation only: well-formed JSON, a known
// type tag, a non-empty sender id, and a non-zero timestamp. It does not
// interpret payload.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("MALFORMED: %w", err)
	}
	if !knownTypes[env.Type] {
		return Envelope{}, fmt.Errorf("UNKNOWN_TYPE: %q", env.Type)
	}
	if env.SenderID == "" {
		return Envelope{}, fmt.Errorf("MALFORMED: sender_id is required")
	}
	if env.Timestamp == 0 {
		return Envelope{}, fmt.Errorf("MALFORMED: timestamp is required")
	}
	return env, nil
}

// Unmarshal decodes the envelope's raw payload into dst.
func (e Envelope) Unmarshal(dst interface{}) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("MALFORMED: payload for %s: %w", e.Type, err)
	}
	return nil
}

// FreshnessCeiling is the maximum age (or, symmetrically, clock-skew-ahead
// amount) tolerated for an inbound message's timestamp.
const FreshnessCeiling = 30 * time.Second

// CheckFreshness reports whether the envelope's timestamp is within
// FreshnessCeiling of now.
func CheckFreshness(env Envelope, now time.Time) bool {
	msgTime := time.UnixMilli(env.Timestamp)
	delta := now.Sub(msgTime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= FreshnessCeiling
}
