// Package protocol defines the wire catalogue spoken between board clients
// and the authority: a JSON envelope with a named event, an optional
// acknowledgment sequence number, and an event-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"boardsync/domain"
)

// Event names. Client-to-authority events carry a Seq when they await an
// acknowledgment; authority-to-client broadcasts never do.
const (
	EventJoinRoom          = "joinRoom"
	EventMemberUpdate      = "memberUpdate"
	EventRoomInfo          = "roomInfo"
	EventPreviousBoardData = "previousBoardData"
	EventBoardUpdate       = "boardUpdate"
	EventAddCard           = "addCard"
	EventAck               = "ack"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload registers presence in a room.
type JoinPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// MovedCard is the compact delta accompanying a full-board move request so
// the authority can apply either representation.
type MovedCard struct {
	CardID    string `json:"cardId"`
	ToSection string `json:"toSection"`
	ToIndex   int    `json:"toIndex"`
}

// BoardUpdatePayload carries a full section arrangement. Client-to-authority
// it is a mutation request (move or rename, MovedCard set only for moves);
// authority-to-client it is an authoritative snapshot and MovedCard is empty.
type BoardUpdatePayload struct {
	RoomID    string           `json:"roomId,omitempty"`
	Sections  []domain.Section `json:"sections"`
	MovedCard *MovedCard       `json:"movedCard,omitempty"`
}

// AddCardPayload requests creation of a card in the creation section. The
// card ID is the client's temporary token; the authority mints the durable
// one.
type AddCardPayload struct {
	RoomID    string      `json:"roomId"`
	SectionID string      `json:"sectionId"`
	Card      domain.Card `json:"card"`
}

// AckPayload answers a client request carrying a Seq.
type AckPayload struct {
	Seq     uint64 `json:"seq"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Encode wraps an event payload into a marshaled envelope.
func Encode(event string, seq uint64, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = data
	}
	data, err := json.Marshal(Envelope{Event: event, Seq: seq, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return data, nil
}

// Decode parses an envelope from the wire.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.ConfigStd.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// DecodePayload parses an envelope payload into the given value.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Event)
	}
	if err := sonic.ConfigStd.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", env.Event, err)
	}
	return nil
}
