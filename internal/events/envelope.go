// Package events defines the wire envelope exchanged over a client session
// and the payloads of every named event.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/fathima-sithara/realtime-service/internal/models"
)

// Client -> server event types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeTypingStart       = "typing_start"
	TypeTypingStop        = "typing_stop"
	TypeMarkRead          = "mark_read"
	TypeHeartbeat         = "heartbeat"
)

// Server -> client event types.
const (
	TypeMessage          = "message"
	TypeMessageRetracted = "message_retracted"
	TypeMessageStatus    = "message_status"
	TypeTypingUpdate     = "typing_update"
	TypePresenceUpdate   = "presence_update"
	TypeBackfill         = "backfill"
	TypeDeliveryFailed   = "delivery_failed"
	TypeError            = "error"
)

// Envelope wraps every frame on the wire. Payload stays raw until the
// receiver knows the type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinConversation struct {
	ConversationID string `json:"conversation_id"`
	Cursor         string `json:"cursor,omitempty"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessage struct {
	ConversationID string `json:"conversation_id"`
	LocalID        string `json:"local_id"`
	Body           string `json:"body"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
}

type Typing struct {
	ConversationID string `json:"conversation_id"`
}

type MarkRead struct {
	ConversationID string                `json:"conversation_id"`
	MessageID      string                `json:"message_id"`
	Status         models.DeliveryStatus `json:"status,omitempty"`
}

type MessageRetracted struct {
	ConversationID string `json:"conversation_id"`
	LocalID        string `json:"local_id"`
	Reason         string `json:"reason,omitempty"`
}

type MessageStatus struct {
	ConversationID string                `json:"conversation_id"`
	MessageID      string                `json:"message_id"`
	Status         models.DeliveryStatus `json:"status"`
}

type Backfill struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
	Cursor         string           `json:"cursor"`
}

type DeliveryFailed struct {
	ConversationID string `json:"conversation_id"`
	LocalID        string `json:"local_id"`
	Reason         string `json:"reason,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode marshals a typed payload into a framed envelope ready for the wire.
func Encode(typ string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// MustEncode is Encode for payloads that cannot fail to marshal (our own
// structs). It panics on error, which would indicate a programming bug.
func MustEncode(typ string, payload any) []byte {
	b, err := Encode(typ, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses a raw frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Bind unmarshals the envelope payload into dst.
func (e Envelope) Bind(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}
