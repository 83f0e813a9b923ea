package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DeliveryStatus tracks how far a message has progressed toward its readers.
// Transitions only move forward: sent -> delivered -> read.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

var statusRank = map[DeliveryStatus]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusRead:      2,
}

// Rank returns the ordering position of the status, -1 for unknown values.
func (s DeliveryStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Advances reports whether moving from s to next is a forward transition.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	return next.Rank() > s.Rank()
}

type Message struct {
	ID             string         `bson:"_id,omitempty" json:"id"`
	Seq            int64          `bson:"seq" json:"seq"`
	ConversationID string         `bson:"conversation_id" json:"conversation_id"`
	SenderID       string         `bson:"sender_id" json:"sender_id"`
	SenderName     string         `bson:"sender_name" json:"sender_name"`
	Body           string         `bson:"body" json:"body"`
	AttachmentRef  string         `bson:"attachment_ref,omitempty" json:"attachment_ref,omitempty"`
	LocalID        string         `bson:"local_id,omitempty" json:"local_id,omitempty"`
	CreatedAt      time.Time      `bson:"created_at" json:"created_at"`
	DeliveryStatus DeliveryStatus `bson:"delivery_status" json:"delivery_status"`
	Pending        bool           `bson:"-" json:"pending,omitempty"`
}

// MessageID builds the public message identifier from a conversation and its
// per-conversation sequence number, e.g. "conv-1#42".
func MessageID(conversationID string, seq int64) string {
	return fmt.Sprintf("%s#%d", conversationID, seq)
}

// Cursor renders a sequence number as the opaque cursor handed to clients.
// An empty cursor means "from the beginning of the conversation".
func Cursor(seq int64) string {
	if seq <= 0 {
		return ""
	}
	return strconv.FormatInt(seq, 10)
}

// ParseCursor decodes a cursor previously produced by Cursor. It accepts both
// the bare sequence form and a full message id ("conv-1#42").
func ParseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	if i := strings.LastIndexByte(cursor, '#'); i >= 0 {
		cursor = cursor[i+1:]
	}
	seq, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	return seq, nil
}

type TypingState struct {
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	UserID         string    `bson:"user_id" json:"user_id"`
	DisplayName    string    `bson:"display_name" json:"display_name"`
	IsTyping       bool      `bson:"is_typing" json:"is_typing"`
	UpdatedAt      time.Time `bson:"updated_at" json:"updated_at"`
}

type Presence struct {
	UserID      string    `bson:"_id" json:"user_id"`
	DisplayName string    `bson:"display_name" json:"display_name"`
	IsOnline    bool      `bson:"is_online" json:"is_online"`
	LastSeenAt  time.Time `bson:"last_seen_at" json:"last_seen_at"`
}

// PendingOutboundMessage is a client-local send captured while the session was
// not connected. LocalID correlates the optimistic entry with the durable
// message once the write is acknowledged.
type PendingOutboundMessage struct {
	LocalID        string    `json:"local_id"`
	ConversationID string    `json:"conversation_id"`
	Body           string    `json:"body"`
	AttachmentRef  string    `json:"attachment_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
