// Package store defines the durable-store capability consumed by the
// coordinator, with a MongoDB adapter and an in-memory reference adapter.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/models"
)

// Store is the durable persistence capability. Message ids returned by
// AppendMessage are monotonically increasing within a conversation, which is
// what reconnect replay via Since relies on.
type Store interface {
	// AppendMessage durably persists the message, assigning Seq, ID and
	// CreatedAt. Returns apperr.ErrValidation for malformed records and
	// apperr.ErrStoreUnavailable when the backing store cannot be reached.
	AppendMessage(ctx context.Context, m *models.Message) (string, error)

	// AdvanceStatus moves a message's delivery status forward. Backward
	// transitions are ignored, never an error.
	AdvanceStatus(ctx context.Context, conversationID, messageID string, status models.DeliveryStatus) error

	// SavePresence upserts the per-user presence record.
	SavePresence(ctx context.Context, p models.Presence) error

	// Since returns all messages of the conversation with sequence greater
	// than the cursor, ascending. Safe to re-request from the same cursor.
	Since(ctx context.Context, conversationID, cursor string) ([]models.Message, error)

	// Subscribe invokes fn for every message appended to the conversation
	// by any writer, until the returned stop function is called. Optional:
	// single-process deployments may return ErrNotSupported.
	Subscribe(ctx context.Context, conversationID string, fn func(models.Message)) (func(), error)
}

// ErrNotSupported marks an optional capability the adapter does not provide.
var ErrNotSupported = fmt.Errorf("store: capability not supported")

// validateMessage enforces the write-time invariants shared by all adapters.
func validateMessage(m *models.Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", apperr.ErrValidation)
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		return fmt.Errorf("%w: missing conversation id", apperr.ErrValidation)
	}
	if strings.TrimSpace(m.Body) == "" && m.AttachmentRef == "" {
		return fmt.Errorf("%w: empty body", apperr.ErrValidation)
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("%w: missing sender id", apperr.ErrValidation)
	}
	return nil
}
