package repository

import (
	"context"
	"time"

	"github.com/anonrelay/relay/internal/relay/domain"
)

// NewMessage carries the immutable fields of a message to be appended.
type NewMessage struct {
	UserKey          string
	PseudonymID      int64
	OriginChannelRef string
	ContentType      domain.ContentType
	Content          *string
	AttachmentRef    *string
	Caption          *string
}

// MessageRepository defines the interface for the durable message log.
type MessageRepository interface {
	// Append inserts a message in the pending state.
	Append(ctx context.Context, msg NewMessage) (*domain.Message, error)

	// FindRecentDuplicate returns a message from the same user with equal
	// content (text body or attachment ref, by type) created within the
	// window, or domain.ErrMessageNotFound.
	FindRecentDuplicate(ctx context.Context, userKey string, contentType domain.ContentType, dedupKey string, window time.Duration) (*domain.Message, error)

	// DrainPending selects all pending messages oldest-first and flips them
	// to processed inside one transaction, before any forwarding happens.
	// A concurrent drain observes zero pending rows and gets an empty batch.
	DrainPending(ctx context.Context) ([]*domain.Message, error)

	// SetOperatorRef records the channel-assigned reference of the message
	// as forwarded to the operator. Requires the message to be processed.
	SetOperatorRef(ctx context.Context, id int64, operatorRef string) error

	// MarkRead flips is_read on a processed message.
	MarkRead(ctx context.Context, id int64) error

	// MarkNotified flips user_notified on every read-but-unnotified message
	// belonging to the given origin, coalescing one notice per drain cycle.
	MarkNotified(ctx context.Context, originChannelRef string) error

	// ResolveByOperatorRef maps an operator-side reference back to the
	// tracked message, or domain.ErrMessageNotFound.
	ResolveByOperatorRef(ctx context.Context, operatorRef string) (*domain.Message, error)

	// CountPending returns the number of messages awaiting a drain.
	CountPending(ctx context.Context) (int, error)

	// RequeueStuckForwarded returns forwarded messages that never received
	// an operator reference and are older than the grace period to the
	// pending pool, reporting how many rows moved.
	RequeueStuckForwarded(ctx context.Context, grace time.Duration) (int, error)
}
