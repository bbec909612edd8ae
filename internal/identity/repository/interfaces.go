package repository

import (
	"context"

	"github.com/anonrelay/relay/internal/identity/domain"
)

// UserRepository defines the interface for user persistence.
type UserRepository interface {
	// ResolveOrCreate looks a user up by key inside one transaction,
	// assigning the next pseudonym id on first contact or refreshing
	// display attributes and last activity otherwise. A unique-constraint
	// race surfaces as domain.ErrConflict.
	ResolveOrCreate(ctx context.Context, userKey string, attrs domain.DisplayAttrs) (*domain.User, error)

	GetByUserKey(ctx context.Context, userKey string) (*domain.User, error)
	GetByPseudonymID(ctx context.Context, pseudonymID int64) (*domain.User, error)

	// SetBlocked flips the block flag. Reason is stored only when blocking;
	// unblocking clears it.
	SetBlocked(ctx context.Context, pseudonymID int64, blocked bool, reason *string) (*domain.User, error)

	// AppendNote appends one timestamped operator note to the user's
	// free-text note log and returns the updated user.
	AppendNote(ctx context.Context, pseudonymID int64, note string) (*domain.User, error)

	// ListBlocked returns blocked users ordered by pseudonym id.
	ListBlocked(ctx context.Context) ([]*domain.User, error)

	// ListUnblocked returns all non-blocked users, for broadcast fan-out.
	ListUnblocked(ctx context.Context) ([]*domain.User, error)
}
