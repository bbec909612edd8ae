package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/anonrelay/relay/internal/identity/domain"
	"github.com/anonrelay/relay/internal/identity/repository"
)

// Registry owns the userKey → pseudonym mapping and the per-user block flag.
// The pseudonym counter lives in the store, recomputed transactionally on
// every first contact; nothing is cached in memory across requests.
type Registry struct {
	users  repository.UserRepository
	logger *slog.Logger
}

func NewRegistry(users repository.UserRepository, logger *slog.Logger) *Registry {
	return &Registry{users: users, logger: logger.With("component", "identity_registry")}
}

// ResolveOrCreate resolves a user by key, creating one with the next
// pseudonym id on first contact. A conflict from two racing first contacts
// is retried once with a fresh lookup; the loser of the race finds the row
// the winner inserted.
func (r *Registry) ResolveOrCreate(ctx context.Context, userKey string, attrs domain.DisplayAttrs) (*domain.User, error) {
	user, err := r.users.ResolveOrCreate(ctx, userKey, attrs)
	if errors.Is(err, domain.ErrConflict) {
		r.logger.WarnContext(ctx, "Pseudonym assignment raced, retrying", "user_key", userKey)
		user, err = r.users.ResolveOrCreate(ctx, userKey, attrs)
	}
	return user, err
}

// IsBlocked reports whether the user behind userKey is blocked. Unknown
// users are not blocked; they simply have not contacted the relay yet.
func (r *Registry) IsBlocked(ctx context.Context, userKey string) (bool, error) {
	user, err := r.users.GetByUserKey(ctx, userKey)
	if errors.Is(err, domain.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return user.IsBlocked, nil
}

// Block flags a user by pseudonym id. Idempotent: blocking a blocked user
// refreshes the reason.
func (r *Registry) Block(ctx context.Context, pseudonymID int64, reason string) (*domain.User, error) {
	user, err := r.users.SetBlocked(ctx, pseudonymID, true, &reason)
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "User blocked", "pseudonym_id", pseudonymID, "reason", reason)
	return user, nil
}

// Unblock clears the block flag and reason. Idempotent.
func (r *Registry) Unblock(ctx context.Context, pseudonymID int64) (*domain.User, error) {
	user, err := r.users.SetBlocked(ctx, pseudonymID, false, nil)
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "User unblocked", "pseudonym_id", pseudonymID)
	return user, nil
}

func (r *Registry) GetByPseudonymID(ctx context.Context, pseudonymID int64) (*domain.User, error) {
	return r.users.GetByPseudonymID(ctx, pseudonymID)
}

func (r *Registry) GetByUserKey(ctx context.Context, userKey string) (*domain.User, error) {
	return r.users.GetByUserKey(ctx, userKey)
}

func (r *Registry) AppendNote(ctx context.Context, pseudonymID int64, note string) (*domain.User, error) {
	return r.users.AppendNote(ctx, pseudonymID, note)
}

func (r *Registry) ListBlocked(ctx context.Context) ([]*domain.User, error) {
	return r.users.ListBlocked(ctx)
}

func (r *Registry) ListUnblocked(ctx context.Context) ([]*domain.User, error) {
	return r.users.ListUnblocked(ctx)
}
