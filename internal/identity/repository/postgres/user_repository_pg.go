package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anonrelay/relay/internal/identity/domain"
	"github.com/anonrelay/relay/internal/identity/repository"
)

const uniqueViolationCode = "23505"

const userColumns = `user_key, pseudonym_id, username, first_name, last_name,
	last_activity, is_blocked, block_reason, notes, created_at, updated_at`

// DB is the subset of pgxpool.Pool the repository uses. pgxmock satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgUserRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgUserRepository(db DB, logger *slog.Logger) repository.UserRepository {
	return &PgUserRepository{db: db, logger: logger.With("component", "user_repository_pg")}
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.UserKey, &u.PseudonymID, &u.Username, &u.FirstName, &u.LastName,
		&u.LastActivity, &u.IsBlocked, &u.BlockReason, &u.Notes, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *PgUserRepository) ResolveOrCreate(ctx context.Context, userKey string, attrs domain.DisplayAttrs) (*domain.User, error) {
	var user *domain.User

	txErr := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		existing, err := scanUser(tx.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE user_key = $1`, userKey))
		now := time.Now().UTC()

		if err == nil {
			if attrsChanged(existing, attrs) {
				user, err = scanUser(tx.QueryRow(ctx,
					`UPDATE users SET username = $2, first_name = $3, last_name = $4,
						last_activity = $5, updated_at = $5
					WHERE user_key = $1
					RETURNING `+userColumns,
					userKey, attrs.Username, attrs.FirstName, attrs.LastName, now))
				return err
			}
			user, err = scanUser(tx.QueryRow(ctx,
				`UPDATE users SET last_activity = $2, updated_at = $2
				WHERE user_key = $1
				RETURNING `+userColumns,
				userKey, now))
			return err
		}
		if !errors.Is(err, domain.ErrUserNotFound) {
			return fmt.Errorf("looking up user: %w", err)
		}

		// First contact: assign the next pseudonym inside the same
		// transaction so two concurrent new users can never collide.
		var nextID int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(pseudonym_id), 0) + 1 FROM users`).Scan(&nextID); err != nil {
			return fmt.Errorf("computing next pseudonym id: %w", err)
		}

		user, err = scanUser(tx.QueryRow(ctx,
			`INSERT INTO users (
				user_key, pseudonym_id, username, first_name, last_name,
				last_activity, is_blocked, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, FALSE, $6, $6)
			RETURNING `+userColumns,
			userKey, nextID, attrs.Username, attrs.FirstName, attrs.LastName, now))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
				return domain.ErrConflict
			}
			return fmt.Errorf("creating user: %w", err)
		}
		r.logger.InfoContext(ctx, "New user registered", "pseudonym_id", nextID)
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return user, nil
}

func attrsChanged(u *domain.User, attrs domain.DisplayAttrs) bool {
	return !strPtrEqual(u.Username, attrs.Username) ||
		!strPtrEqual(u.FirstName, attrs.FirstName) ||
		!strPtrEqual(u.LastName, attrs.LastName)
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (r *PgUserRepository) GetByUserKey(ctx context.Context, userKey string) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_key = $1`, userKey))
}

func (r *PgUserRepository) GetByPseudonymID(ctx context.Context, pseudonymID int64) (*domain.User, error) {
	return scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE pseudonym_id = $1`, pseudonymID))
}

func (r *PgUserRepository) SetBlocked(ctx context.Context, pseudonymID int64, blocked bool, reason *string) (*domain.User, error) {
	if !blocked {
		reason = nil
	}
	return scanUser(r.db.QueryRow(ctx,
		`UPDATE users SET is_blocked = $2, block_reason = $3, updated_at = $4
		WHERE pseudonym_id = $1
		RETURNING `+userColumns,
		pseudonymID, blocked, reason, time.Now().UTC()))
}

func (r *PgUserRepository) AppendNote(ctx context.Context, pseudonymID int64, note string) (*domain.User, error) {
	// notes is an append-only log; each entry carries the time it was taken.
	now := time.Now().UTC()
	stamped := fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), note)
	return scanUser(r.db.QueryRow(ctx,
		`UPDATE users
		SET notes = COALESCE(notes || E'\n\n', '') || $2, updated_at = $3
		WHERE pseudonym_id = $1
		RETURNING `+userColumns,
		pseudonymID, stamped, now))
}

func (r *PgUserRepository) ListBlocked(ctx context.Context) ([]*domain.User, error) {
	return r.list(ctx,
		`SELECT `+userColumns+` FROM users WHERE is_blocked ORDER BY pseudonym_id ASC`)
}

func (r *PgUserRepository) ListUnblocked(ctx context.Context) ([]*domain.User, error) {
	return r.list(ctx,
		`SELECT `+userColumns+` FROM users WHERE NOT is_blocked ORDER BY pseudonym_id ASC`)
}

func (r *PgUserRepository) list(ctx context.Context, query string) ([]*domain.User, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(
			&u.UserKey, &u.PseudonymID, &u.Username, &u.FirstName, &u.LastName,
			&u.LastActivity, &u.IsBlocked, &u.BlockReason, &u.Notes, &u.CreatedAt, &u.UpdatedAt,
		); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}
