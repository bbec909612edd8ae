package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anonrelay/relay/internal/relay/domain"
	"github.com/anonrelay/relay/internal/relay/repository"
)

const messageColumns = `id, user_key, pseudonym_id, origin_channel_ref, content_type,
	content, attachment_ref, caption, processed, is_read, user_notified,
	operator_ref, created_at, updated_at`

// DB is the subset of pgxpool.Pool the repository uses. pgxmock satisfies it.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgMessageRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgMessageRepository(db DB, logger *slog.Logger) repository.MessageRepository {
	return &PgMessageRepository{db: db, logger: logger.With("component", "message_repository_pg")}
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	err := row.Scan(
		&m.ID, &m.UserKey, &m.PseudonymID, &m.OriginChannelRef, &m.ContentType,
		&m.Content, &m.AttachmentRef, &m.Caption, &m.Processed, &m.IsRead, &m.UserNotified,
		&m.OperatorRef, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *PgMessageRepository) Append(ctx context.Context, msg repository.NewMessage) (*domain.Message, error) {
	now := time.Now().UTC()
	return scanMessage(r.db.QueryRow(ctx,
		`INSERT INTO messages (
			user_key, pseudonym_id, origin_channel_ref, content_type,
			content, attachment_ref, caption, processed, is_read, user_notified,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, FALSE, FALSE, $8, $8)
		RETURNING `+messageColumns,
		msg.UserKey, msg.PseudonymID, msg.OriginChannelRef, msg.ContentType,
		msg.Content, msg.AttachmentRef, msg.Caption, now))
}

func (r *PgMessageRepository) FindRecentDuplicate(ctx context.Context, userKey string, contentType domain.ContentType, dedupKey string, window time.Duration) (*domain.Message, error) {
	cutoff := time.Now().UTC().Add(-window)

	contentColumn := "content"
	if contentType.IsMedia() {
		contentColumn = "attachment_ref"
	}
	query := fmt.Sprintf(
		`SELECT `+messageColumns+`
		FROM messages
		WHERE user_key = $1 AND content_type = $2 AND %s = $3 AND created_at > $4
		ORDER BY id DESC
		LIMIT 1`, contentColumn)

	return scanMessage(r.db.QueryRow(ctx, query, userKey, contentType, dedupKey, cutoff))
}

// DrainPending claims the whole pending batch before any network forwarding:
// rows are locked, flipped to processed, and committed in one transaction so
// a concurrent drain sees nothing left to claim.
func (r *PgMessageRepository) DrainPending(ctx context.Context) ([]*domain.Message, error) {
	var batch []*domain.Message

	txErr := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+messageColumns+`
			FROM messages
			WHERE NOT processed
			ORDER BY created_at ASC
			FOR UPDATE`)
		if err != nil {
			return fmt.Errorf("selecting pending messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var m domain.Message
			if err := rows.Scan(
				&m.ID, &m.UserKey, &m.PseudonymID, &m.OriginChannelRef, &m.ContentType,
				&m.Content, &m.AttachmentRef, &m.Caption, &m.Processed, &m.IsRead, &m.UserNotified,
				&m.OperatorRef, &m.CreatedAt, &m.UpdatedAt,
			); err != nil {
				return err
			}
			batch = append(batch, &m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]int64, len(batch))
		for i, m := range batch {
			ids[i] = m.ID
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET processed = TRUE, updated_at = $2 WHERE id = ANY($1)`,
			ids, now); err != nil {
			return fmt.Errorf("claiming pending messages: %w", err)
		}
		for _, m := range batch {
			m.Processed = true
			m.UpdatedAt = now
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return batch, nil
}

func (r *PgMessageRepository) SetOperatorRef(ctx context.Context, id int64, operatorRef string) error {
	// operator_ref is set at most once, and only on a claimed message.
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET operator_ref = $2, updated_at = $3
		WHERE id = $1 AND processed AND operator_ref IS NULL`,
		id, operatorRef, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *PgMessageRepository) MarkRead(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET is_read = TRUE, updated_at = $2
		WHERE id = $1 AND processed`,
		id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *PgMessageRepository) MarkNotified(ctx context.Context, originChannelRef string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE messages SET user_notified = TRUE, updated_at = $2
		WHERE origin_channel_ref = $1 AND processed AND is_read AND NOT user_notified`,
		originChannelRef, time.Now().UTC())
	return err
}

func (r *PgMessageRepository) ResolveByOperatorRef(ctx context.Context, operatorRef string) (*domain.Message, error) {
	return scanMessage(r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE operator_ref = $1`, operatorRef))
}

func (r *PgMessageRepository) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE NOT processed`).Scan(&count)
	return count, err
}

func (r *PgMessageRepository) RequeueStuckForwarded(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET processed = FALSE, updated_at = $2
		WHERE processed AND NOT is_read AND operator_ref IS NULL AND updated_at < $1`,
		cutoff, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
