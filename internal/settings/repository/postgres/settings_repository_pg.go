package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/anonrelay/relay/internal/settings/repository"
)

// ErrSettingNotFound is returned when the named setting does not exist.
var ErrSettingNotFound = errors.New("setting not found")

// DB is the subset of pgxpool.Pool the repository uses. pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgSettingsRepository struct {
	db DB
}

func NewPgSettingsRepository(db DB) repository.SettingsRepository {
	return &PgSettingsRepository{db: db}
}

func (r *PgSettingsRepository) Upsert(ctx context.Context, name, value string) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx,
		`INSERT INTO settings (name, value, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		name, value, now)
	return err
}

func (r *PgSettingsRepository) Get(ctx context.Context, name string) (string, error) {
	var value string
	err := r.db.QueryRow(ctx,
		`SELECT value FROM settings WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrSettingNotFound
	}
	return value, err
}
