package repository

import "context"

// SettingsRepository is a durable name → value store for auxiliary
// bookkeeping (e.g. the last operator-notification timestamp).
type SettingsRepository interface {
	Upsert(ctx context.Context, name, value string) error
	Get(ctx context.Context, name string) (string, error)
}
