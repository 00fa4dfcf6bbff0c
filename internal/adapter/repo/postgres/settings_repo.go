package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// SettingsRepo persists runtime settings as key/value rows.
type SettingsRepo struct{ Pool PgxPool }

// NewSettingsRepo constructs a SettingsRepo with the given pool.
func NewSettingsRepo(p PgxPool) *SettingsRepo { return &SettingsRepo{Pool: p} }

// Get loads one setting, ErrNotFound when absent.
func (r *SettingsRepo) Get(ctx domain.Context, key string) (domain.Setting, error) {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "settings"),
	)
	row := r.Pool.QueryRow(ctx, `SELECT key, value, description FROM settings WHERE key=$1`, key)
	var s domain.Setting
	if err := row.Scan(&s.Key, &s.Value, &s.Description); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Setting{}, fmt.Errorf("%w: setting %s", domain.ErrNotFound, key)
		}
		return domain.Setting{}, fmt.Errorf("op=settings.get: %w", err)
	}
	return s, nil
}

// Set upserts one setting.
func (r *SettingsRepo) Set(ctx domain.Context, s domain.Setting) error {
	tracer := otel.Tracer("repo.settings")
	ctx, span := tracer.Start(ctx, "settings.Set")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "settings"),
	)
	q := `INSERT INTO settings (key, value, description) VALUES ($1,$2,$3) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, description=EXCLUDED.description`
	if _, err := r.Pool.Exec(ctx, q, s.Key, s.Value, s.Description); err != nil {
		return fmt.Errorf("op=settings.set: %w", err)
	}
	return nil
}
