package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// UserRepo persists bot accounts.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Create stores a new user and returns its id (generates one if empty).
func (r *UserRepo) Create(ctx domain.Context, u domain.User) (string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "users"),
	)
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var keyID *string
	if u.AccessKeyID != "" {
		keyID = &u.AccessKeyID
	}
	q := `INSERT INTO users (id, telegram_id, username, first_name, last_name, access_key_id, is_admin, is_active, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, u.TelegramID, u.Username, u.FirstName, u.LastName, keyID, u.IsAdmin, u.IsActive, createdAt)
	if err != nil {
		return "", fmt.Errorf("op=users.create: %w", err)
	}
	return id, nil
}

// GetByTelegramID loads a user by Telegram id, ErrNotFound when absent.
func (r *UserRepo) GetByTelegramID(ctx domain.Context, telegramID int64) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByTelegramID")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "users"),
	)
	q := `SELECT id, telegram_id, username, first_name, last_name, COALESCE(access_key_id,''), is_admin, is_active, created_at FROM users WHERE telegram_id=$1`
	row := r.Pool.QueryRow(ctx, q, telegramID)
	var u domain.User
	err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.AccessKeyID, &u.IsAdmin, &u.IsActive, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("%w: telegram id %d", domain.ErrNotFound, telegramID)
		}
		return domain.User{}, fmt.Errorf("op=users.get: %w", err)
	}
	return u, nil
}

// Update rewrites the mutable account fields.
func (r *UserRepo) Update(ctx domain.Context, u domain.User) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "users"),
	)
	q := `UPDATE users SET username=$2, first_name=$3, last_name=$4, is_admin=$5, is_active=$6 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, u.ID, u.Username, u.FirstName, u.LastName, u.IsAdmin, u.IsActive)
	if err != nil {
		return fmt.Errorf("op=users.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, u.ID)
	}
	return nil
}

// List returns all accounts ordered by creation time.
func (r *UserRepo) List(ctx domain.Context) ([]domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "users"),
	)
	q := `SELECT id, telegram_id, username, first_name, last_name, COALESCE(access_key_id,''), is_admin, is_active, created_at FROM users ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=users.list: %w", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.AccessKeyID, &u.IsAdmin, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=users.list scan: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=users.list rows: %w", err)
	}
	return out, nil
}
