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

// AccessKeyRepo persists admission keys.
type AccessKeyRepo struct{ Pool PgxPool }

// NewAccessKeyRepo constructs an AccessKeyRepo with the given pool.
func NewAccessKeyRepo(p PgxPool) *AccessKeyRepo { return &AccessKeyRepo{Pool: p} }

// Create stores a new key and returns its id (generates one if empty).
func (r *AccessKeyRepo) Create(ctx domain.Context, k domain.AccessKey) (string, error) {
	tracer := otel.Tracer("repo.access_keys")
	ctx, span := tracer.Start(ctx, "access_keys.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "access_keys"),
	)
	id := k.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := k.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO access_keys (id, key_hash, created_by, is_active, used_at, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, id, k.KeyHash, k.CreatedBy, k.IsActive, k.UsedAt, createdAt)
	if err != nil {
		return "", fmt.Errorf("op=access_keys.create: %w", err)
	}
	return id, nil
}

// List returns all keys newest-first.
func (r *AccessKeyRepo) List(ctx domain.Context) ([]domain.AccessKey, error) {
	tracer := otel.Tracer("repo.access_keys")
	ctx, span := tracer.Start(ctx, "access_keys.List")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "access_keys"),
	)
	q := `SELECT id, key_hash, created_by, is_active, used_at, created_at FROM access_keys ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=access_keys.list: %w", err)
	}
	defer rows.Close()

	var out []domain.AccessKey
	for rows.Next() {
		var k domain.AccessKey
		if err := rows.Scan(&k.ID, &k.KeyHash, &k.CreatedBy, &k.IsActive, &k.UsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=access_keys.list scan: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=access_keys.list rows: %w", err)
	}
	return out, nil
}

// Get loads one key by id, ErrNotFound when absent.
func (r *AccessKeyRepo) Get(ctx domain.Context, id string) (domain.AccessKey, error) {
	tracer := otel.Tracer("repo.access_keys")
	ctx, span := tracer.Start(ctx, "access_keys.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "access_keys"),
	)
	q := `SELECT id, key_hash, created_by, is_active, used_at, created_at FROM access_keys WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var k domain.AccessKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.CreatedBy, &k.IsActive, &k.UsedAt, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AccessKey{}, fmt.Errorf("%w: access key %s", domain.ErrNotFound, id)
		}
		return domain.AccessKey{}, fmt.Errorf("op=access_keys.get: %w", err)
	}
	return k, nil
}

// Update rewrites a key's mutable fields.
func (r *AccessKeyRepo) Update(ctx domain.Context, k domain.AccessKey) error {
	tracer := otel.Tracer("repo.access_keys")
	ctx, span := tracer.Start(ctx, "access_keys.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "access_keys"),
	)
	q := `UPDATE access_keys SET is_active=$2, used_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, k.ID, k.IsActive, k.UsedAt)
	if err != nil {
		return fmt.Errorf("op=access_keys.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: access key %s", domain.ErrNotFound, k.ID)
	}
	return nil
}
