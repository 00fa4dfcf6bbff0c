package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// MessageRepo persists conversation turns using a minimal pgx pool.
type MessageRepo struct{ Pool PgxPool }

// NewMessageRepo constructs a MessageRepo with the given pool.
func NewMessageRepo(p PgxPool) *MessageRepo { return &MessageRepo{Pool: p} }

// Create stores a new message and returns its id (generates one if empty).
func (r *MessageRepo) Create(ctx domain.Context, m domain.Message) (string, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "messages"),
	)
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO messages (id, user_id, role, content, tokens, cost, file_url, file_name, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, m.UserID, m.Role, m.Content, m.Tokens, m.Cost, m.FileURL, m.FileName, createdAt)
	if err != nil {
		return "", fmt.Errorf("op=messages.create: %w", err)
	}
	return id, nil
}

// ListRecent returns up to limit messages for the user ordered newest-first.
func (r *MessageRepo) ListRecent(ctx domain.Context, userID string, limit int) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.ListRecent")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "messages"),
	)
	q := `SELECT id, user_id, role, content, tokens, cost, file_url, file_name, created_at FROM messages WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=messages.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &m.Tokens, &m.Cost, &m.FileURL, &m.FileName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=messages.list scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=messages.list rows: %w", err)
	}
	return out, nil
}

// DeleteAllForUser removes the user's entire history and reports how many
// rows were deleted.
func (r *MessageRepo) DeleteAllForUser(ctx domain.Context, userID string) (int64, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.DeleteAllForUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "DELETE"),
		attribute.String("db.sql.table", "messages"),
	)
	tag, err := r.Pool.Exec(ctx, `DELETE FROM messages WHERE user_id=$1`, userID)
	if err != nil {
		return 0, fmt.Errorf("op=messages.delete_all: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountForUser returns the number of stored messages for a user.
func (r *MessageRepo) CountForUser(ctx domain.Context, userID string) (int64, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.CountForUser")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "COUNT"),
		attribute.String("db.sql.table", "messages"),
	)
	var count int64
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE user_id=$1`, userID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=messages.count: %w", err)
	}
	return count, nil
}
