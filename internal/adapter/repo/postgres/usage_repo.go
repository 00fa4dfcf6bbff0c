package postgres

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// UsageRepo persists the append-only billing ledger.
type UsageRepo struct{ Pool PgxPool }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

// Create appends one usage record and returns its id.
func (r *UsageRepo) Create(ctx domain.Context, u domain.UsageRecord) (string, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "usage_records"),
	)
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO usage_records (id, user_id, tokens, cost, model, request_type, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, u.UserID, u.Tokens, u.Cost, u.Model, u.RequestType, createdAt)
	if err != nil {
		return "", fmt.Errorf("op=usage.create: %w", err)
	}
	return id, nil
}

// Aggregate sums records, optionally scoped to a user and bounded by
// [start, end]. Nil bounds mean all time; missing sums come back zero.
func (r *UsageRepo) Aggregate(ctx domain.Context, userID string, start, end *time.Time) (domain.UsageTotals, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Aggregate")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "usage_records"),
	)

	q := `SELECT COUNT(*), COALESCE(SUM(tokens),0), COALESCE(SUM(cost),0) FROM usage_records WHERE 1=1`
	args := make([]any, 0, 3)
	if userID != "" {
		args = append(args, userID)
		q += ` AND user_id=$` + strconv.Itoa(len(args))
	}
	if start != nil {
		args = append(args, *start)
		q += ` AND created_at >= $` + strconv.Itoa(len(args))
	}
	if end != nil {
		args = append(args, *end)
		q += ` AND created_at <= $` + strconv.Itoa(len(args))
	}

	var t domain.UsageTotals
	row := r.Pool.QueryRow(ctx, q, args...)
	if err := row.Scan(&t.Requests, &t.Tokens, &t.Cost); err != nil {
		return domain.UsageTotals{}, fmt.Errorf("op=usage.aggregate: %w", err)
	}
	return t, nil
}
