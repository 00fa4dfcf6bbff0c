package usecase

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// UsageStats groups the three reporting windows computed at call time.
type UsageStats struct {
	Today   domain.UsageTotals
	Last30d domain.UsageTotals
	AllTime domain.UsageTotals
}

// UsageService owns the append-only billing ledger. Records are written only
// for completed provider calls; aggregates are computed from the ledger, never
// stored.
type UsageService struct {
	Repo      domain.UsageRepository
	Publisher domain.UsageEventPublisher
	Now       func() time.Time
}

// NewUsageService constructs a UsageService. publisher may be nil.
func NewUsageService(r domain.UsageRepository, p domain.UsageEventPublisher) UsageService {
	return UsageService{Repo: r, Publisher: p, Now: time.Now}
}

// Record appends one usage entry. A publish failure is logged and does not
// fail the record.
func (s UsageService) Record(ctx domain.Context, rec domain.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.Now().UTC()
	}
	id, err := s.Repo.Create(ctx, rec)
	if err != nil {
		return err
	}
	rec.ID = id

	observability.UsageTokensTotal.WithLabelValues(rec.Model).Add(float64(rec.Tokens))
	observability.UsageCostTotal.WithLabelValues(rec.Model).Add(rec.Cost)

	if s.Publisher != nil {
		if err := s.Publisher.PublishUsage(ctx, rec); err != nil {
			slog.Warn("usage event publish failed",
				slog.String("usage_id", rec.ID),
				slog.Any("error", err))
		}
	}
	return nil
}

// Stats computes the today, 30-day, and all-time windows for one user. An
// empty userID aggregates across all users.
func (s UsageService) Stats(ctx domain.Context, userID string) (UsageStats, error) {
	now := s.Now()

	today, err := s.Repo.Aggregate(ctx, userID, ptrTime(startOfDay(now)), nil)
	if err != nil {
		return UsageStats{}, err
	}
	last30, err := s.Repo.Aggregate(ctx, userID, ptrTime(now.AddDate(0, 0, -30)), nil)
	if err != nil {
		return UsageStats{}, err
	}
	all, err := s.Repo.Aggregate(ctx, userID, nil, nil)
	if err != nil {
		return UsageStats{}, err
	}
	return UsageStats{Today: today, Last30d: last30, AllTime: all}, nil
}

// startOfDay returns local midnight of t. The today window follows the
// server's local calendar day.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func ptrTime(t time.Time) *time.Time { return &t }
