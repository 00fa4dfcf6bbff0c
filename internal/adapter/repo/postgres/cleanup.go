package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService prunes conversation history past the retention window. The
// usage ledger is never pruned; billing history stays complete.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a cleanup service. retentionDays <= 0 disables
// pruning.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldMessages removes messages older than the retention window.
func (s *CleanupService) CleanupOldMessages(ctx context.Context) error {
	if s.RetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tag, err := s.Pool.Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.messages: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("message retention cleanup completed",
			slog.Int64("deleted_messages", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// RunPeriodic runs cleanup on a ticker until the context is canceled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if s.RetentionDays <= 0 {
		return
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldMessages(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldMessages(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
