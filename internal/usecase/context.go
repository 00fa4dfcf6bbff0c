package usecase

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// ContextBuilder assembles the model-facing message list for a user's next
// turn: one system prompt followed by the most recent stored turns in
// chronological order.
type ContextBuilder struct {
	Messages domain.MessageRepository
	Settings domain.SettingsRepository
}

// NewContextBuilder constructs a ContextBuilder.
func NewContextBuilder(m domain.MessageRepository, s domain.SettingsRepository) ContextBuilder {
	return ContextBuilder{Messages: m, Settings: s}
}

// Build returns the context window for userID. The history is capped at the
// max_context_messages setting; the system prompt is prepended and does not
// count against the cap.
func (b ContextBuilder) Build(ctx domain.Context, userID string) ([]domain.AIMessage, error) {
	limit := b.maxContextMessages(ctx)

	history, err := b.Messages.ListRecent(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]domain.AIMessage, 0, len(history)+1)
	out = append(out, domain.TextMessage(domain.RoleSystem, b.systemPrompt(ctx)))
	// ListRecent is newest-first; the model wants chronological order.
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, domain.TextMessage(history[i].Role, history[i].Content))
	}
	return out, nil
}

func (b ContextBuilder) maxContextMessages(ctx domain.Context) int {
	s, err := b.Settings.Get(ctx, domain.SettingMaxContextMessages)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("settings lookup failed, using default context size", slog.Any("error", err))
		}
		return domain.DefaultMaxContextMessages
	}
	n, err := strconv.Atoi(s.Value)
	if err != nil || n <= 0 {
		slog.Warn("invalid max_context_messages value, using default", slog.String("value", s.Value))
		return domain.DefaultMaxContextMessages
	}
	return n
}

func (b ContextBuilder) systemPrompt(ctx domain.Context) string {
	s, err := b.Settings.Get(ctx, domain.SettingSystemPrompt)
	if err != nil || s.Value == "" {
		return domain.DefaultSystemPrompt
	}
	return s.Value
}

// DefaultModel reads the default_model setting; empty means the provider's
// configured model applies.
func (b ContextBuilder) DefaultModel(ctx domain.Context) string {
	s, err := b.Settings.Get(ctx, domain.SettingDefaultModel)
	if err != nil {
		return ""
	}
	return s.Value
}
