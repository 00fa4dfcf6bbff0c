package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-chat-bot/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
	"github.com/fairyhunter13/ai-chat-bot/pkg/textx"
)

// ChatService runs one conversation turn end to end: persist the incoming
// message, assemble context, call the provider layer, persist the reply, and
// record usage. Usage is recorded only after a successful provider call.
type ChatService struct {
	Messages domain.MessageRepository
	AI       domain.AIService
	Builder  ContextBuilder
	Usage    UsageService
}

// NewChatService constructs a ChatService.
func NewChatService(m domain.MessageRepository, ai domain.AIService, b ContextBuilder, u UsageService) ChatService {
	return ChatService{Messages: m, AI: ai, Builder: b, Usage: u}
}

// Send handles a plain text turn for userID and returns the stored assistant
// reply.
func (s ChatService) Send(ctx domain.Context, userID, text string, opts domain.AIRequestOptions) (domain.Message, error) {
	text = textx.SanitizeText(text)
	if text == "" {
		return domain.Message{}, fmt.Errorf("%w: empty message", domain.ErrInvalidArgument)
	}
	return s.turn(ctx, userID, text, domain.RequestTypeText, opts, domain.Message{})
}

// SendForward handles a forwarded message. The forwarded text is framed with
// an analysis prompt rather than treated as the user's own words.
func (s ChatService) SendForward(ctx domain.Context, userID, origin, text string, opts domain.AIRequestOptions) (domain.Message, error) {
	text = textx.SanitizeText(text)
	if text == "" {
		return domain.Message{}, fmt.Errorf("%w: empty forwarded message", domain.ErrInvalidArgument)
	}
	framed := forwardPrompt(origin, text)
	return s.turn(ctx, userID, framed, domain.RequestTypeForward, opts, domain.Message{})
}

func forwardPrompt(origin, text string) string {
	var b strings.Builder
	b.WriteString("The user forwarded a message")
	if origin != "" {
		b.WriteString(" from ")
		b.WriteString(origin)
	}
	b.WriteString(". Analyze or respond to its content:\n\n")
	b.WriteString(text)
	return b.String()
}

// turn is the shared pipeline behind the public entry points. extra carries
// file metadata when the incoming turn references an upload.
func (s ChatService) turn(ctx domain.Context, userID, content, requestType string, opts domain.AIRequestOptions, extra domain.Message) (domain.Message, error) {
	userMsg := domain.Message{
		UserID:    userID,
		Role:      domain.RoleUser,
		Content:   content,
		FileURL:   extra.FileURL,
		FileName:  extra.FileName,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.Messages.Create(ctx, userMsg); err != nil {
		return domain.Message{}, fmt.Errorf("op=chat.turn store user message: %w", err)
	}

	msgs, err := s.Builder.Build(ctx, userID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=chat.turn build context: %w", err)
	}

	if opts.Model == "" {
		opts.Model = s.Builder.DefaultModel(ctx)
	}
	resp, err := s.AI.SendMessage(ctx, msgs, opts)
	if err != nil {
		return domain.Message{}, err
	}

	cost := s.AI.CalculateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Model, resp.Provider)
	tokens := resp.Usage.TotalTokens

	reply := domain.Message{
		UserID:    userID,
		Role:      domain.RoleAssistant,
		Content:   resp.Content,
		Tokens:    &tokens,
		Cost:      &cost,
		CreatedAt: time.Now().UTC(),
	}
	id, err := s.Messages.Create(ctx, reply)
	if err != nil {
		return domain.Message{}, fmt.Errorf("op=chat.turn store reply: %w", err)
	}
	reply.ID = id

	if err := s.Usage.Record(ctx, domain.UsageRecord{
		UserID:      userID,
		Tokens:      tokens,
		Cost:        cost,
		Model:       resp.Model,
		RequestType: requestType,
	}); err != nil {
		return domain.Message{}, fmt.Errorf("op=chat.turn record usage: %w", err)
	}
	observability.ChatTurnsTotal.WithLabelValues(requestType).Inc()

	return reply, nil
}

// ClearContext deletes the user's conversation history and returns how many
// messages were removed.
func (s ChatService) ClearContext(ctx domain.Context, userID string) (int64, error) {
	return s.Messages.DeleteAllForUser(ctx, userID)
}

// HistorySize reports how many messages a user has stored.
func (s ChatService) HistorySize(ctx domain.Context, userID string) (int64, error) {
	return s.Messages.CountForUser(ctx, userID)
}
