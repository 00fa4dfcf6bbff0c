// Package domain holds the core entities, ports, and error taxonomy of the
// AI chat bot backend. It has no dependencies on adapters.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels).
//
// Provider errors form a closed set that the AI router matches on with
// errors.Is instead of fragile message-substring checks.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInternal        = errors.New("internal error")

	// ErrProviderAuth signals a rejected credential (HTTP 401). Fatal for the
	// call; surfaced to administrators, never retried.
	ErrProviderAuth = errors.New("provider auth failed")
	// ErrProviderRateLimited signals HTTP 429 from the backend. Transient;
	// propagated verbatim to the end user, no automatic backoff.
	ErrProviderRateLimited = errors.New("provider rate limited")
	// ErrProviderBadRequest signals HTTP 400; the backend message is attached
	// by the client that raised it.
	ErrProviderBadRequest = errors.New("provider bad request")
	// ErrProviderUnavailable covers HTTP >= 500 and transport timeouts.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrNoProvidersAvailable means every configured provider failed its
	// health check; nothing was dispatched.
	ErrNoProvidersAvailable = errors.New("no ai providers available")
)

// Provider identifies one LLM backend. Never persisted; carried on each
// request/response pair to select the matching client and pricing table.
type Provider string

// Supported providers, in fixed fallback order.
const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderOpenAI     Provider = "openai"
)

// Valid reports whether p names a configured backend.
func (p Provider) Valid() bool {
	return p == ProviderOpenRouter || p == ProviderOpenAI
}

// Message roles as stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn in a conversation. Immutable once created; inserted or
// bulk-deleted only (context clear, account deletion cascade).
type Message struct {
	ID        string
	UserID    string
	Role      string
	Content   string
	Tokens    *int
	Cost      *float64
	FileURL   string
	FileName  string
	CreatedAt time.Time
}

// Request categories recorded on usage entries.
const (
	RequestTypeText    = "text"
	RequestTypeFile    = "file"
	RequestTypeForward = "forward"
)

// UsageRecord is one billed request. Append-only; cost and tokens are
// non-negative point-in-time snapshots, never recomputed when pricing moves.
type UsageRecord struct {
	ID          string
	UserID      string
	Tokens      int
	Cost        float64
	Model       string
	RequestType string
	CreatedAt   time.Time
}

// UsageTotals is the windowed aggregate over usage records. Missing sums are
// zero-valued, never null-propagated.
type UsageTotals struct {
	Requests int64
	Tokens   int64
	Cost     float64
}

// User is a registered bot account bound to the access key that admitted it.
type User struct {
	ID          string
	TelegramID  int64
	Username    string
	FirstName   string
	LastName    string
	AccessKeyID string
	IsAdmin     bool
	IsActive    bool
	CreatedAt   time.Time
}

// AccessKey is a single-use admission credential. The raw key is shown once
// at generation time; only its bcrypt hash is stored.
type AccessKey struct {
	ID        string
	KeyHash   string
	CreatedBy string
	IsActive  bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Setting is one persisted configuration entry.
type Setting struct {
	Key         string
	Value       string
	Description string
}

// Well-known setting keys.
const (
	SettingMaxContextMessages = "max_context_messages"
	SettingDefaultModel       = "default_model"
	SettingSystemPrompt       = "system_prompt"
)

// DefaultSystemPrompt applies when the settings store has no value for
// SettingSystemPrompt.
const DefaultSystemPrompt = "You are a helpful AI assistant. Answer clearly and concisely."

// DefaultMaxContextMessages applies when the settings store has no value for
// SettingMaxContextMessages.
const DefaultMaxContextMessages = 20

// AIMessage is the transient normalized turn exchanged between the context
// builder, the router, and the provider clients. Content is either a plain
// string or structured parts for vision turns.
type AIMessage struct {
	Role    string
	Content string
	// Parts, when non-empty, takes precedence over Content and is sent as the
	// OpenAI structured content array (text and image_url parts).
	Parts []ContentPart
}

// Content part types for vision turns.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ContentPart is one element of a structured message content array.
type ContentPart struct {
	Type     string
	Text     string
	ImageURL string
}

// TextMessage builds a plain-text AIMessage.
func TextMessage(role, content string) AIMessage {
	return AIMessage{Role: role, Content: content}
}

// TokenUsage reports token counts for one completed provider call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AIResponse is the normalized result of one chat completion, tagged with
// the provider that actually served it.
type AIResponse struct {
	Content  string
	Usage    TokenUsage
	Model    string
	Provider Provider
}

// AIRequestOptions tune one completion call. Zero values fall back to the
// client defaults (max tokens 4000, temperature 0.7). Setting Provider pins
// the call to that backend and disables failover.
type AIRequestOptions struct {
	Model            string
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Provider         Provider
}

// ModelInfo is a normalized catalog entry from a provider's model listing.
type ModelInfo struct {
	ID          string
	Name        string
	Description string
}

// Balance is the remaining credit reported by a provider account endpoint.
// OpenRouter exposes one; OpenAI has no equivalent.
type Balance struct {
	Credits float64
	Usage   float64
}

// Repositories (ports)

// MessageRepository persists conversation turns.
type MessageRepository interface {
	Create(ctx Context, m Message) (string, error)
	// ListRecent returns up to limit messages for the user ordered
	// newest-first.
	ListRecent(ctx Context, userID string, limit int) ([]Message, error)
	DeleteAllForUser(ctx Context, userID string) (int64, error)
	CountForUser(ctx Context, userID string) (int64, error)
}

// UsageRepository persists and aggregates billed activity.
type UsageRepository interface {
	Create(ctx Context, u UsageRecord) (string, error)
	// Aggregate sums records, optionally scoped to a user and bounded by
	// [start, end]. Nil bounds mean all time.
	Aggregate(ctx Context, userID string, start, end *time.Time) (UsageTotals, error)
}

// UserRepository persists bot accounts.
type UserRepository interface {
	Create(ctx Context, u User) (string, error)
	GetByTelegramID(ctx Context, telegramID int64) (User, error)
	Update(ctx Context, u User) error
	List(ctx Context) ([]User, error)
}

// AccessKeyRepository persists admission keys.
type AccessKeyRepository interface {
	Create(ctx Context, k AccessKey) (string, error)
	List(ctx Context) ([]AccessKey, error)
	Get(ctx Context, id string) (AccessKey, error)
	Update(ctx Context, k AccessKey) error
}

// SettingsRepository is the narrow settings store consumed by the context
// builder and admin surface.
type SettingsRepository interface {
	Get(ctx Context, key string) (Setting, error)
	Set(ctx Context, s Setting) error
}

// AIService is the provider-agnostic surface the use cases talk to.
type AIService interface {
	SendMessage(ctx Context, messages []AIMessage, opts AIRequestOptions) (AIResponse, error)
	AnalyzeImage(ctx Context, imageURL, prompt string, opts AIRequestOptions) (AIResponse, error)
	ProcessTextFile(ctx Context, content, prompt string, opts AIRequestOptions) (AIResponse, error)
	CalculateCost(promptTokens, completionTokens int, model string, provider Provider) float64
	Models(ctx Context, provider Provider) ([]ModelInfo, error)
	HealthCheckAll(ctx Context) map[Provider]bool
}

// UsageEventPublisher streams usage records to external analytics. Optional;
// implementations must be safe to call with a nil receiver.
type UsageEventPublisher interface {
	PublishUsage(ctx Context, u UsageRecord) error
}

// Context aliases context.Context so that ports read uniformly; adapters pass
// the standard context through.
type Context = context.Context
