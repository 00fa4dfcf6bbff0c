// Package session keeps short-lived per-user dialog state in Redis.
//
// The bot front end uses it to track multi-step flows, like waiting for an
// access key after /start. State is disposable; losing it only resets the
// flow, so entries carry a TTL.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// Dialog step names.
const (
	StateIdle             = "idle"
	StateAwaitingKey      = "awaiting_access_key"
	StateChoosingModel    = "choosing_model"
	StateChoosingProvider = "choosing_provider"
)

// DefaultTTL bounds how long abandoned flows linger.
const DefaultTTL = 24 * time.Hour

// State is one user's current dialog position.
type State struct {
	Step      string    `json:"step"`
	Payload   string    `json:"payload,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes dialog state keyed by Telegram id.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New constructs a Store from a Redis URL.
func New(redisURL, password string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=session.New parse url: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	return &Store{client: redis.NewClient(opt), ttl: DefaultTTL}, nil
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(c *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: c, ttl: ttl}
}

func key(telegramID int64) string {
	return fmt.Sprintf("session:%d", telegramID)
}

// Get loads a user's state. A missing entry is ErrNotFound.
func (s *Store) Get(ctx context.Context, telegramID int64) (State, error) {
	raw, err := s.client.Get(ctx, key(telegramID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, fmt.Errorf("%w: session %d", domain.ErrNotFound, telegramID)
		}
		return State{}, fmt.Errorf("op=session.Get: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("op=session.Get decode: %w", err)
	}
	return st, nil
}

// Set stores a user's state with the store TTL.
func (s *Store) Set(ctx context.Context, telegramID int64, st State) error {
	st.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=session.Set marshal: %w", err)
	}
	if err := s.client.Set(ctx, key(telegramID), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("op=session.Set: %w", err)
	}
	return nil
}

// Clear drops a user's state. Clearing a missing entry is not an error.
func (s *Store) Clear(ctx context.Context, telegramID int64) error {
	if err := s.client.Del(ctx, key(telegramID)).Err(); err != nil {
		return fmt.Errorf("op=session.Clear: %w", err)
	}
	return nil
}

// RateAllow implements a fixed-window per-user counter. It returns false once
// the user has exceeded limit calls within the window.
func (s *Store) RateAllow(ctx context.Context, telegramID int64, limit int, window time.Duration) (bool, error) {
	k := fmt.Sprintf("rate:%d", telegramID)
	n, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("op=session.RateAllow: %w", err)
	}
	if n == 1 {
		if err := s.client.Expire(ctx, k, window).Err(); err != nil {
			return false, fmt.Errorf("op=session.RateAllow expire: %w", err)
		}
	}
	return n <= int64(limit), nil
}

// Ping verifies the Redis connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
