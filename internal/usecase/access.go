package usecase

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// AccessKeyService issues and redeems single-use admission keys. The raw key
// is returned exactly once at generation; only its bcrypt hash is stored.
type AccessKeyService struct {
	Keys domain.AccessKeyRepository
}

// NewAccessKeyService constructs an AccessKeyService.
func NewAccessKeyService(r domain.AccessKeyRepository) AccessKeyService {
	return AccessKeyService{Keys: r}
}

// Generate creates a new access key and returns the raw key string.
func (s AccessKeyService) Generate(ctx domain.Context, createdBy string) (string, domain.AccessKey, error) {
	raw := "ak_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", domain.AccessKey{}, fmt.Errorf("op=access.Generate hash: %w", err)
	}

	key := domain.AccessKey{
		KeyHash:   string(hash),
		CreatedBy: createdBy,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	id, err := s.Keys.Create(ctx, key)
	if err != nil {
		return "", domain.AccessKey{}, err
	}
	key.ID = id
	return raw, key, nil
}

// Redeem matches a raw key against the stored active unused keys and marks
// the match as used. An exhausted or unknown key yields ErrUnauthorized.
func (s AccessKeyService) Redeem(ctx domain.Context, rawKey string) (domain.AccessKey, error) {
	if rawKey == "" {
		return domain.AccessKey{}, fmt.Errorf("%w: empty access key", domain.ErrInvalidArgument)
	}
	keys, err := s.Keys.List(ctx)
	if err != nil {
		return domain.AccessKey{}, err
	}
	for _, k := range keys {
		if !k.IsActive || k.UsedAt != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) != nil {
			continue
		}
		now := time.Now().UTC()
		k.UsedAt = &now
		if err := s.Keys.Update(ctx, k); err != nil {
			return domain.AccessKey{}, err
		}
		return k, nil
	}
	return domain.AccessKey{}, fmt.Errorf("%w: invalid access key", domain.ErrUnauthorized)
}

// Revoke deactivates a key so it can no longer be redeemed.
func (s AccessKeyService) Revoke(ctx domain.Context, id string) error {
	k, err := s.Keys.Get(ctx, id)
	if err != nil {
		return err
	}
	k.IsActive = false
	return s.Keys.Update(ctx, k)
}

// List returns all keys, hashes included, for the admin surface.
func (s AccessKeyService) List(ctx domain.Context) ([]domain.AccessKey, error) {
	return s.Keys.List(ctx)
}
