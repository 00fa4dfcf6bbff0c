package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// UserService manages bot accounts. Registration consumes an access key;
// admins bypass the key requirement when their Telegram id matches the
// configured admin id.
type UserService struct {
	Users           domain.UserRepository
	Access          AccessKeyService
	AdminTelegramID int64
}

// NewUserService constructs a UserService.
func NewUserService(r domain.UserRepository, a AccessKeyService, adminTelegramID int64) UserService {
	return UserService{Users: r, Access: a, AdminTelegramID: adminTelegramID}
}

// Register admits a new user. Existing accounts are returned as-is; new ones
// must present a redeemable access key unless they are the configured admin.
func (s UserService) Register(ctx domain.Context, telegramID int64, username, firstName, lastName, rawKey string) (domain.User, error) {
	existing, err := s.Users.GetByTelegramID(ctx, telegramID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, err
	}

	u := domain.User{
		TelegramID: telegramID,
		Username:   username,
		FirstName:  firstName,
		LastName:   lastName,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	if telegramID != 0 && telegramID == s.AdminTelegramID {
		u.IsAdmin = true
	} else {
		key, err := s.Access.Redeem(ctx, rawKey)
		if err != nil {
			return domain.User{}, err
		}
		u.AccessKeyID = key.ID
	}

	id, err := s.Users.Create(ctx, u)
	if err != nil {
		return domain.User{}, err
	}
	u.ID = id
	return u, nil
}

// Lookup resolves an account by Telegram id, requiring it to be active.
func (s UserService) Lookup(ctx domain.Context, telegramID int64) (domain.User, error) {
	u, err := s.Users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return domain.User{}, err
	}
	if !u.IsActive {
		return domain.User{}, fmt.Errorf("%w: account deactivated", domain.ErrUnauthorized)
	}
	return u, nil
}

// SetActive toggles an account's active flag.
func (s UserService) SetActive(ctx domain.Context, telegramID int64, active bool) (domain.User, error) {
	u, err := s.Users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return domain.User{}, err
	}
	u.IsActive = active
	if err := s.Users.Update(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// List returns all registered accounts for the admin surface.
func (s UserService) List(ctx domain.Context) ([]domain.User, error) {
	return s.Users.List(ctx)
}
