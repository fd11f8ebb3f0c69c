package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// UserStorage is a local UserDirectory so the service runs standalone
type UserStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUserStorage creates a new UserStorage instance
func NewUserStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UserDirectory {
	return &UserStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UserStorage) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	var user models.UserProfile
	if err := s.db.Store().Get(userID, &user); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *UserStorage) SaveUser(ctx context.Context, user *models.UserProfile) error {
	if user.UserID == "" {
		return fmt.Errorf("user ID is required")
	}

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	if err := s.db.Store().Upsert(user.UserID, user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// ListEligible returns users with digests enabled, including unsubscribed ones;
// suppression is decided at dispatch time
func (s *UserStorage) ListEligible(ctx context.Context) ([]*models.UserProfile, error) {
	var users []models.UserProfile
	if err := s.db.Store().Find(&users, badgerhold.Where("DigestEnabled").Eq(true)); err != nil {
		return nil, fmt.Errorf("failed to list eligible users: %w", err)
	}

	result := make([]*models.UserProfile, len(users))
	for i := range users {
		result[i] = &users[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}

func (s *UserStorage) SetUnsubscribed(ctx context.Context, userID string, unsubscribed bool) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	if user.Unsubscribed == unsubscribed {
		return nil
	}

	user.Unsubscribed = unsubscribed
	if unsubscribed {
		user.UnsubscribedAt = time.Now()
	} else {
		user.UnsubscribedAt = time.Time{}
	}

	s.logger.Info().Str("user_id", userID).Bool("unsubscribed", unsubscribed).Msg("Updated email subscription")
	return s.SaveUser(ctx, user)
}
