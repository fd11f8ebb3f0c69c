package interfaces

import (
	"context"

	"github.com/ternarybob/ideadigest/internal/models"
)

// PlatformStorage - persistence for synced channel, video and comment data
type PlatformStorage interface {
	// Channel operations
	SaveChannel(ctx context.Context, channel *models.Channel) error
	GetChannel(ctx context.Context, userID string) (*models.Channel, error)

	// Video operations
	SaveVideos(ctx context.Context, userID string, videos []*models.Video) error
	ListVideos(ctx context.Context, userID string) ([]*models.Video, error)
	CountVideos(ctx context.Context, userID string) (int, error)

	// Comment operations
	SaveComments(ctx context.Context, userID, videoID string, comments []*models.Comment) error
	ListComments(ctx context.Context, userID, videoID string) ([]*models.Comment, error)

	// Metrics operations
	SaveMetrics(ctx context.Context, userID string, metrics []*models.VideoMetrics) error
	ListMetrics(ctx context.Context, userID string) ([]*models.VideoMetrics, error)
}

// IdeaStorage - persistence for generated idea batches
type IdeaStorage interface {
	SaveBatch(ctx context.Context, batch *models.IdeaBatch) error
	// GetBatch returns ErrKeyNotFound when no batch exists for the period
	GetBatch(ctx context.Context, userID, periodKey string) (*models.IdeaBatch, error)
	ListBatches(ctx context.Context, userID string) ([]*models.IdeaBatch, error)
}

// UserDirectory - lookup of users eligible for digests.
// Account storage proper lives outside this service.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*models.UserProfile, error)
	SaveUser(ctx context.Context, user *models.UserProfile) error
	ListEligible(ctx context.Context) ([]*models.UserProfile, error)
	SetUnsubscribed(ctx context.Context, userID string, unsubscribed bool) error
}
