package interfaces

import (
	"context"

	"github.com/ternarybob/ideadigest/internal/models"
)

// PlatformFetcher is the opaque fetch capability of the video platform.
// Errors should be *models.PlatformError so they can be classified.
type PlatformFetcher interface {
	FetchChannel(ctx context.Context, user *models.UserProfile) (*models.Channel, error)
	FetchVideos(ctx context.Context, user *models.UserProfile, channel *models.Channel, limit int) ([]*models.Video, error)
	// FetchComments returns an empty slice when comments are disabled on the video
	FetchComments(ctx context.Context, user *models.UserProfile, videoID string, limit int) ([]*models.Comment, error)
}
