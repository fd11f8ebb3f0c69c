package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PlatformStorage implements the PlatformStorage interface for Badger
type PlatformStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPlatformStorage creates a new PlatformStorage instance
func NewPlatformStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PlatformStorage {
	return &PlatformStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PlatformStorage) SaveChannel(ctx context.Context, channel *models.Channel) error {
	if channel.UserID == "" {
		return fmt.Errorf("channel user ID is required")
	}
	if err := s.db.Store().Upsert(channel.UserID, channel); err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

func (s *PlatformStorage) GetChannel(ctx context.Context, userID string) (*models.Channel, error) {
	var channel models.Channel
	if err := s.db.Store().Get(userID, &channel); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return &channel, nil
}

// SaveVideos upserts the batch in one transaction so a stage boundary never
// leaves half a page written
func (s *PlatformStorage) SaveVideos(ctx context.Context, userID string, videos []*models.Video) error {
	err := s.db.Badger().Update(func(txn *badger.Txn) error {
		for _, video := range videos {
			video.UserID = userID
			if err := s.db.Store().TxUpsert(txn, models.PlatformKey(userID, video.VideoID), video); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save videos: %w", err)
	}
	return nil
}

// ListVideos returns the user's videos, newest first
func (s *PlatformStorage) ListVideos(ctx context.Context, userID string) ([]*models.Video, error) {
	var videos []models.Video
	if err := s.db.Store().Find(&videos, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return nil, fmt.Errorf("failed to list videos: %w", err)
	}

	result := make([]*models.Video, len(videos))
	for i := range videos {
		result[i] = &videos[i]
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].PublishedAt.Equal(result[j].PublishedAt) {
			return result[i].PublishedAt.After(result[j].PublishedAt)
		}
		return result[i].VideoID < result[j].VideoID
	})
	return result, nil
}

func (s *PlatformStorage) CountVideos(ctx context.Context, userID string) (int, error) {
	count, err := s.db.Store().Count(&models.Video{}, badgerhold.Where("UserID").Eq(userID))
	if err != nil {
		return 0, fmt.Errorf("failed to count videos: %w", err)
	}
	return int(count), nil
}

// SaveComments replaces the stored comments of one video
func (s *PlatformStorage) SaveComments(ctx context.Context, userID, videoID string, comments []*models.Comment) error {
	err := s.db.Badger().Update(func(txn *badger.Txn) error {
		query := badgerhold.Where("UserID").Eq(userID).And("VideoID").Eq(videoID)
		if err := s.db.Store().TxDeleteMatching(txn, &models.Comment{}, query); err != nil {
			return err
		}
		for _, comment := range comments {
			comment.UserID = userID
			comment.VideoID = videoID
			if err := s.db.Store().TxUpsert(txn, models.PlatformKey(userID, comment.CommentID), comment); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save comments for video %s: %w", videoID, err)
	}
	return nil
}

// ListComments returns comments of a video ordered by likes, then id
func (s *PlatformStorage) ListComments(ctx context.Context, userID, videoID string) ([]*models.Comment, error) {
	var comments []models.Comment
	query := badgerhold.Where("UserID").Eq(userID).And("VideoID").Eq(videoID)
	if err := s.db.Store().Find(&comments, query); err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}

	result := make([]*models.Comment, len(comments))
	for i := range comments {
		result[i] = &comments[i]
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Likes != result[j].Likes {
			return result[i].Likes > result[j].Likes
		}
		return result[i].CommentID < result[j].CommentID
	})
	return result, nil
}

func (s *PlatformStorage) SaveMetrics(ctx context.Context, userID string, metrics []*models.VideoMetrics) error {
	err := s.db.Badger().Update(func(txn *badger.Txn) error {
		for _, m := range metrics {
			m.UserID = userID
			if err := s.db.Store().TxUpsert(txn, models.PlatformKey(userID, m.VideoID), m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save metrics: %w", err)
	}
	return nil
}

func (s *PlatformStorage) ListMetrics(ctx context.Context, userID string) ([]*models.VideoMetrics, error) {
	var metrics []models.VideoMetrics
	if err := s.db.Store().Find(&metrics, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return nil, fmt.Errorf("failed to list metrics: %w", err)
	}

	result := make([]*models.VideoMetrics, len(metrics))
	for i := range metrics {
		result[i] = &metrics[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].VideoID < result[j].VideoID })
	return result, nil
}
