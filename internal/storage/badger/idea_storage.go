package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// IdeaStorage implements the IdeaStorage interface for Badger
type IdeaStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewIdeaStorage creates a new IdeaStorage instance
func NewIdeaStorage(db *BadgerDB, logger arbor.ILogger) interfaces.IdeaStorage {
	return &IdeaStorage{
		db:     db,
		logger: logger,
	}
}

// SaveBatch stores a batch. Batches are immutable, so an existing batch for
// the same period is kept and the call is a no-op.
func (s *IdeaStorage) SaveBatch(ctx context.Context, batch *models.IdeaBatch) error {
	if batch.UserID == "" || batch.PeriodKey == "" {
		return fmt.Errorf("idea batch user ID and period key are required")
	}

	err := s.db.Store().Insert(models.IdeaBatchKey(batch.UserID, batch.PeriodKey), batch)
	if errors.Is(err, badgerhold.ErrKeyExists) {
		s.logger.Debug().
			Str("user_id", batch.UserID).
			Str("period", batch.PeriodKey).
			Msg("Idea batch already stored for period, keeping original")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save idea batch: %w", err)
	}
	return nil
}

func (s *IdeaStorage) GetBatch(ctx context.Context, userID, periodKey string) (*models.IdeaBatch, error) {
	var batch models.IdeaBatch
	if err := s.db.Store().Get(models.IdeaBatchKey(userID, periodKey), &batch); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get idea batch: %w", err)
	}
	return &batch, nil
}

// ListBatches returns the user's batches, newest period first
func (s *IdeaStorage) ListBatches(ctx context.Context, userID string) ([]*models.IdeaBatch, error) {
	var batches []models.IdeaBatch
	if err := s.db.Store().Find(&batches, badgerhold.Where("UserID").Eq(userID)); err != nil {
		return nil, fmt.Errorf("failed to list idea batches: %w", err)
	}

	result := make([]*models.IdeaBatch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PeriodKey > result[j].PeriodKey })
	return result, nil
}
