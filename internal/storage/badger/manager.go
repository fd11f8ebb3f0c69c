package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
)

// Manager owns the Badger connection and the storages built on it
type Manager struct {
	db       *BadgerDB
	cache    *CacheStore
	platform interfaces.PlatformStorage
	ideas    interfaces.IdeaStorage
	users    interfaces.UserDirectory
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		cache:    NewCacheStore(db, logger),
		platform: NewPlatformStorage(db, logger),
		ideas:    NewIdeaStorage(db, logger),
		users:    NewUserStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// CacheStore returns the TTL key/value store
func (m *Manager) CacheStore() interfaces.CacheStore {
	return m.cache
}

// PlatformStorage returns the synced platform data storage
func (m *Manager) PlatformStorage() interfaces.PlatformStorage {
	return m.platform
}

// IdeaStorage returns the idea batch storage
func (m *Manager) IdeaStorage() interfaces.IdeaStorage {
	return m.ideas
}

// UserDirectory returns the local user directory
func (m *Manager) UserDirectory() interfaces.UserDirectory {
	return m.users
}

// DB returns the underlying database connection
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
