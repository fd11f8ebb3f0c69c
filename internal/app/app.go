package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/handlers"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/queue"
	"github.com/ternarybob/ideadigest/internal/services/digest"
	"github.com/ternarybob/ideadigest/internal/services/ideas"
	"github.com/ternarybob/ideadigest/internal/services/jobs"
	"github.com/ternarybob/ideadigest/internal/services/locks"
	"github.com/ternarybob/ideadigest/internal/services/mailer"
	"github.com/ternarybob/ideadigest/internal/services/platformsync"
	"github.com/ternarybob/ideadigest/internal/services/progress"
	"github.com/ternarybob/ideadigest/internal/services/scheduler"
	"github.com/ternarybob/ideadigest/internal/storage"
	badgerstore "github.com/ternarybob/ideadigest/internal/storage/badger"
	"github.com/ternarybob/ideadigest/internal/youtube"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager *badgerstore.Manager

	// Pipeline services
	Locker     *locks.Locker
	Tracker    *progress.Tracker
	Fetcher    interfaces.PlatformFetcher
	SyncWorker *platformsync.Worker
	Generator  *ideas.Generator
	Deliverer  interfaces.Deliverer
	Dispatcher *digest.Dispatcher

	// Queue and scheduling
	QueueManager     *queue.BadgerManager
	WorkerPool       *queue.WorkerPool
	Processor        *jobs.Processor
	SchedulerService *scheduler.Service

	// HTTP handlers
	APIHandler         *handlers.APIHandler
	DigestHandler      *handlers.DigestHandler
	SyncHandler        *handlers.SyncHandler
	ProgressStream     *handlers.ProgressStreamHandler
	UnsubscribeHandler *handlers.UnsubscribeHandler
	QueueHandler       *handlers.QueueHandler

	unsubscribe *digest.UnsubscribeService
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	app.initHandlers()

	// Start job workers AFTER all handlers are registered
	if err := app.WorkerPool.Start(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	if cfg.Scheduler.Enabled {
		if err := app.SchedulerService.Start(); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	} else {
		logger.Info().Msg("Scheduler disabled, digests only sent on manual trigger")
	}

	logger.Info().
		Str("mailer", app.Deliverer.Name()).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Int("workers", app.QueueManager.Config().Concurrency).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger) and seeds configured users
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	if err := a.seedUsers(context.Background()); err != nil {
		// Log warning but don't fail startup
		a.Logger.Warn().Err(err).Msg("Failed to seed users from config")
	}

	return nil
}

// seedUsers upserts [[users]] entries, keeping stored unsubscribe state and tokens
func (a *App) seedUsers(ctx context.Context) error {
	users := a.StorageManager.UserDirectory()

	var errs []error
	for _, seed := range a.Config.Users {
		user, err := users.GetUser(ctx, seed.UserID)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			user = &models.UserProfile{UserID: seed.UserID}
		} else if err != nil {
			errs = append(errs, err)
			continue
		}

		user.Email = seed.Email
		user.DisplayName = seed.DisplayName
		user.ChannelID = seed.ChannelID
		user.IdeaCount = seed.IdeaCount
		user.DigestEnabled = seed.DigestEnabled == nil || *seed.DigestEnabled
		if seed.RefreshToken != "" {
			user.RefreshToken = seed.RefreshToken
		}

		if err := users.SaveUser(ctx, user); err != nil {
			errs = append(errs, err)
		}
	}

	if len(a.Config.Users) > 0 {
		a.Logger.Info().Int("users", len(a.Config.Users)).Msg("Seeded users from config")
	}
	return errors.Join(errs...)
}

// initServices initializes all business services in dependency order:
// cache locks -> tracker -> fetcher + sync worker -> generator -> dispatcher
// -> queue + processor -> scheduler
func (a *App) initServices() error {
	cfg := a.Config
	store := a.StorageManager.CacheStore()
	users := a.StorageManager.UserDirectory()
	platform := a.StorageManager.PlatformStorage()

	a.Locker = locks.NewLocker(store, a.Logger)
	a.Tracker = progress.NewTracker(store, a.Locker, progress.NewConfig(cfg.Sync), a.Logger)

	a.Fetcher = youtube.NewClientFromConfig(cfg.YouTube, a.Logger)
	a.SyncWorker = platformsync.NewWorker(a.Fetcher, platform, users, a.Tracker, platformsync.NewConfig(cfg.Sync), a.Logger)

	a.Generator = ideas.NewGenerator(platform, ideas.NewConfig(cfg.Digest), a.Logger)

	deliverer, err := mailer.NewDeliverer(context.Background(), cfg.Mailer, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create mail deliverer: %w", err)
	}
	a.Deliverer = deliverer

	renderer, err := digest.NewRendererFromDir(cfg.Digest.TemplatesDir, cfg.Digest.Subject)
	if err != nil {
		return fmt.Errorf("failed to load digest template: %w", err)
	}

	a.unsubscribe, err = digest.NewUnsubscribeServiceFromConfig(cfg, users, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create unsubscribe service: %w", err)
	}

	a.Dispatcher = digest.NewDispatcher(store, users, platform, a.Deliverer, renderer, a.unsubscribe, digest.NewConfig(cfg.Digest), a.Logger)

	a.QueueManager, err = queue.NewBadgerManager(a.StorageManager.DB().Badger(), queue.NewConfig(cfg.Queue), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}

	a.Processor = jobs.NewProcessor(a.SyncWorker, a.Generator, a.StorageManager.IdeaStorage(), a.Dispatcher, a.Tracker, a.Logger)
	a.WorkerPool = queue.NewWorkerPool(a.QueueManager, a.Logger)
	a.Processor.Register(a.WorkerPool)

	schedulerConfig, err := scheduler.NewConfig(cfg, a.QueueManager.Config().DefaultEnqueueOptions())
	if err != nil {
		return err
	}
	a.SchedulerService = scheduler.NewService(users, a.QueueManager, schedulerConfig, a.Logger)

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	options := a.QueueManager.Config().DefaultEnqueueOptions()
	loc, _ := a.Config.Location() // Checked by Validate

	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.DigestHandler = handlers.NewDigestHandler(a.QueueManager, a.StorageManager.UserDirectory(), options, loc, a.Config.Digest.DefaultIdeaCount, a.Logger)
	a.SyncHandler = handlers.NewSyncHandler(a.Tracker, a.QueueManager, options, a.Logger)
	a.ProgressStream = handlers.NewProgressStreamHandler(a.Tracker, time.Second, a.Logger)
	a.UnsubscribeHandler = handlers.NewUnsubscribeHandler(a.unsubscribe, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(a.QueueManager, a.SchedulerService, a.Logger)
}

// Close stops background work and closes storage. In-flight jobs that do not
// finish are redelivered on the next start.
func (a *App) Close() error {
	// Stop scheduler service first so no new jobs arrive
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Stop job workers
	if a.WorkerPool != nil {
		if err := a.WorkerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop worker pool")
		} else {
			a.Logger.Info().Msg("Worker pool stopped")
		}
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue manager")
		}
	}

	// Close storage
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
