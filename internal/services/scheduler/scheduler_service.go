package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ideadigest/internal/common"
	"github.com/ternarybob/ideadigest/internal/interfaces"
	"github.com/ternarybob/ideadigest/internal/models"
	"github.com/ternarybob/ideadigest/internal/queue"
)

// DefaultSchedule fires every Monday at 08:00 in the scheduler timezone
const DefaultSchedule = "0 8 * * 1"

// Enqueuer is the queue surface the scheduler needs
type Enqueuer interface {
	Enqueue(ctx context.Context, jobKey string, envelope models.JobEnvelope, opts queue.EnqueueOptions) (string, bool, error)
}

// Config controls when and how digest jobs are enqueued
type Config struct {
	Schedule         string
	Location         *time.Location
	DefaultIdeaCount int
	Options          queue.EnqueueOptions
}

// NewConfig builds scheduler config from the loaded application config
func NewConfig(cfg *common.Config, options queue.EnqueueOptions) (Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Config{}, fmt.Errorf("invalid scheduler timezone: %w", err)
	}
	schedule := cfg.Scheduler.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return Config{
		Schedule:         schedule,
		Location:         loc,
		DefaultIdeaCount: cfg.Digest.DefaultIdeaCount,
		Options:          options,
	}, nil
}

// Summary reports one pass over the eligible users
type Summary struct {
	PeriodKey  string    `json:"period_key"`
	Users      int       `json:"users"`
	Enqueued   int       `json:"enqueued"`
	Duplicates int       `json:"duplicates"`
	Failed     int       `json:"failed"`
	RanAt      time.Time `json:"ran_at"`
}

// Status is the scheduler state exposed to operators
type Status struct {
	Running   bool       `json:"running"`
	Schedule  string     `json:"schedule"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *Summary   `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Service enqueues one digest job per eligible user per period
type Service struct {
	users    interfaces.UserDirectory
	enqueuer Enqueuer
	config   Config
	logger   arbor.ILogger
	now      func() time.Time

	cron    *cron.Cron
	cronID  cron.EntryID
	mu      sync.Mutex // Protects running, lastRun and lastErr
	runMu   sync.Mutex // Prevents overlapping passes
	running bool
	lastRun *Summary
	lastErr string
}

// NewService creates a new scheduler service
func NewService(users interfaces.UserDirectory, enqueuer Enqueuer, config Config, logger arbor.ILogger) *Service {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	return &Service{
		users:    users,
		enqueuer: enqueuer,
		config:   config,
		logger:   logger,
		now:      time.Now,
		cron:     cron.New(cron.WithLocation(config.Location)),
	}
}

// WithClock replaces the clock used for cron-triggered passes
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Start registers the cron entry and starts the scheduler
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if err := common.ValidateSchedule(s.config.Schedule); err != nil {
		return err
	}

	id, err := s.cron.AddFunc(s.config.Schedule, s.runScheduled)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.cronID = id

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Str("timezone", s.config.Location.String()).
		Msg("Scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running pass to finish
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cron.Remove(s.cronID)
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the schedule, next fire time and last pass
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Running:   s.running,
		Schedule:  s.config.Schedule,
		LastError: s.lastErr,
	}
	if s.lastRun != nil {
		last := *s.lastRun
		status.LastRun = &last
	}
	if s.running {
		if entry := s.cron.Entry(s.cronID); entry.Valid() {
			next := entry.Next
			status.NextRun = &next
		}
	}
	return status
}

// runScheduled is the cron callback
func (s *Service) runScheduled() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in scheduled digest pass")
		}
	}()

	if _, err := s.RunOnce(context.Background(), s.now()); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled digest pass failed")
	}
}

// RunOnce enqueues a digest job for every eligible user for the period
// containing now. Running it again in the same period enqueues nothing new
// while the earlier jobs are pending, and they no-op once sent.
func (s *Service) RunOnce(ctx context.Context, now time.Time) (Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	started := time.Now()
	summary := Summary{
		PeriodKey: common.PeriodKey(now, s.config.Location),
		RanAt:     now,
	}

	users, err := s.users.ListEligible(ctx)
	if err != nil {
		s.record(summary, err)
		return summary, fmt.Errorf("failed to list eligible users: %w", err)
	}
	summary.Users = len(users)

	var errs []error
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		count := user.IdeaCount
		if count <= 0 {
			count = s.config.DefaultIdeaCount
		}
		envelope := models.NewDigestEnvelope(user.UserID, summary.PeriodKey, count)

		id, enqueued, err := s.enqueuer.Enqueue(ctx, envelope.DedupKey(), envelope, s.config.Options)
		switch {
		case err != nil:
			summary.Failed++
			errs = append(errs, fmt.Errorf("user %s: %w", user.UserID, err))
			s.logger.Warn().Err(err).Str("user_id", user.UserID).Msg("Failed to enqueue digest job")
		case enqueued:
			summary.Enqueued++
			s.logger.Debug().Str("user_id", user.UserID).Str("job_id", id).Msg("Digest job enqueued")
		default:
			summary.Duplicates++
			s.logger.Debug().Str("user_id", user.UserID).Str("job_id", id).Msg("Digest job already queued")
		}
	}

	err = errors.Join(errs...)
	s.record(summary, err)

	s.logger.Info().
		Str("period", summary.PeriodKey).
		Int("users", summary.Users).
		Int("enqueued", summary.Enqueued).
		Int("duplicates", summary.Duplicates).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(started)).
		Msg("Digest pass finished")

	return summary, err
}

func (s *Service) record(summary Summary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = &summary
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
}
