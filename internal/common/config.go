package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	Queue       QueueConfig       `toml:"queue"`
	Storage     StorageConfig     `toml:"storage"`
	Logging     LoggingConfig     `toml:"logging"`
	Sync        SyncConfig        `toml:"sync"`
	Digest      DigestConfig      `toml:"digest"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Mailer      MailerConfig      `toml:"mailer"`
	YouTube     YouTubeConfig     `toml:"youtube"`
	Unsubscribe UnsubscribeConfig `toml:"unsubscribe"`
	Users       []UserConfig      `toml:"users"` // Seeded into the local user directory at startup
}

type ServerConfig struct {
	Port    int    `toml:"port"`
	Host    string `toml:"host"`
	BaseURL string `toml:"base_url"` // Public URL used in email links
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent workers
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxAttempts       int    `toml:"max_attempts"`       // Deliveries before a job is marked failed
	Backoff           string `toml:"backoff"`            // Base delay before a nacked job becomes visible again
	QueueName         string `toml:"queue_name"`         // Queue name prefix in Badger
	RemoveOnComplete  bool   `toml:"remove_on_complete"` // Purge completed jobs instead of retaining them
	RemoveOnFail      bool   `toml:"remove_on_fail"`     // Purge failed jobs instead of retaining them
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	InMemory       bool   `toml:"in_memory"`        // Run without touching disk (tests, demos)
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// SyncConfig controls the platform sync worker and its progress record.
type SyncConfig struct {
	RunTTL            string `toml:"run_ttl"`            // Lock + progress safety net for one run
	TerminalRetention string `toml:"terminal_retention"` // How long completed/failed records stay readable
	AttemptTimeout    string `toml:"attempt_timeout"`    // Per external call
	MaxAttempts       int    `toml:"max_attempts"`       // Attempts per stage before the run fails
	BaseDelay         string `toml:"base_delay"`         // First retry delay, doubled per attempt
	MaxDelay          string `toml:"max_delay"`          // Cap on retry delay, including retry-after hints
	MaxVideos         int    `toml:"max_videos"`
	CommentVideos     int    `toml:"comment_videos"`     // Most recent videos whose comments are pulled
	CommentsPerVideo  int    `toml:"comments_per_video"`
}

// DigestConfig controls idea ranking and dispatch.
type DigestConfig struct {
	DefaultIdeaCount int     `toml:"default_idea_count"`
	MinVideos        int     `toml:"min_videos"` // Fewer synced videos than this yields no digest
	MarkerTTL        string  `toml:"marker_ttl"` // Slightly longer than one period
	InFlightTTL      string  `toml:"in_flight_ttl"`
	ViewsWeight      float64 `toml:"views_weight"`
	LikesWeight      float64 `toml:"likes_weight"`
	CommentsWeight   float64 `toml:"comments_weight"`
	HalfLifeDays     float64 `toml:"half_life_days"`
	Subject          string  `toml:"subject"`       // Overrides the template subject when set
	TemplatesDir     string  `toml:"templates_dir"` // Directory searched for digest_email.toml before the embedded copy
}

// SchedulerConfig controls the weekly digest trigger.
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"` // Standard 5-field cron expression
	Timezone string `toml:"timezone"` // IANA name used for cron and period keys
}

// MailerConfig selects and configures the delivery provider.
type MailerConfig struct {
	Provider string `toml:"provider"` // "smtp", "gmail" or "log"
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
	FromName string `toml:"from_name"`
	UseTLS   bool   `toml:"use_tls"`
	Timeout  string `toml:"timeout"`

	// Gmail provider: OAuth client plus the sender's refresh token
	GmailClientID     string `toml:"gmail_client_id"`
	GmailClientSecret string `toml:"gmail_client_secret"`
	GmailRefreshToken string `toml:"gmail_refresh_token"`
}

// YouTubeConfig configures the YouTube Data API client.
type YouTubeConfig struct {
	APIKey       string `toml:"api_key"`       // Used when a creator has no OAuth token
	ClientID     string `toml:"client_id"`     // OAuth client for refreshing creator tokens
	ClientSecret string `toml:"client_secret"` // OAuth client secret
	RateLimit    int    `toml:"rate_limit"`    // Requests per second
	Endpoint     string `toml:"endpoint"`      // Override for tests or proxies
}

// UnsubscribeConfig configures signed unsubscribe links.
type UnsubscribeConfig struct {
	Secret      string `toml:"secret"`
	TokenTTL    string `toml:"token_ttl"`    // "0" or empty for non-expiring links
	AllowLegacy bool   `toml:"allow_legacy"` // Accept bare user ids from old emails
}

// UserConfig seeds one creator into the local user directory. The unsubscribe
// flag is never taken from config, so seeding does not resubscribe anyone.
type UserConfig struct {
	UserID        string `toml:"user_id"`
	Email         string `toml:"email"`
	DisplayName   string `toml:"display_name"`
	ChannelID     string `toml:"channel_id"`
	IdeaCount     int    `toml:"idea_count"`
	DigestEnabled *bool  `toml:"digest_enabled"` // Defaults to true
	RefreshToken  string `toml:"refresh_token"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:    8080,
			Host:    "localhost",
			BaseURL: "http://localhost:8080",
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       4,
			VisibilityTimeout: "5m",
			MaxAttempts:       5,
			Backoff:           "30s",
			QueueName:         "digest_jobs",
			RemoveOnComplete:  true, // Markers and tracker records are the durable outcome
			RemoveOnFail:      true,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Sync: SyncConfig{
			RunTTL:            "30m",
			TerminalRetention: "10m",
			AttemptTimeout:    "20s",
			MaxAttempts:       3,
			BaseDelay:         "1s",
			MaxDelay:          "30s",
			MaxVideos:         50,
			CommentVideos:     10,
			CommentsPerVideo:  20,
		},
		Digest: DigestConfig{
			DefaultIdeaCount: 5,
			MinVideos:        3,
			MarkerTTL:        "192h", // 8 days
			InFlightTTL:      "2m",
			ViewsWeight:      1.0,
			LikesWeight:      1.5,
			CommentsWeight:   2.0,
			HalfLifeDays:     30,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Schedule: "0 8 * * 1", // Mondays 08:00
			Timezone: "UTC",
		},
		Mailer: MailerConfig{
			Provider: "log",
			Port:     587,
			UseTLS:   true,
			FromName: "Idea Digest",
			Timeout:  "30s",
		},
		YouTube: YouTubeConfig{
			RateLimit: 5,
		},
		Unsubscribe: UnsubscribeConfig{
			AllowLegacy: true,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> .env -> env
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// .env is optional; existing process env wins over it
	_ = godotenv.Load()

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("IDEADIGEST_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("IDEADIGEST_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("IDEADIGEST_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if baseURL := os.Getenv("IDEADIGEST_BASE_URL"); baseURL != "" {
		config.Server.BaseURL = baseURL
	}

	// Queue configuration
	if pollInterval := os.Getenv("IDEADIGEST_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("IDEADIGEST_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if visibilityTimeout := os.Getenv("IDEADIGEST_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxAttempts := os.Getenv("IDEADIGEST_QUEUE_MAX_ATTEMPTS"); maxAttempts != "" {
		if ma, err := strconv.Atoi(maxAttempts); err == nil {
			config.Queue.MaxAttempts = ma
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("IDEADIGEST_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("IDEADIGEST_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("IDEADIGEST_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Scheduler configuration
	if schedule := os.Getenv("IDEADIGEST_SCHEDULER_SCHEDULE"); schedule != "" {
		config.Scheduler.Schedule = schedule
	}
	if enabled := os.Getenv("IDEADIGEST_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}

	// Mailer configuration
	if provider := os.Getenv("IDEADIGEST_MAILER_PROVIDER"); provider != "" {
		config.Mailer.Provider = provider
	}
	if host := os.Getenv("IDEADIGEST_SMTP_HOST"); host != "" {
		config.Mailer.Host = host
	}
	if username := os.Getenv("IDEADIGEST_SMTP_USERNAME"); username != "" {
		config.Mailer.Username = username
	}
	if password := os.Getenv("IDEADIGEST_SMTP_PASSWORD"); password != "" {
		config.Mailer.Password = password
	}
	if from := os.Getenv("IDEADIGEST_MAIL_FROM"); from != "" {
		config.Mailer.From = from
	}
	if refreshToken := os.Getenv("IDEADIGEST_GMAIL_REFRESH_TOKEN"); refreshToken != "" {
		config.Mailer.GmailRefreshToken = refreshToken
	}

	// YouTube configuration
	if apiKey := os.Getenv("IDEADIGEST_YOUTUBE_API_KEY"); apiKey != "" {
		config.YouTube.APIKey = apiKey
	}
	if clientID := os.Getenv("IDEADIGEST_GOOGLE_CLIENT_ID"); clientID != "" {
		config.YouTube.ClientID = clientID
		if config.Mailer.GmailClientID == "" {
			config.Mailer.GmailClientID = clientID
		}
	}
	if clientSecret := os.Getenv("IDEADIGEST_GOOGLE_CLIENT_SECRET"); clientSecret != "" {
		config.YouTube.ClientSecret = clientSecret
		if config.Mailer.GmailClientSecret == "" {
			config.Mailer.GmailClientSecret = clientSecret
		}
	}

	// Unsubscribe configuration
	if secret := os.Getenv("IDEADIGEST_UNSUBSCRIBE_SECRET"); secret != "" {
		config.Unsubscribe.Secret = secret
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks settings that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.Scheduler.Enabled {
		if err := ValidateSchedule(c.Scheduler.Schedule); err != nil {
			return err
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}

	switch strings.ToLower(c.Mailer.Provider) {
	case "smtp", "gmail", "log":
	default:
		return fmt.Errorf("unsupported mailer provider: %s (expected smtp, gmail or log)", c.Mailer.Provider)
	}

	seen := make(map[string]bool, len(c.Users))
	for i, user := range c.Users {
		if user.UserID == "" {
			return fmt.Errorf("users[%d]: user_id is required", i)
		}
		if seen[user.UserID] {
			return fmt.Errorf("users[%d]: duplicate user_id %s", i, user.UserID)
		}
		seen[user.UserID] = true
	}

	if c.IsProduction() && c.Unsubscribe.Secret == "" {
		return fmt.Errorf("unsubscribe secret is required in production")
	}
	for name, value := range map[string]string{
		"queue poll_interval":      c.Queue.PollInterval,
		"queue visibility_timeout": c.Queue.VisibilityTimeout,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %q", name, value)
		}
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync max_attempts must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	return nil
}

// ValidateSchedule validates a standard 5-field cron expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// Location resolves the scheduler timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDuration parses a duration string, falling back when empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
