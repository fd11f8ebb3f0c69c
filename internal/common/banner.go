package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner prints the startup banner and logs the settings that decide
// what this process will send
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.Print("Idea Digest", GetVersion())

	logger.Info().
		Str("version", GetVersion()).
		Str("environment", config.Environment).
		Str("mailer", config.Mailer.Provider).
		Bool("scheduler", config.Scheduler.Enabled).
		Str("schedule", config.Scheduler.Schedule).
		Str("timezone", config.Scheduler.Timezone).
		Int("users", len(config.Users)).
		Msg("Configuration loaded")
}
