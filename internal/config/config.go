package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/latoulicious/voiceguard/pkg/cron"
	"github.com/latoulicious/voiceguard/pkg/voice"
)

var ErrDiscordTokenNotSet = errors.New("DISCORD_TOKEN is not set")

type Config struct {
	DiscordToken string
	OwnerID      string

	// Optional YAML file layered over the voice defaults, before VOICE_* overrides
	VoiceConfigFile string

	// Empty disables SQLite persistence of stats exports
	StatsDBPath    string
	ExportSchedule string

	// Empty disables the Prometheus endpoint
	MetricsAddr string

	PresenceInterval time.Duration

	Voice *voice.Config
}

// LoadConfig reads .env if present, then the process environment
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(".env")
}

// LoadConfigFrom reads envFile if it exists, then the process environment
func LoadConfigFrom(envFile string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	discordToken := os.Getenv("DISCORD_TOKEN")
	if discordToken == "" {
		return nil, ErrDiscordTokenNotSet
	}

	cfg := &Config{
		DiscordToken:     discordToken,
		OwnerID:          os.Getenv("BOT_OWNER_ID"),
		VoiceConfigFile:  os.Getenv("VOICE_CONFIG_FILE"),
		StatsDBPath:      envOr("VOICE_STATS_DB", "voice_stats.db"),
		ExportSchedule:   envOr("VOICE_EXPORT_SCHEDULE", cron.DefaultExportSchedule),
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		PresenceInterval: 5 * time.Minute,
	}

	if v := os.Getenv("PRESENCE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PRESENCE_INTERVAL %q: %w", v, err)
		}
		cfg.PresenceInterval = d
	}

	voiceCfg := voice.DefaultConfig()
	if cfg.VoiceConfigFile != "" {
		if err := voiceCfg.LoadFromFile(cfg.VoiceConfigFile); err != nil {
			return nil, err
		}
	}
	voiceCfg.LoadFromEnvironment()
	if err := voiceCfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Voice = voiceCfg

	return cfg, nil
}

// envOr returns the variable's value; a variable set to "off" yields empty
func envOr(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if v == "off" {
		return ""
	}
	return v
}
