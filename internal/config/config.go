// Package config provides configuration loading for aily from environment
// variables, with an optional YAML file as the base layer.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Thread cleanup policies applied when a session is killed.
const (
	CleanupArchive = "archive"
	CleanupDelete  = "delete"
)

// Config is the top-level aily configuration.
type Config struct {
	// Platforms to bridge. Empty means auto-detect from tokens.
	Platforms []string `yaml:"platforms"`

	Discord DiscordConfig `yaml:"discord"`
	Slack   SlackConfig   `yaml:"slack"`

	// SSHHosts are the host aliases sessions live on. The first entry is
	// the default host for !new.
	SSHHosts []string `yaml:"ssh_hosts"`

	// InfraSessions are multiplexer session names hidden from discovery
	// (the bridge daemons themselves).
	InfraSessions []string `yaml:"infra_sessions"`

	ThreadCleanup    string `yaml:"thread_cleanup"`     // "archive" or "delete"
	ThreadSync       bool   `yaml:"thread_sync"`        // lifecycle hooks enabled
	NotifyMaxRetries int    `yaml:"notify_max_retries"` // per-platform post retries

	Dashboard DashboardConfig `yaml:"dashboard"`
	Storage   StorageConfig   `yaml:"storage"`

	PollIntervalMS   int `yaml:"poll_interval_ms"`   // host poller
	ScrapeIntervalMS int `yaml:"scrape_interval_ms"` // transcript scraper
	IdleAfterSec     int `yaml:"idle_after_sec"`     // active -> idle demotion
	OrphanRetainHrs  int `yaml:"orphan_retain_hours"`
}

// DiscordConfig holds Discord credentials and the root channel.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// SlackConfig holds Slack Socket Mode credentials and the root channel.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	AppToken  string `yaml:"app_token"`
	ChannelID string `yaml:"channel_id"`
}

// DashboardConfig holds the HTTP gateway settings.
type DashboardConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"` // bearer token; empty disables auth (dev mode)
}

// StorageConfig holds the on-disk database settings.
type StorageConfig struct {
	Path            string `yaml:"path"`
	BackupDir       string `yaml:"backup_dir"`
	BackupEveryHrs  int    `yaml:"backup_every_hours"`
	BackupRetainDay int    `yaml:"backup_retain_days"`
}

// Load reads an optional YAML file and applies environment overrides.
// Pass an empty path to configure from the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays environment variables onto the config. Env wins over
// the YAML file, matching how the bridge daemons are deployed.
func (c *Config) applyEnv() {
	if v := os.Getenv("PLATFORMS"); v != "" {
		c.Platforms = splitList(v)
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		c.Discord.BotToken = v
	}
	if v := os.Getenv("DISCORD_CHANNEL_ID"); v != "" {
		c.Discord.ChannelID = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" {
		c.Slack.AppToken = v
	}
	if v := os.Getenv("SLACK_CHANNEL_ID"); v != "" {
		c.Slack.ChannelID = v
	}
	if v := os.Getenv("SSH_HOSTS"); v != "" {
		c.SSHHosts = splitList(v)
	}
	if v := os.Getenv("THREAD_CLEANUP"); v != "" {
		c.ThreadCleanup = v
	}
	if v := os.Getenv("TMUX_THREAD_SYNC"); v != "" {
		c.ThreadSync = strings.ToLower(v) != "false"
	}
	if v := os.Getenv("NOTIFY_MAX_RETRIES"); v != "" {
		c.NotifyMaxRetries = atoiOr(v, c.NotifyMaxRetries)
	}
	if v := os.Getenv("DASHBOARD_TOKEN"); v != "" {
		c.Dashboard.Token = v
	}
	if v := os.Getenv("DASHBOARD_HOST"); v != "" {
		c.Dashboard.Host = v
	}
	if v := os.Getenv("DASHBOARD_PORT"); v != "" {
		c.Dashboard.Port = atoiOr(v, c.Dashboard.Port)
	}
	if v := os.Getenv("AILY_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		c.PollIntervalMS = atoiOr(v, c.PollIntervalMS)
	}
	if v := os.Getenv("SCRAPE_INTERVAL_MS"); v != "" {
		c.ScrapeIntervalMS = atoiOr(v, c.ScrapeIntervalMS)
	}
	if v := os.Getenv("IDLE_AFTER_SEC"); v != "" {
		c.IdleAfterSec = atoiOr(v, c.IdleAfterSec)
	}
	if v := os.Getenv("ORPHAN_RETAIN_HOURS"); v != "" {
		c.OrphanRetainHrs = atoiOr(v, c.OrphanRetainHrs)
	}
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if len(c.Platforms) == 0 {
		if c.Discord.BotToken != "" {
			c.Platforms = append(c.Platforms, "discord")
		}
		if c.Slack.BotToken != "" {
			c.Platforms = append(c.Platforms, "slack")
		}
	}
	if len(c.SSHHosts) == 0 {
		c.SSHHosts = []string{"localhost"}
	}
	if len(c.InfraSessions) == 0 {
		c.InfraSessions = []string{"agent-bridge", "slack-bridge"}
	}
	if c.ThreadCleanup == "" {
		c.ThreadCleanup = CleanupArchive
	}
	if c.NotifyMaxRetries == 0 {
		c.NotifyMaxRetries = 2
	}
	// TMUX_THREAD_SYNC defaults to true; only an explicit "false" disables it.
	if !c.ThreadSync && os.Getenv("TMUX_THREAD_SYNC") == "" {
		c.ThreadSync = true
	}
	// Loopback by default; exposing the gateway is an explicit choice.
	if c.Dashboard.Host == "" {
		c.Dashboard.Host = "127.0.0.1"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "aily.db"
	}
	if c.Storage.BackupDir == "" {
		c.Storage.BackupDir = "backups"
	}
	if c.Storage.BackupEveryHrs == 0 {
		c.Storage.BackupEveryHrs = 6
	}
	if c.Storage.BackupRetainDay == 0 {
		c.Storage.BackupRetainDay = 7
	}
	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = 10_000
	}
	if c.ScrapeIntervalMS == 0 {
		c.ScrapeIntervalMS = 3_000
	}
	if c.IdleAfterSec == 0 {
		c.IdleAfterSec = 15 * 60
	}
	if c.OrphanRetainHrs == 0 {
		c.OrphanRetainHrs = 24
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	for _, p := range c.Platforms {
		switch p {
		case "discord":
			if c.Discord.BotToken == "" {
				errs = append(errs, "discord enabled but DISCORD_BOT_TOKEN is empty")
			}
			if c.Discord.ChannelID == "" {
				errs = append(errs, "discord enabled but DISCORD_CHANNEL_ID is empty")
			}
		case "slack":
			if c.Slack.BotToken == "" {
				errs = append(errs, "slack enabled but SLACK_BOT_TOKEN is empty")
			}
			if c.Slack.AppToken == "" {
				errs = append(errs, "slack enabled but SLACK_APP_TOKEN is empty")
			}
			if c.Slack.ChannelID == "" {
				errs = append(errs, "slack enabled but SLACK_CHANNEL_ID is empty")
			}
		default:
			errs = append(errs, fmt.Sprintf("unknown platform %q", p))
		}
	}
	if c.ThreadCleanup != CleanupArchive && c.ThreadCleanup != CleanupDelete {
		errs = append(errs, fmt.Sprintf("thread_cleanup must be %q or %q, got %q",
			CleanupArchive, CleanupDelete, c.ThreadCleanup))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DefaultHost returns the host !new targets when none is given.
func (c *Config) DefaultHost() string {
	if len(c.SSHHosts) == 0 {
		return ""
	}
	return c.SSHHosts[0]
}

// HasHost reports whether alias is a configured SSH host.
func (c *Config) HasHost(alias string) bool {
	for _, h := range c.SSHHosts {
		if h == alias {
			return true
		}
	}
	return false
}

// PollInterval returns the host poller period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ScrapeInterval returns the transcript scraper period.
func (c *Config) ScrapeInterval() time.Duration {
	return time.Duration(c.ScrapeIntervalMS) * time.Millisecond
}

// IdleAfter returns the inactivity window before active sessions go idle.
func (c *Config) IdleAfter() time.Duration {
	return time.Duration(c.IdleAfterSec) * time.Second
}

// OrphanRetention returns how long orphaned sessions are kept before the
// reaper archives their threads.
func (c *Config) OrphanRetention() time.Duration {
	return time.Duration(c.OrphanRetainHrs) * time.Hour
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
