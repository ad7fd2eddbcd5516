// Package config loads and watches mailbot's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	MediaCache MediaCacheConfig `yaml:"media_cache"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Ops        OpsConfig        `yaml:"ops"`

	// WelcomeMailingID optionally points /start at a stored mailing. 0 means
	// the built-in welcome text listing active trigger keywords.
	WelcomeMailingID int64 `yaml:"welcome_mailing_id"`

	// ReconcileAfter is the age at which delivery records stuck at sent=false
	// are settled as failed on startup.
	ReconcileAfter Duration `yaml:"reconcile_after"`
}

type TelegramConfig struct {
	// Token may be left empty and provided via TELEGRAM_BOT_TOKEN instead.
	Token          string   `yaml:"token"`
	PollTimeout    Duration `yaml:"poll_timeout"`
	OperatorChatID int64    `yaml:"operator_chat_id"`

	// Pointer so an explicit 0 (retry off) survives defaulting.
	RateLimitRetries *int `yaml:"rate_limit_retries"`
}

type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Console bool        `yaml:"console"`
	File    LoggingFile `yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type StorageConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
	Timezone    string   `yaml:"timezone"`
}

type MediaCacheConfig struct {
	Dir             string `yaml:"dir"`
	RetentionDays   int    `yaml:"retention_days"`
	ForceUnusedDays int    `yaml:"force_unused_days"`
	// SweepSchedule is a cron spec for the automatic retention sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

type BroadcastConfig struct {
	RatePerSec    int `yaml:"rate_per_sec"`
	Burst         int `yaml:"burst"`
	ProgressEvery int `yaml:"progress_every"`
}

type OpsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ApplyDefaults fills unset fields, pulling the bot token from the
// environment when the file leaves it empty.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if c.Telegram.PollTimeout.Duration <= 0 {
		c.Telegram.PollTimeout = Duration{10 * time.Second}
	}
	if c.Telegram.RateLimitRetries == nil {
		one := 1
		c.Telegram.RateLimitRetries = &one
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/mailbot.db"
	}
	if c.Storage.BusyTimeout.Duration <= 0 {
		c.Storage.BusyTimeout = Duration{5 * time.Second}
	}
	if c.MediaCache.Dir == "" {
		c.MediaCache.Dir = "./media_cache"
	}
	if c.MediaCache.RetentionDays <= 0 {
		c.MediaCache.RetentionDays = 180
	}
	if c.MediaCache.ForceUnusedDays <= 0 {
		c.MediaCache.ForceUnusedDays = 30
	}
	if c.MediaCache.SweepSchedule == "" {
		c.MediaCache.SweepSchedule = "0 4 * * *"
	}
	if c.Broadcast.RatePerSec <= 0 {
		c.Broadcast.RatePerSec = 20
	}
	if c.Broadcast.ProgressEvery <= 0 {
		c.Broadcast.ProgressEvery = 10
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = "127.0.0.1:8085"
	}
	if c.ReconcileAfter.Duration <= 0 {
		c.ReconcileAfter = Duration{time.Hour}
	}
}

// Validate rejects configs the process cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required (or set TELEGRAM_BOT_TOKEN)")
	}
	if c.Telegram.RateLimitRetries != nil && *c.Telegram.RateLimitRetries < 0 {
		return errors.New("telegram.rate_limit_retries must not be negative")
	}
	if c.Broadcast.RatePerSec <= 0 || c.Broadcast.RatePerSec > 30 {
		return fmt.Errorf("broadcast.rate_per_sec %d outside 1..30", c.Broadcast.RatePerSec)
	}
	if c.Storage.Timezone != "" {
		if _, err := time.LoadLocation(c.Storage.Timezone); err != nil {
			return fmt.Errorf("storage.timezone: %w", err)
		}
	}
	return nil
}
