package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
telegram:
  token: "123:abc"
`

func TestParseAppliesDefaults(t *testing.T) {
	m := NewManager(writeConfig(t, minimalConfig))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.PollTimeout.Duration != 10*time.Second {
		t.Fatalf("poll timeout default wrong: %v", cfg.Telegram.PollTimeout)
	}
	if cfg.Telegram.RateLimitRetries == nil || *cfg.Telegram.RateLimitRetries != 1 {
		t.Fatalf("retry default wrong: %v", cfg.Telegram.RateLimitRetries)
	}
	if cfg.Broadcast.RatePerSec != 20 || cfg.Broadcast.ProgressEvery != 10 {
		t.Fatalf("broadcast defaults wrong: %+v", cfg.Broadcast)
	}
	if cfg.MediaCache.RetentionDays != 180 || cfg.MediaCache.ForceUnusedDays != 30 {
		t.Fatalf("media cache defaults wrong: %+v", cfg.MediaCache)
	}
	if cfg.ReconcileAfter.Duration != time.Hour {
		t.Fatalf("reconcile default wrong: %v", cfg.ReconcileAfter)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the parsed config")
	}
}

func TestParseFullConfig(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "123:abc"
  poll_timeout: 30s
  operator_chat_id: -100500
  rate_limit_retries: 2
logging:
  level: debug
  console: true
storage:
  path: ./data/bot.db
  busy_timeout: 10
  timezone: Europe/Moscow
media_cache:
  dir: ./cache
  retention_days: 90
broadcast:
  rate_per_sec: 15
  progress_every: 25
ops:
  enabled: true
  addr: "127.0.0.1:9090"
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.PollTimeout.Duration != 30*time.Second {
		t.Fatalf("poll timeout: %v", cfg.Telegram.PollTimeout)
	}
	if cfg.Telegram.OperatorChatID != -100500 {
		t.Fatalf("operator chat: %d", cfg.Telegram.OperatorChatID)
	}
	if cfg.Telegram.RateLimitRetries == nil || *cfg.Telegram.RateLimitRetries != 2 {
		t.Fatalf("rate limit retries: %v", cfg.Telegram.RateLimitRetries)
	}
	// Bare integers are read as seconds.
	if cfg.Storage.BusyTimeout.Duration != 10*time.Second {
		t.Fatalf("busy timeout: %v", cfg.Storage.BusyTimeout)
	}
	if cfg.Broadcast.RatePerSec != 15 || cfg.Broadcast.ProgressEvery != 25 {
		t.Fatalf("broadcast: %+v", cfg.Broadcast)
	}
	if !cfg.Ops.Enabled || cfg.Ops.Addr != "127.0.0.1:9090" {
		t.Fatalf("ops: %+v", cfg.Ops)
	}
}

func TestParseRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing token", "logging:\n  level: info\n"},
		{"unknown field", "telegram:\n  token: x\n  shiny: true\n"},
		{"rate too high", "telegram:\n  token: x\nbroadcast:\n  rate_per_sec: 100\n"},
		{"bad timezone", "telegram:\n  token: x\nstorage:\n  timezone: Mars/Olympus\n"},
		{"bad duration", "telegram:\n  token: x\n  poll_timeout: soon\n"},
		{"negative retries", "telegram:\n  token: x\n  rate_limit_retries: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if os.Getenv("TELEGRAM_BOT_TOKEN") != "" {
				t.Skip("ambient bot token set")
			}
			if _, err := NewManager(writeConfig(t, tc.body)).Parse(); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestExplicitZeroRetriesSurvivesDefaults(t *testing.T) {
	cfg, err := NewManager(writeConfig(t, `
telegram:
  token: "123:abc"
  rate_limit_retries: 0
`)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.RateLimitRetries == nil || *cfg.Telegram.RateLimitRetries != 0 {
		t.Fatalf("an explicit 0 must not be replaced by the default: %v", cfg.Telegram.RateLimitRetries)
	}
}

func TestTokenFromEnvironment(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")
	cfg, err := NewManager(writeConfig(t, "logging:\n  level: info\n")).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token not taken from env: %q", cfg.Telegram.Token)
	}
}

func TestSubscribePublish(t *testing.T) {
	m := NewManager(writeConfig(t, minimalConfig))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := &Config{}
	m.publish(next)
	select {
	case got := <-ch:
		if got != next {
			t.Fatal("wrong config delivered")
		}
	default:
		t.Fatal("expected a published config")
	}

	// A slow subscriber gets the newest value, not a stale backlog.
	m.publish(&Config{})
	newest := &Config{}
	m.publish(newest)
	if got := <-ch; got != newest {
		t.Fatal("expected the newest config after overflow")
	}
}
