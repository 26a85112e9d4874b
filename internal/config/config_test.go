package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Logger.Level != DefaultLogLevel {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, DefaultLogLevel)
	}
	if cfg.Sync.PageSize != 30 || cfg.Sync.NearBottomPx != 120 || cfg.Sync.TopThresholdPx != 80 || cfg.Sync.PendingCap != 9 {
		t.Errorf("Sync = %+v, want page 30, near bottom 120, top 80, cap 9", cfg.Sync)
	}
	if cfg.Receipts.Debounce != 200*time.Millisecond || cfg.Receipts.Dwell != 500*time.Millisecond {
		t.Errorf("Receipts = %+v, want 200ms debounce and 500ms dwell", cfg.Receipts)
	}
	if cfg.Realtime.ResubscribeMax != 30*time.Second {
		t.Errorf("Realtime.ResubscribeMax = %v, want 30s", cfg.Realtime.ResubscribeMax)
	}
	for _, name := range []string{"sql_maintenance", "catch_up"} {
		task, ok := cfg.Scheduler.Tasks[name]
		if !ok || !task.Enabled || task.Schedule == "" {
			t.Errorf("Scheduler.Tasks[%s] = %+v, want enabled with a schedule", name, task)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
log:
  level: debug
  json: true
database:
  path: /tmp/chat.db
realtime:
  remote_url: ws://127.0.0.1:8080/ws
  resubscribe_initial: 1s
  resubscribe_max: 10s
sync:
  page_size: 50
notify:
  enabled: true
  telegram_token: "123:abc"
  chat_ids:
    bob: 42
scheduler:
  tasks:
    catch_up:
      enabled: false
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Logger.Level != "debug" || !cfg.Logger.JSON {
		t.Errorf("Logger = %+v, want debug json", cfg.Logger)
	}
	if cfg.Database.Path != "/tmp/chat.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Realtime.ResubscribeInitial != time.Second || cfg.Realtime.ResubscribeMax != 10*time.Second {
		t.Errorf("Realtime backoff = %v..%v, want 1s..10s", cfg.Realtime.ResubscribeInitial, cfg.Realtime.ResubscribeMax)
	}
	if cfg.Sync.PageSize != 50 {
		t.Errorf("Sync.PageSize = %d, want 50", cfg.Sync.PageSize)
	}
	if cfg.Notify.ChatIDs["bob"] != 42 {
		t.Errorf("Notify.ChatIDs = %v, want bob:42", cfg.Notify.ChatIDs)
	}
	if cfg.Scheduler.Tasks["catch_up"].Enabled {
		t.Error("catch_up should be disabled by the file")
	}
	if !cfg.Scheduler.Tasks["sql_maintenance"].Enabled {
		t.Error("sql_maintenance should keep its default")
	}
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("CHATSYNC_LOG_LEVEL", "warn")
	t.Setenv("CHATSYNC_SYNC_PAGE_SIZE", "12")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want warn", cfg.Logger.Level)
	}
	if cfg.Sync.PageSize != 12 {
		t.Errorf("Sync.PageSize = %d, want 12", cfg.Sync.PageSize)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown log level", content: "log:\n  level: verbose\n"},
		{name: "zero page size", content: "sync:\n  page_size: 0\n"},
		{name: "backoff max below initial", content: "realtime:\n  resubscribe_initial: 5s\n  resubscribe_max: 1s\n"},
		{name: "http remote url", content: "realtime:\n  remote_url: http://example.com/ws\n"},
		{name: "both listen and remote", content: "realtime:\n  listen_addr: 127.0.0.1:8080\n  remote_url: ws://127.0.0.1:8080/ws\n"},
		{name: "visible ratio above one", content: "receipts:\n  min_visible_ratio: 1.5\n"},
		{name: "notify without token", content: "notify:\n  enabled: true\n  chat_ids:\n    bob: 1\n"},
		{name: "notify without chat ids", content: "notify:\n  enabled: true\n  telegram_token: x\n"},
		{name: "enabled task without schedule", content: "scheduler:\n  tasks:\n    extra:\n      enabled: true\n"},
		{name: "malformed yaml", content: "log: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfig(writeConfig(t, tt.content))
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("LoadConfig() error = %v, want ErrConfiguration", err)
			}
		})
	}
}
