// Package config manages application configuration from environment variables,
// config files, and default values.
package config

import (
	"errors"
	"time"
)

// ErrConfiguration marks every error returned while loading configuration.
var ErrConfiguration = errors.New("configuration error")

// Config defines the application configuration. Values can be set via
// environment variables prefixed with CHATSYNC_ (e.g. CHATSYNC_LOG_LEVEL) or
// through config.yaml.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Receipts  ReceiptsConfig  `mapstructure:"receipts"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// LoggerConfig configures the slog handler.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"              validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"min=1,max=64"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=1s"`
}

// RealtimeConfig configures the realtime channel. With RemoteURL set the
// process subscribes through a websocket server instead of the local hub.
type RealtimeConfig struct {
	ListenAddr         string        `mapstructure:"listen_addr"         validate:"omitempty,hostname_port"`
	RemoteURL          string        `mapstructure:"remote_url"          validate:"omitempty,url,startswith=ws"`
	Buffer             int           `mapstructure:"buffer"              validate:"min=1,max=4096"`
	ResubscribeInitial time.Duration `mapstructure:"resubscribe_initial" validate:"min=10ms"`
	ResubscribeMax     time.Duration `mapstructure:"resubscribe_max"     validate:"gtefield=ResubscribeInitial"`
	MaxFailures        uint32        `mapstructure:"max_failures"        validate:"min=1"`
	OpenTimeout        time.Duration `mapstructure:"open_timeout"        validate:"min=1s"`
}

// SyncConfig tunes paging and scroll behavior.
type SyncConfig struct {
	PageSize       int     `mapstructure:"page_size"        validate:"min=1,max=500"`
	NearBottomPx   float64 `mapstructure:"near_bottom_px"   validate:"gt=0"`
	TopThresholdPx float64 `mapstructure:"top_threshold_px" validate:"gte=0"`
	PendingCap     int     `mapstructure:"pending_cap"      validate:"min=1"`
	CatchUpPages   int     `mapstructure:"catch_up_pages"   validate:"min=1"`
}

// ReceiptsConfig tunes the read-receipt batcher.
type ReceiptsConfig struct {
	Debounce        time.Duration `mapstructure:"debounce"          validate:"min=1ms"`
	Dwell           time.Duration `mapstructure:"dwell"             validate:"min=0"`
	MinVisibleRatio float64       `mapstructure:"min_visible_ratio" validate:"gt=0,lte=1"`
}

// NotifyConfig configures the external notification signal.
type NotifyConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Token      string           `mapstructure:"telegram_token" validate:"required_if=Enabled true"`
	ChatIDs    map[string]int64 `mapstructure:"chat_ids"`
	PreviewLen int              `mapstructure:"preview_len"    validate:"min=0"`
	Timeout    time.Duration    `mapstructure:"timeout"        validate:"min=1s"`
}

// SchedulerConfig holds the periodic tasks keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

// TaskConfig enables a task and sets its cron schedule (with seconds).
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}
