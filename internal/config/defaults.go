package config

import "time"

// Default values for configuration
const (
	DefaultLogLevel = "info"
	DefaultLogJSON  = false

	DefaultDBPath            = "chatsync.db"
	DefaultDBMaxOpenConns    = 1
	DefaultDBConnMaxLifetime = 5 * time.Minute

	DefaultRealtimeBuffer      = 64
	DefaultResubscribeInitial  = 500 * time.Millisecond
	DefaultResubscribeMax      = 30 * time.Second
	DefaultBreakerMaxFailures  = 5
	DefaultBreakerOpenTimeout  = time.Minute
	DefaultSyncPageSize        = 30
	DefaultSyncNearBottomPx    = 120
	DefaultSyncTopThresholdPx  = 80
	DefaultSyncPendingCap      = 9
	DefaultSyncCatchUpPages    = 5
	DefaultReceiptsDebounce    = 200 * time.Millisecond
	DefaultReceiptsDwell       = 500 * time.Millisecond
	DefaultReceiptsVisibleRate = 0.6
	DefaultNotifyPreviewLen    = 80
	DefaultNotifyTimeout       = 10 * time.Second

	// Cron expressions carry a seconds field.
	DefaultSQLMaintenanceSchedule = "0 0 3 * * *"
	DefaultCatchUpSchedule        = "*/30 * * * * *"
)

var defaults = map[string]any{
	"log.level": DefaultLogLevel,
	"log.json":  DefaultLogJSON,

	"database.path":              DefaultDBPath,
	"database.max_open_conns":    DefaultDBMaxOpenConns,
	"database.conn_max_lifetime": DefaultDBConnMaxLifetime,

	"realtime.listen_addr":         "",
	"realtime.remote_url":          "",
	"realtime.buffer":              DefaultRealtimeBuffer,
	"realtime.resubscribe_initial": DefaultResubscribeInitial,
	"realtime.resubscribe_max":     DefaultResubscribeMax,
	"realtime.max_failures":        DefaultBreakerMaxFailures,
	"realtime.open_timeout":        DefaultBreakerOpenTimeout,

	"sync.page_size":        DefaultSyncPageSize,
	"sync.near_bottom_px":   DefaultSyncNearBottomPx,
	"sync.top_threshold_px": DefaultSyncTopThresholdPx,
	"sync.pending_cap":      DefaultSyncPendingCap,
	"sync.catch_up_pages":   DefaultSyncCatchUpPages,

	"receipts.debounce":          DefaultReceiptsDebounce,
	"receipts.dwell":             DefaultReceiptsDwell,
	"receipts.min_visible_ratio": DefaultReceiptsVisibleRate,

	"notify.enabled":        false,
	"notify.telegram_token": "",
	"notify.preview_len":    DefaultNotifyPreviewLen,
	"notify.timeout":        DefaultNotifyTimeout,

	"scheduler.tasks.sql_maintenance.enabled":  true,
	"scheduler.tasks.sql_maintenance.schedule": DefaultSQLMaintenanceSchedule,
	"scheduler.tasks.catch_up.enabled":         true,
	"scheduler.tasks.catch_up.schedule":        DefaultCatchUpSchedule,
}
