package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Task names, matching the keys under scheduler.tasks in config.yaml.
const (
	TaskSQLMaintenance = "sql_maintenance"
	TaskCatchUp        = "catch_up"
)

// TaskFunc is the signature of every scheduled task. The context is
// cancelled when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Maintainer runs database maintenance.
type Maintainer interface {
	RunSQLMaintenance(ctx context.Context) error
}

// Refresher refreshes sessions whose live updates are down.
type Refresher interface {
	RefreshDegraded(ctx context.Context) (int, error)
}

// TaskDeps contains the dependencies of the scheduled tasks.
type TaskDeps struct {
	Logger   *slog.Logger
	Store    Maintainer
	Sessions Refresher
}

// RegisterAllTasks returns the task functions keyed by task name.
func RegisterAllTasks(deps TaskDeps) map[string]TaskFunc {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	tasks := make(map[string]TaskFunc)
	if deps.Store != nil {
		tasks[TaskSQLMaintenance] = newSQLMaintenanceTask(deps)
	}
	if deps.Sessions != nil {
		tasks[TaskCatchUp] = newCatchUpTask(deps)
	}
	deps.Logger.Debug("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}

func newSQLMaintenanceTask(deps TaskDeps) TaskFunc {
	log := deps.Logger.With("task", TaskSQLMaintenance)

	return func(ctx context.Context) error {
		startTime := time.Now()
		if err := deps.Store.RunSQLMaintenance(ctx); err != nil {
			log.ErrorContext(ctx, "SQL maintenance failed", "error", err, "duration", time.Since(startTime))
			return fmt.Errorf("sql maintenance failed: %w", err)
		}
		log.InfoContext(ctx, "SQL maintenance completed", "duration", time.Since(startTime))
		return nil
	}
}

// newCatchUpTask refreshes degraded sessions so they pick up messages and
// receipts missed while their subscription was down.
func newCatchUpTask(deps TaskDeps) TaskFunc {
	log := deps.Logger.With("task", TaskCatchUp)

	return func(ctx context.Context) error {
		n, err := deps.Sessions.RefreshDegraded(ctx)
		if n > 0 {
			log.InfoContext(ctx, "Refreshed degraded sessions", "sessions", n, "error", err)
		}
		if err != nil {
			return fmt.Errorf("catch-up refresh failed: %w", err)
		}
		return nil
	}
}
