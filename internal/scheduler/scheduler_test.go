package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgard/chatsync/internal/config"
	"github.com/edgard/chatsync/internal/logger"
)

type fakeStore struct {
	calls chan struct{}
	err   error
}

func (f *fakeStore) RunSQLMaintenance(ctx context.Context) error {
	f.calls <- struct{}{}
	return f.err
}

type fakeSessions struct {
	calls chan struct{}
	n     int
	err   error
}

func (f *fakeSessions) RefreshDegraded(ctx context.Context) (int, error) {
	f.calls <- struct{}{}
	return f.n, f.err
}

func waitCall(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("%s was not called", what)
	}
}

func TestSchedulerStartAndTrigger(t *testing.T) {
	t.Parallel()

	store := &fakeStore{calls: make(chan struct{}, 4)}
	sessions := &fakeSessions{calls: make(chan struct{}, 4), n: 2}
	tasks := RegisterAllTasks(TaskDeps{Logger: logger.Discard(), Store: store, Sessions: sessions})

	cfg := config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		TaskSQLMaintenance: {Enabled: true, Schedule: "0 0 3 * * *"},
		TaskCatchUp:        {Enabled: true, Schedule: "0 0 4 * * *"},
		"disabled":         {Enabled: false, Schedule: "* * * * * *"},
		"unregistered":     {Enabled: true, Schedule: "* * * * * *"},
	}}

	s, err := New(logger.Discard(), cfg, tasks)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	n, err := s.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if n != 2 {
		t.Errorf("Start() scheduled %d tasks, want 2", n)
	}
	if _, err := s.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	if err := s.Trigger(TaskSQLMaintenance); err != nil {
		t.Fatalf("Trigger(%s) error = %v", TaskSQLMaintenance, err)
	}
	waitCall(t, store.calls, "RunSQLMaintenance")

	if err := s.Trigger(TaskCatchUp); err != nil {
		t.Fatalf("Trigger(%s) error = %v", TaskCatchUp, err)
	}
	waitCall(t, sessions.calls, "RefreshDegraded")

	if err := s.Trigger("disabled"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Trigger(disabled) error = %v, want ErrUnknownTask", err)
	}
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	t.Parallel()

	store := &fakeStore{calls: make(chan struct{}, 8)}
	tasks := RegisterAllTasks(TaskDeps{Logger: logger.Discard(), Store: store})
	cfg := config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		TaskSQLMaintenance: {Enabled: true, Schedule: "* * * * * *"},
	}}

	s, err := New(logger.Discard(), cfg, tasks)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitCall(t, store.calls, "RunSQLMaintenance")

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestSchedulerSkipsInvalidSchedule(t *testing.T) {
	t.Parallel()

	tasks := map[string]TaskFunc{"broken": func(context.Context) error { return nil }}
	cfg := config.SchedulerConfig{Tasks: map[string]config.TaskConfig{
		"broken": {Enabled: true, Schedule: "not a cron"},
	}}
	s, err := New(logger.Discard(), cfg, tasks)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	n, err := s.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()
	if n != 0 {
		t.Errorf("Start() scheduled %d tasks, want 0", n)
	}
}

func TestTaskErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tasks := RegisterAllTasks(TaskDeps{
		Logger:   logger.Discard(),
		Store:    &fakeStore{calls: make(chan struct{}, 1), err: boom},
		Sessions: &fakeSessions{calls: make(chan struct{}, 1), n: 1, err: boom},
	})

	for _, name := range []string{TaskSQLMaintenance, TaskCatchUp} {
		if err := tasks[name](context.Background()); !errors.Is(err, boom) {
			t.Errorf("%s error = %v, want wrapped boom", name, err)
		}
	}

	if got := RegisterAllTasks(TaskDeps{}); len(got) != 0 {
		t.Errorf("RegisterAllTasks without deps = %d tasks, want 0", len(got))
	}
}
