// Package app wires the chatsync components together and manages their
// lifecycle: storage, the realtime channel, the repository, notification,
// open sessions and the scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/edgard/chatsync/internal/config"
	"github.com/edgard/chatsync/internal/database"
	"github.com/edgard/chatsync/internal/notify"
	"github.com/edgard/chatsync/internal/realtime"
	"github.com/edgard/chatsync/internal/receipts"
	"github.com/edgard/chatsync/internal/repository"
	"github.com/edgard/chatsync/internal/scheduler"
	"github.com/edgard/chatsync/internal/scroll"
	"github.com/edgard/chatsync/internal/session"
)

const shutdownTimeout = 5 * time.Second

// App owns the long-lived components of one chatsync process.
type App struct {
	root      *slog.Logger
	logger    *slog.Logger
	cfg       *config.Config
	clock     clockwork.Clock
	db        *sqlx.DB
	store     database.Store
	hub       *realtime.Hub
	client    *realtime.Client
	repo      *repository.StoreRepository
	resolver  *repository.ConversationResolver
	notifier  notify.Signaler
	sessions  *session.Registry
	scheduler *scheduler.Scheduler
	listener  net.Listener
	server    *http.Server
}

// New builds every component from cfg. With realtime.remote_url set, live
// events travel through that websocket server; otherwise an in-process hub
// is used and, with realtime.listen_addr set, served to remote processes.
func New(cfg *config.Config, logger *slog.Logger, clock clockwork.Clock) (*App, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &App{
		root:     logger,
		logger:   logger.With("component", "app"),
		cfg:      cfg,
		clock:    clock,
		sessions: session.NewRegistry(),
	}

	db, err := database.NewDB(cfg.Database.Path, database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db
	a.store = database.NewStore(db, logger, clock)

	var channel realtime.Channel
	var publisher realtime.Publisher
	if cfg.Realtime.RemoteURL != "" {
		client, err := realtime.NewClient(cfg.Realtime.RemoteURL, logger, cfg.Realtime.Buffer)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create realtime client: %w", err)
		}
		a.client = client
		channel, publisher = client, client
	} else {
		a.hub = realtime.NewHub(logger, cfg.Realtime.Buffer)
		channel, publisher = a.hub, a.hub
	}

	if cfg.Realtime.ListenAddr != "" && a.hub != nil {
		ln, err := net.Listen("tcp", cfg.Realtime.ListenAddr)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Realtime.ListenAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/ws", realtime.NewServer(a.hub, logger))
		a.listener = ln
		a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	a.repo = repository.New(a.store, channel, publisher, logger, clock, repository.Options{
		PageSize:           cfg.Sync.PageSize,
		ResubscribeInitial: cfg.Realtime.ResubscribeInitial,
		ResubscribeMax:     cfg.Realtime.ResubscribeMax,
		MaxFailures:        int(cfg.Realtime.MaxFailures),
		OpenTimeout:        cfg.Realtime.OpenTimeout,
		CatchUpPages:       cfg.Sync.CatchUpPages,
	})
	a.resolver = repository.NewResolver(a.store, logger)

	a.notifier = notify.Nop{}
	if cfg.Notify.Enabled {
		tg, err := notify.NewTelegram(cfg.Notify.Token, cfg.Notify.ChatIDs, cfg.Notify.PreviewLen, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create notifier: %w", err)
		}
		a.notifier = tg
	}

	tasks := scheduler.RegisterAllTasks(scheduler.TaskDeps{
		Logger:   logger,
		Store:    a.store,
		Sessions: a.sessions,
	})
	a.scheduler, err = scheduler.New(logger, cfg.Scheduler, tasks)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Addr returns the address of the realtime websocket server, or "" when
// this process does not serve one.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Scheduler returns the task scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Open opens the conversation between self and peer and registers the
// session for periodic catch-up. The returned function unregisters and
// closes the session.
func (a *App) Open(ctx context.Context, self, peer string) (*session.Session, func(), error) {
	s, err := session.Open(ctx, session.Deps{
		Repository: a.repo,
		Resolver:   a.resolver,
		Notifier:   a.notifier,
		Clock:      a.clock,
		Logger:     a.root,
	}, session.Options{
		PageSize: a.cfg.Sync.PageSize,
		Scroll: scroll.Options{
			NearBottom:   a.cfg.Sync.NearBottomPx,
			TopThreshold: a.cfg.Sync.TopThresholdPx,
			PendingCap:   a.cfg.Sync.PendingCap,
		},
		Receipts: receipts.Options{
			Debounce:        a.cfg.Receipts.Debounce,
			Dwell:           a.cfg.Receipts.Dwell,
			MinVisibleRatio: a.cfg.Receipts.MinVisibleRatio,
		},
		NotifyTimeout: a.cfg.Notify.Timeout,
	}, self, peer)
	if err != nil {
		return nil, nil, err
	}
	a.sessions.Add(s)
	return s, func() {
		a.sessions.Remove(s)
		s.Close()
	}, nil
}

// Run starts the websocket server and the scheduler, then runs fn. It
// returns when fn returns, ctx is cancelled, or a component fails.
func (a *App) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.logger.Info("Realtime server listening", "addr", a.Addr())
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("realtime server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
			defer cancel()
			if a.hub != nil {
				a.hub.Close()
			}
			return a.server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if _, err := a.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		<-gCtx.Done()
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	if fn != nil {
		g.Go(func() error {
			if err := fn(gCtx); err != nil {
				return err
			}
			// fn finished normally: stop the other components.
			return errStopped
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errStopped) {
		a.logger.Error("Stopped due to error", "error", err)
		return err
	}
	a.logger.Info("Stopped gracefully")
	return nil
}

var errStopped = errors.New("stopped")

// Close releases the realtime channel and the database.
func (a *App) Close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.listener != nil {
		_ = a.listener.Close()
	}
	database.CloseDB(a.db)
}
