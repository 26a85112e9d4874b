package repository

import (
	"context"
	"sync"

	"github.com/edgard/chatsync/internal/chat"
	"github.com/edgard/chatsync/internal/realtime"
	"github.com/edgard/chatsync/internal/resilience"
)

// Subscribe opens a realtime subscription and keeps it alive. When the
// channel drops, it resubscribes with exponential backoff and replays the
// rows missed in between as insert events. Once the circuit breaker opens
// an EventDegraded is emitted; an EventRecovered follows the first
// successful resubscribe.
func (r *StoreRepository) Subscribe(ctx context.Context, conversationID string, onEvent func(Event)) (func(), error) {
	if r.channel == nil {
		return nil, chat.NewSubscriptionDropped(conversationID, realtime.ErrHubClosed)
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "subscribe:" + conversationID,
		MaxFailures: r.opts.MaxFailures,
		OpenTimeout: r.opts.OpenTimeout,
		Timeout:     r.opts.ResubscribeMax,
		Logger:      r.logger,
	})

	sub, err := r.subscribeOnce(ctx, breaker, conversationID)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &watcher{
		newest:         r.latestCursor(ctx, conversationID),
		repo:           r,
		breaker:        breaker,
		conversationID: conversationID,
		onEvent:        onEvent,
		backoff: resilience.NewBackoff(resilience.RetryConfig{
			InitialInterval: r.opts.ResubscribeInitial,
			MaxInterval:     r.opts.ResubscribeMax,
			Multiplier:      2,
			RandomFactor:    0.2,
		}),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(watchCtx, sub)
	}()

	r.logger.InfoContext(ctx, "Subscribed to conversation", "conversation_id", conversationID)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			r.logger.Info("Unsubscribed from conversation", "conversation_id", conversationID)
		})
	}, nil
}

func (r *StoreRepository) subscribeOnce(ctx context.Context, breaker *resilience.CircuitBreaker, conversationID string) (*realtime.Subscription, error) {
	var sub *realtime.Subscription
	err := breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		sub, err = r.channel.Subscribe(ctx, conversationID)
		return err
	})
	if err != nil {
		return nil, chat.NewSubscriptionDropped(conversationID, err)
	}
	return sub, nil
}

// latestCursor returns the cursor of the newest stored row. Rows after it
// arrive through the subscription opened just before. A failed lookup
// leaves the zero cursor, which makes catch-up walk the whole history.
func (r *StoreRepository) latestCursor(ctx context.Context, conversationID string) chat.Cursor {
	page, err := r.FetchPage(ctx, conversationID, chat.Cursor{}, 1)
	if err != nil {
		r.logger.WarnContext(ctx, "Latest message lookup failed, catch-up will replay full history",
			"conversation_id", conversationID, "error", err)
		return chat.Cursor{}
	}
	if len(page.Messages) == 0 {
		return chat.Cursor{}
	}
	return page.Messages[len(page.Messages)-1].Cursor()
}

// watcher owns one logical subscription across reconnects.
type watcher struct {
	repo           *StoreRepository
	breaker        *resilience.CircuitBreaker
	backoff        *resilience.Backoff
	conversationID string
	onEvent        func(Event)

	newest   chat.Cursor
	degraded bool
}

func (w *watcher) run(ctx context.Context, sub *realtime.Subscription) {
	log := w.repo.logger.With("conversation_id", w.conversationID)

	for {
		cause := w.pump(ctx, sub)
		if ctx.Err() != nil {
			return
		}
		log.WarnContext(ctx, "Realtime subscription dropped, resubscribing",
			"error", chat.NewSubscriptionDropped(w.conversationID, cause))

		sub = w.resubscribe(ctx)
		if sub == nil {
			return
		}
		w.backoff.Reset()
		if w.degraded {
			w.degraded = false
			log.InfoContext(ctx, "Realtime subscription recovered")
			w.onEvent(Event{Kind: EventRecovered})
		}
		w.catchUp(ctx)
	}
}

// pump forwards events until the subscription ends or ctx is cancelled.
func (w *watcher) pump(ctx context.Context, sub *realtime.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			// Drain what was queued before the drop.
			for {
				select {
				case ev := <-sub.Events():
					w.forward(ev)
				default:
					return sub.Err()
				}
			}
		case ev := <-sub.Events():
			w.forward(ev)
		}
	}
}

func (w *watcher) forward(ev realtime.Event) {
	if ev.Row.ConversationID != "" && ev.Row.ConversationID != w.conversationID {
		return
	}
	kind := EventInsert
	if ev.Type == realtime.EventUpdate {
		kind = EventUpdate
	}
	if w.newest.Before(ev.Row.Cursor()) {
		w.newest = ev.Row.Cursor()
	}
	w.onEvent(Event{Kind: kind, Message: ev.Row})
}

// resubscribe retries until it succeeds or ctx is cancelled. While the
// breaker is open it waits out the open timeout instead of the backoff.
func (w *watcher) resubscribe(ctx context.Context) *realtime.Subscription {
	clock := w.repo.clock
	for {
		delay := w.backoff.Next()
		if w.breaker.State() == resilience.StateOpen {
			delay = w.breaker.OpenTimeout()
		}
		if err := resilience.Sleep(ctx, clock, delay); err != nil {
			return nil
		}

		sub, err := w.repo.subscribeOnce(ctx, w.breaker, w.conversationID)
		if err == nil {
			return sub
		}
		if ctx.Err() != nil {
			return nil
		}

		w.repo.logger.DebugContext(ctx, "Resubscribe attempt failed",
			"conversation_id", w.conversationID, "breaker", w.breaker.State(), "error", err)
		if !w.degraded && w.breaker.State() != resilience.StateClosed {
			w.degraded = true
			w.repo.logger.WarnContext(ctx, "Realtime subscription degraded", "conversation_id", w.conversationID, "error", err)
			w.onEvent(Event{Kind: EventDegraded, Err: err})
		}
	}
}

// catchUp replays rows newer than the newest one seen before the drop. It
// walks back from the latest page until it reaches known history or runs
// out of pages. A zero known cursor means the conversation was empty, so
// every stored row is missed. Walking past CatchUpPages only logs.
func (w *watcher) catchUp(ctx context.Context) {
	r := w.repo
	known := w.newest
	before := chat.Cursor{}
	for pages := 1; ; pages++ {
		var page Page
		err := resilience.WithRetry(ctx, func(ctx context.Context) error {
			var err error
			page, err = r.FetchPage(ctx, w.conversationID, before, r.opts.PageSize)
			return err
		}, resilience.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: r.opts.ResubscribeInitial,
			MaxInterval:     r.opts.ResubscribeMax,
			Multiplier:      2,
			Clock:           r.clock,
		})
		if err != nil {
			r.logger.WarnContext(ctx, "Catch-up fetch failed", "conversation_id", w.conversationID, "pages", pages, "error", err)
			return
		}

		// Known rows are replayed too so that read receipts missed while
		// disconnected are picked up. The reducer drops the duplicates.
		reachedKnown := false
		for _, msg := range page.Messages {
			if !known.IsZero() && !known.Before(msg.Cursor()) {
				reachedKnown = true
			}
			w.onEvent(Event{Kind: EventInsert, Message: msg})
		}
		if len(page.Messages) > 0 {
			if last := page.Messages[len(page.Messages)-1].Cursor(); w.newest.Before(last) {
				w.newest = last
			}
		}

		if reachedKnown || !page.HasMore {
			return
		}
		if pages == r.opts.CatchUpPages {
			r.logger.WarnContext(ctx, "Catch-up still behind after page limit, continuing",
				"conversation_id", w.conversationID, "pages", pages)
		}
		before = page.Oldest()
	}
}
