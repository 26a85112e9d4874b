// Package receipts batches read receipts. A message counts as read once it
// has stayed sufficiently visible for a dwell period; read ids are then
// flushed together after the queue has been idle for a debounce interval.
package receipts

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/chatsync/internal/chat"
)

// Options tunes dwell and debounce timing.
type Options struct {
	Debounce        time.Duration
	Dwell           time.Duration
	MinVisibleRatio float64
}

// DefaultOptions returns the default timing.
func DefaultOptions() Options {
	return Options{
		Debounce:        200 * time.Millisecond,
		Dwell:           500 * time.Millisecond,
		MinVisibleRatio: 0.6,
	}
}

// MarkFunc persists read receipts for ids.
type MarkFunc func(ctx context.Context, ids []int64) error

// FlushFunc observes the outcome of a flush.
type FlushFunc func(ids []int64, err error)

// Batcher collects read receipts. It is safe for concurrent use.
type Batcher struct {
	mark      MarkFunc
	onFlushed FlushFunc
	clock     clockwork.Clock
	opts      Options
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	dwell       map[int64]clockwork.Timer
	pending     map[int64]struct{}
	acked       map[int64]struct{} // in flight or persisted
	debounce    clockwork.Timer
	debounceGen uint64
}

// New creates a Batcher. onFlushed may be nil.
func New(mark MarkFunc, onFlushed FlushFunc, clock clockwork.Clock, logger *slog.Logger, opts Options) *Batcher {
	defaults := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.Dwell < 0 {
		opts.Dwell = 0
	}
	if opts.MinVisibleRatio <= 0 || opts.MinVisibleRatio > 1 {
		opts.MinVisibleRatio = defaults.MinVisibleRatio
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		mark:      mark,
		onFlushed: onFlushed,
		clock:     clock,
		opts:      opts,
		logger:    logger.With("component", "receipts"),
		ctx:       ctx,
		cancel:    cancel,
		dwell:     make(map[int64]clockwork.Timer),
		pending:   make(map[int64]struct{}),
		acked:     make(map[int64]struct{}),
	}
}

// Visible reports that entry is on screen with the given visible ratio.
// A ratio below the minimum counts as hidden.
func (b *Batcher) Visible(entry chat.Entry, ratio float64) {
	id := entry.ID()
	if ratio < b.opts.MinVisibleRatio {
		b.Hidden(id)
		return
	}
	if !eligible(entry) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.known(id) {
		return
	}
	if _, dwelling := b.dwell[id]; dwelling {
		return
	}

	var timer clockwork.Timer
	timer = b.clock.AfterFunc(b.opts.Dwell, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed || b.dwell[id] != timer {
			return
		}
		delete(b.dwell, id)
		b.queueLocked(id)
	})
	b.dwell[id] = timer
}

// Hidden cancels the dwell timer of id.
func (b *Batcher) Hidden(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timer, ok := b.dwell[id]; ok {
		timer.Stop()
		delete(b.dwell, id)
	}
}

// QueueReadReceipt queues entry directly, skipping the dwell check.
func (b *Batcher) QueueReadReceipt(entry chat.Entry) {
	if !eligible(entry) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if timer, ok := b.dwell[entry.ID()]; ok {
		timer.Stop()
		delete(b.dwell, entry.ID())
	}
	b.queueLocked(entry.ID())
}

// Close cancels all timers and any in-flight flush. No callback runs
// after Close returns.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, timer := range b.dwell {
		timer.Stop()
		delete(b.dwell, id)
	}
	if b.debounce != nil {
		b.debounce.Stop()
		b.debounce = nil
	}
	clear(b.pending)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// eligible reports whether entry can produce a read receipt: a confirmed,
// unread message of the other participant.
func eligible(entry chat.Entry) bool {
	return !entry.Own && entry.ID() != 0 && !entry.Read()
}

func (b *Batcher) known(id int64) bool {
	if _, ok := b.pending[id]; ok {
		return true
	}
	_, ok := b.acked[id]
	return ok
}

// queueLocked adds id and restarts the debounce timer.
func (b *Batcher) queueLocked(id int64) {
	if b.known(id) {
		return
	}
	b.pending[id] = struct{}{}

	if b.debounce != nil {
		b.debounce.Stop()
	}
	b.debounceGen++
	gen := b.debounceGen
	b.debounce = b.clock.AfterFunc(b.opts.Debounce, func() { b.flush(gen) })
}

func (b *Batcher) flush(gen uint64) {
	b.mu.Lock()
	if b.closed || gen != b.debounceGen || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	ids := make([]int64, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
		b.acked[id] = struct{}{}
	}
	clear(b.pending)
	b.debounce = nil
	b.wg.Add(1)
	b.mu.Unlock()

	slices.Sort(ids)
	go func() {
		defer b.wg.Done()

		err := b.mark(b.ctx, ids)
		b.mu.Lock()
		if err != nil {
			// Forget the ids; the next visibility pass queues them again.
			for _, id := range ids {
				delete(b.acked, id)
			}
		}
		closed := b.closed
		b.mu.Unlock()

		if err != nil {
			b.logger.Debug("Read receipt flush failed", "count", len(ids), "error", err)
		} else {
			b.logger.Debug("Read receipts flushed", "count", len(ids))
		}
		if !closed && b.onFlushed != nil {
			b.onFlushed(ids, err)
		}
	}()
}
