// Package session is the chat orchestrator. A Session owns the message list
// of one open conversation and serializes every change to it (own sends,
// realtime events, history pages, read receipts and view events) through a
// single event loop.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/edgard/chatsync/internal/chat"
	"github.com/edgard/chatsync/internal/notify"
	"github.com/edgard/chatsync/internal/receipts"
	"github.com/edgard/chatsync/internal/repository"
	"github.com/edgard/chatsync/internal/scroll"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Notices shown on the snapshot.
const (
	NoticeLoadOlderFailed = "Couldn't load older messages. Scroll up to try again."
	NoticeRefreshFailed   = "Couldn't refresh the conversation."
)

// Resolver finds or creates the conversation of two participants.
type Resolver interface {
	Resolve(ctx context.Context, a, b string) (chat.Conversation, error)
}

// Deps are the collaborators of a session.
type Deps struct {
	Repository repository.Repository
	Resolver   Resolver
	Notifier   notify.Signaler
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Options tunes a session.
type Options struct {
	PageSize      int
	Scroll        scroll.Options
	Receipts      receipts.Options
	NotifyTimeout time.Duration
}

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	ConversationID string
	Self           string
	Peer           string
	Messages       []chat.Entry
	HasMore        bool
	LoadingOlder   bool
	PendingNew     int
	PendingLabel   string
	Degraded       bool
	Notice         string
	// ScrollToBottom is set on the snapshot produced by the event that
	// asked the view to jump to the end. ScrollRequests counts those
	// events so a consumer that skipped snapshots can still notice.
	ScrollToBottom bool
	ScrollRequests uint64
	Version        uint64
}

// Session is one open conversation view.
type Session struct {
	conv   chat.Conversation
	self   string
	peer   string
	deps   Deps
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inbox     chan event
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	updates   chan Snapshot

	snapMu sync.RWMutex
	snap   Snapshot

	subMu       sync.Mutex
	unsubscribe func()
	subClosed   bool

	// Owned by the event loop.
	timeline       chat.Timeline
	scroll         *scroll.Controller
	batcher        *receipts.Batcher
	hasMore        bool
	degraded       bool
	notice         string
	scrollToBottom bool
	scrollRequests uint64
	version        uint64
	signaled       map[string]struct{}
}

// Open resolves the conversation between self and peer, subscribes to it,
// loads the latest page and starts the session loop. A failed subscription
// does not fail Open; the session starts degraded instead.
func Open(ctx context.Context, deps Deps, opts Options, self, peer string) (*Session, error) {
	if deps.Repository == nil || deps.Resolver == nil {
		return nil, errors.New("session requires a repository and a resolver")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}

	conv, err := deps.Resolver.Resolve(ctx, self, peer)
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		conv:     conv,
		self:     self,
		peer:     peer,
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger.With("component", "session", "conversation_id", conv.ID),
		ctx:      sessCtx,
		cancel:   cancel,
		inbox:    make(chan event, 256),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		updates:  make(chan Snapshot, 1),
		timeline: chat.NewTimeline(self),
		scroll:   scroll.New(opts.Scroll),
		signaled: make(map[string]struct{}),
	}
	s.batcher = receipts.New(s.markRead, s.onFlushed, deps.Clock, deps.Logger, opts.Receipts)

	// Subscribe before the first fetch so that nothing written in between
	// is missed. Duplicates between the two are merged by the timeline.
	unsubscribe, err := deps.Repository.Subscribe(ctx, conv.ID, s.onRemote)
	if err != nil {
		s.logger.WarnContext(ctx, "Realtime subscription failed, starting degraded", "error", err)
		s.degraded = true
	}
	s.unsubscribe = unsubscribe

	page, err := deps.Repository.FetchPage(ctx, conv.ID, chat.Cursor{}, opts.PageSize)
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.timeline, _ = s.timeline.Apply(chat.PageLoaded{Messages: page.Messages})
	s.hasMore = page.HasMore
	s.scrollToBottom = true
	s.scrollRequests++
	s.publish()

	go s.run()

	s.logger.InfoContext(ctx, "Session opened", "self", self, "peer", peer, "messages", s.timeline.Len())
	return s, nil
}

// Conversation returns the resolved conversation.
func (s *Session) Conversation() chat.Conversation { return s.conv }

// Send appends an optimistic message and sends it. It returns the client
// generated id that identifies the message across retries.
func (s *Session) Send(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", chat.NewValidationError("message content cannot be empty")
	}
	clientID := uuid.NewString()
	if !s.post(sendStarted{clientID: clientID, content: content}) {
		return "", ErrClosed
	}
	return clientID, nil
}

// Retry re-sends a failed message with its original client id.
func (s *Session) Retry(clientID string) error {
	reply := make(chan error, 1)
	if !s.post(retryRequested{clientID: clientID, reply: reply}) {
		return ErrClosed
	}
	return s.await(reply)
}

// DeleteFailed removes a failed message. It was never persisted, so this
// is local only.
func (s *Session) DeleteFailed(clientID string) error {
	reply := make(chan error, 1)
	if !s.post(deleteRequested{clientID: clientID, reply: reply}) {
		return ErrClosed
	}
	return s.await(reply)
}

// LoadOlder requests the previous history page. It is a no-op while a load
// is in flight or when there is no more history.
func (s *Session) LoadOlder() {
	s.post(loadOlderRequested{})
}

// OnScroll reports new scroll metrics from the view. Crossing the top
// threshold loads older history.
func (s *Session) OnScroll(m scroll.Metrics) {
	s.post(scrolled{metrics: m, resize: false})
}

// OnResize reports new metrics after the container changed size.
func (s *Session) OnResize(m scroll.Metrics) {
	s.post(scrolled{metrics: m, resize: true})
}

// OnLayout reports the content extent after the view rendered a prepended
// page. It returns the scroll offset that keeps the anchored message in
// place; ok is false when no anchor adjustment is pending.
func (s *Session) OnLayout(extent float64) (scrollTop float64, ok bool) {
	reply := make(chan layoutResult, 1)
	if !s.post(laidOut{extent: extent, reply: reply}) {
		return 0, false
	}
	select {
	case r := <-reply:
		return r.top, r.ok
	case <-s.done:
		return 0, false
	}
}

// OnVisible reports the visible ratio of a message.
func (s *Session) OnVisible(id int64, ratio float64) {
	s.post(visibilityChanged{id: id, ratio: ratio, visible: true})
}

// OnHidden reports that a message left the viewport.
func (s *Session) OnHidden(id int64) {
	s.post(visibilityChanged{id: id})
}

// DismissNotice clears the transient notice.
func (s *Session) DismissNotice() {
	s.post(noticeDismissed{})
}

// Refresh fetches the latest page and merges it. A session without a live
// subscription also tries to subscribe again.
func (s *Session) Refresh(ctx context.Context) error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}

	page, err := s.deps.Repository.FetchPage(ctx, s.conv.ID, chat.Cursor{}, s.opts.PageSize)
	if err != nil {
		s.post(pageFetched{kind: pageLatest, err: err})
		return err
	}
	if !s.post(pageFetched{kind: pageLatest, page: page}) {
		return ErrClosed
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subClosed {
		return ErrClosed
	}
	if s.unsubscribe != nil {
		return nil
	}
	unsubscribe, err := s.deps.Repository.Subscribe(ctx, s.conv.ID, s.onRemote)
	if err != nil {
		s.logger.DebugContext(ctx, "Resubscribe on refresh failed", "error", err)
		return err
	}
	s.unsubscribe = unsubscribe
	s.post(resubscribed{})
	return nil
}

// Snapshot returns the latest state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Degraded reports whether live updates are currently unavailable.
func (s *Session) Degraded() bool {
	return s.Snapshot().Degraded
}

// Updates delivers snapshots as they change. Only the latest undelivered
// snapshot is kept. The channel is closed by Close.
func (s *Session) Updates() <-chan Snapshot { return s.updates }

// Close stops the session. It unsubscribes from realtime, cancels read
// receipt timers, in-flight requests and any pending anchor adjustment.
// Nothing touches the session state after Close returns.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		<-s.done
		s.teardown()
		s.scroll.CancelAnchor()
		close(s.updates)
		s.logger.Info("Session closed")
	})
}

func (s *Session) teardown() {
	s.subMu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.subClosed = true
	s.subMu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	s.batcher.Close()
	s.cancel()
	s.wg.Wait()
}

// post hands ev to the loop. It returns false once the session is closing.
func (s *Session) post(ev event) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case <-s.closing:
		return false
	case s.inbox <- ev:
		return true
	}
}

func (s *Session) await(reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) onRemote(ev repository.Event) {
	s.post(remoteEvent{ev: ev})
}

func (s *Session) markRead(ctx context.Context, ids []int64) error {
	return s.deps.Repository.MarkRead(ctx, s.self, ids)
}

func (s *Session) onFlushed(ids []int64, err error) {
	s.post(receiptsFlushed{ids: ids, err: err})
}

// publish stores a new snapshot and offers it on the updates channel,
// replacing an undelivered older one.
func (s *Session) publish() {
	s.version++
	snap := Snapshot{
		ConversationID: s.conv.ID,
		Self:           s.self,
		Peer:           s.peer,
		Messages:       s.timeline.Entries(),
		HasMore:        s.hasMore,
		LoadingOlder:   s.scroll.Loading(),
		PendingNew:     s.scroll.Pending(),
		PendingLabel:   s.scroll.PendingLabel(),
		Degraded:       s.degraded,
		Notice:         s.notice,
		ScrollToBottom: s.scrollToBottom,
		ScrollRequests: s.scrollRequests,
		Version:        s.version,
	}
	s.scrollToBottom = false

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()

	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}
